package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/oppradar/oppscan/internal/fetcher"
)

var (
	scanLimit  int
	scanSource string
	scanMinEng int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run opportunity analysis over candidate items",
	Long:  "Fetches items from the configured source and runs every enabled analysis stage, copying prior results across duplicate concepts instead of re-spending.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		p, err := buildPipeline(st)
		if err != nil {
			return err
		}

		filters := map[string]string{}
		if scanSource != "" {
			filters[fetcher.FilterSource] = scanSource
		}
		if scanMinEng > 0 {
			filters[fetcher.FilterMinEngagement] = strconv.Itoa(scanMinEng)
		}

		run, err := p.Run(ctx, scanLimit, filters)
		if err != nil {
			return eris.Wrap(err, "scan")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanLimit, "limit", 100, "maximum items to process")
	scanCmd.Flags().StringVar(&scanSource, "source", "", "restrict to one source tag (e.g. subreddit name)")
	scanCmd.Flags().IntVar(&scanMinEng, "min-engagement", 0, "drop items below this engagement score")
	rootCmd.AddCommand(scanCmd)
}

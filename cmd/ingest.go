package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/fetcher"
	"github.com/oppradar/oppscan/internal/model"
)

var (
	ingestSource string
	ingestLimit  int
	ingestMinEng int
)

const ingestBatchSize = 200

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull forum posts into the local store",
	Long:  "Fetches recent posts from the forum API and upserts them as candidate items, so later scans can run against the store without refetching.",
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

		live := fetcher.NewLiveFetcher(initForum(), cfg.Source.PageSize)
		filters := map[string]string{fetcher.FilterSource: ingestSource}
		if ingestMinEng > 0 {
			filters[fetcher.FilterMinEngagement] = strconv.Itoa(ingestMinEng)
		}

		it := live.Fetch(ctx, ingestLimit, filters)
		defer it.Close() //nolint:errcheck

		var batch []model.Item
		var stored int64
		for it.Next() {
			batch = append(batch, it.Item())
			if len(batch) < ingestBatchSize {
				continue
			}
			n, upErr := st.UpsertItems(ctx, batch)
			if upErr != nil {
				return eris.Wrap(upErr, "upsert items")
			}
			stored += n
			batch = batch[:0]
		}
		if len(batch) > 0 {
			n, upErr := st.UpsertItems(ctx, batch)
			if upErr != nil {
				return eris.Wrap(upErr, "upsert items")
			}
			stored += n
		}
		if err := it.Err(); err != nil {
			return eris.Wrap(err, "ingest fetch")
		}

		zap.L().Info("ingest complete",
			zap.String("source", ingestSource),
			zap.Int64("stored", stored),
			zap.Int("dropped", it.Dropped()),
		)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source tag to pull, e.g. a subreddit name (required)")
	ingestCmd.Flags().IntVar(&ingestLimit, "limit", 500, "maximum posts to fetch")
	ingestCmd.Flags().IntVar(&ingestMinEng, "min-engagement", 0, "drop posts below this engagement score")
	_ = ingestCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(ingestCmd)
}

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/fetcher"
)

var importPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import candidate items from a CSV or XLSX file",
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

		var rows [][]string
		switch strings.ToLower(filepath.Ext(importPath)) {
		case ".csv":
			f, openErr := os.Open(importPath)
			if openErr != nil {
				return eris.Wrap(openErr, "open csv")
			}
			defer f.Close() //nolint:errcheck
			rows, err = fetcher.ReadCSV(f)
		case ".xlsx":
			rows, err = fetcher.ReadXLSX(importPath)
		default:
			return eris.Errorf("unsupported file type: %s", importPath)
		}
		if err != nil {
			return eris.Wrap(err, "read file")
		}
		if len(rows) == 0 {
			return eris.New("file has no rows")
		}

		items, dropped := fetcher.ItemsFromRows(rows[0], rows[1:])
		stored, err := st.UpsertItems(ctx, items)
		if err != nil {
			return eris.Wrap(err, "upsert items")
		}

		zap.L().Info("import complete",
			zap.String("file", importPath),
			zap.Int64("stored", stored),
			zap.Int("dropped", dropped),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importPath, "file", "", "path to CSV or XLSX file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

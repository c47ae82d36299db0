package fetcher

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/model"
)

// ReadCSV reads all rows from a CSV stream. Variable field counts are
// tolerated; the caller decides what a row means.
func ReadCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		for i, field := range record {
			record[i] = strings.TrimSpace(field)
		}
		rows = append(rows, record)
	}
}

// ReadXLSX reads all rows from the first sheet of an XLSX file.
func ReadXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: no sheets")
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = strings.TrimSpace(cell.Value)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// ItemsFromRows maps header-keyed rows to items. Recognized columns:
// id, title, body, source_tag (or source), engagement_score (or score),
// created_at (RFC 3339 or unix seconds). Rows failing item validation
// are dropped and counted, matching the fetch contract.
func ItemsFromRows(header []string, rows [][]string) ([]model.Item, int) {
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	pick := func(row []string, names ...string) string {
		for _, name := range names {
			if i, ok := col[name]; ok && i < len(row) {
				return row[i]
			}
		}
		return ""
	}

	var items []model.Item
	dropped := 0
	for _, row := range rows {
		item := model.Item{
			ID:        pick(row, "id"),
			Title:     pick(row, "title"),
			Body:      pick(row, "body"),
			SourceTag: pick(row, "source_tag", "source"),
			CreatedAt: parseTime(pick(row, "created_at")),
		}
		if n, err := strconv.Atoi(pick(row, "engagement_score", "score")); err == nil {
			item.EngagementScore = n
		}

		if err := item.Validate(); err != nil {
			dropped++
			zap.L().Warn("fetcher: dropping invalid imported row", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, dropped
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}

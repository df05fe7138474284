package input

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// ReadXLSX returns every row of the named sheet (the first when sheet is
// empty) as strings.
func ReadXLSX(path, sheet string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	s, err := getSheet(f, sheet)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(s.Rows))
	for _, row := range s.Rows {
		if row == nil {
			continue
		}
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: file has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// ReadCSV returns every record of r. Records may have varying field counts.
func ReadCSV(ctx context.Context, r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]string
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		rows = append(rows, record)
	}
}

// GroupTable turns a header row plus data rows into groups. Rows sharing the
// municipality, state and position columns form one group, in order of first
// appearance. Every non-empty cell is kept on the row under its header.
func GroupTable(rows [][]string, opts Options) ([]model.RawGroup, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	opts = opts.withDefaults()

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	col := func(name string) int {
		for i, h := range header {
			if strings.EqualFold(h, name) {
				return i
			}
		}
		return -1
	}
	mCol, sCol, pCol := col(opts.Municipality), col(opts.State), col(opts.Position)
	if mCol < 0 && sCol < 0 && pCol < 0 {
		return nil, eris.Errorf("input: header has none of the grouping columns %q, %q, %q",
			opts.Municipality, opts.State, opts.Position)
	}

	cell := func(record []string, i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var groups []model.RawGroup
	index := map[[3]string]int{}
	for _, record := range rows[1:] {
		row := model.Row{}
		for i, v := range record {
			if i >= len(header) || header[i] == "" {
				continue
			}
			if v = strings.TrimSpace(v); v != "" {
				row[header[i]] = v
			}
		}
		if len(row) == 0 {
			continue
		}

		id := [3]string{cell(record, mCol), cell(record, sCol), cell(record, pCol)}
		gi, ok := index[id]
		if !ok {
			gi = len(groups)
			index[id] = gi
			groups = append(groups, model.RawGroup{
				Municipality: id[0],
				State:        id[1],
				Position:     id[2],
			})
		}
		groups[gi].Rows = append(groups[gi].Rows, row)
	}
	return groups, nil
}

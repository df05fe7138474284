// Package input loads caller-supplied groups from JSON, YAML, CSV and XLSX files.
package input

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// Options configures tabular loading. JSON and YAML files carry their own
// grouping and ignore it.
type Options struct {
	// Sheet selects an XLSX sheet by name. Empty selects the first sheet.
	Sheet string

	// Municipality, State and Position name the header columns rows are
	// grouped by. Matching is case-insensitive. Defaults apply when empty.
	Municipality string
	State        string
	Position     string
}

func (o Options) withDefaults() Options {
	if o.Municipality == "" {
		o.Municipality = "municipality"
	}
	if o.State == "" {
		o.State = "state"
	}
	if o.Position == "" {
		o.Position = "position"
	}
	return o
}

// LoadFile reads groups from path, choosing the format by extension.
func LoadFile(ctx context.Context, path string, opts Options) ([]model.RawGroup, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".xlsx" {
		rows, err := ReadXLSX(path, opts.Sheet)
		if err != nil {
			return nil, err
		}
		return GroupTable(rows, opts)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "input: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	switch ext {
	case ".json":
		return DecodeJSON(ctx, f)
	case ".yaml", ".yml":
		return DecodeYAML(f)
	case ".csv":
		rows, err := ReadCSV(ctx, f)
		if err != nil {
			return nil, err
		}
		return GroupTable(rows, opts)
	}
	return nil, eris.Errorf("input: unsupported file type %q (want .json, .yaml, .csv or .xlsx)", ext)
}

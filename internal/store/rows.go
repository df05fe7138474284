package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

func marshalRows(rows []model.Row) ([]byte, error) {
	if rows == nil {
		rows = []model.Row{}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal rows")
	}
	return b, nil
}

func unmarshalRows(raw []byte, dst *[]model.Row) error {
	if len(raw) == 0 {
		*dst = []model.Row{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return eris.Wrap(err, "store: unmarshal rows")
	}
	return nil
}

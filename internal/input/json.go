package input

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// DecodeJSON reads either a top-level array of groups or an object with a
// "groups" array. Arrays are decoded element by element.
func DecodeJSON(ctx context.Context, r io.Reader) ([]model.RawGroup, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, eris.Wrap(err, "json: read input")
	}

	if first != '[' {
		var doc struct {
			Groups []model.RawGroup `json:"groups"`
		}
		if err := json.NewDecoder(br).Decode(&doc); err != nil {
			return nil, eris.Wrap(err, "json: decode object")
		}
		return doc.Groups, nil
	}

	var groups []model.RawGroup
	groupCh, errCh := decodeArray[model.RawGroup](ctx, br)
	for g := range groupCh {
		groups = append(groups, g)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return groups, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// decodeArray decodes a JSON array streaming, sending each element to a
// channel. Both channels are closed when processing completes.
func decodeArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)

		tok, err := decoder.Token()
		if err != nil {
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for i := 0; decoder.More(); i++ {
			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrapf(err, "json: decode element %d", i)
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

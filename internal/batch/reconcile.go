package batch

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

const maxResultLineBytes = 64 << 20

// Reconcile realigns the results of a finished provider job with the
// submitted keys. The returned slice has one entry per key, in key order.
// Slots the provider left unanswered come back Empty.
func Reconcile(ctx context.Context, p Provider, job *ProviderJob, mode model.SubmitMode, keys []string, keyMap map[string]int) ([]Result, error) {
	if keyMap == nil {
		var err error
		if keyMap, err = BuildKeyMap(keys); err != nil {
			return nil, err
		}
	}

	results := make([]Result, len(keys))
	for i, k := range keys {
		results[i].Key = k
	}

	if mode == model.SubmitModeFile {
		if err := reconcileFile(ctx, p, job, keyMap, results); err != nil {
			return nil, err
		}
		return results, nil
	}

	reconcileInline(job, keys, keyMap, results)
	return results, nil
}

func reconcileInline(job *ProviderJob, keys []string, keyMap map[string]int, results []Result) {
	for i, r := range job.Inline {
		slot := -1
		if r.Key != "" {
			if idx, ok := keyMap[r.Key]; ok {
				slot = idx
			}
		}
		if slot < 0 && i < len(keys) {
			slot = keyMap[keys[i]]
		}
		if slot < 0 {
			zap.L().Warn("batch: inline result without slot",
				zap.String("job_name", job.Name),
				zap.Int("position", i),
				zap.String("key", r.Key),
			)
			continue
		}

		text := r.Text
		if text == "" {
			text = r.Response.FlatText()
		}
		switch {
		case text != "":
			results[slot].Text = text
		case r.Error != "":
			results[slot].Error = r.Error
		}
	}
}

func reconcileFile(ctx context.Context, p Provider, job *ProviderJob, keyMap map[string]int, results []Result) error {
	if job.ResultFile == "" {
		return eris.Errorf("batch: job %s has no result file", job.Name)
	}

	rc, err := p.DownloadFile(ctx, job.ResultFile)
	if err != nil {
		return eris.Wrapf(err, "batch: download results %s", job.ResultFile)
	}
	defer rc.Close() //nolint:errcheck

	log := zap.L().With(zap.String("job_name", job.Name), zap.String("file", job.ResultFile))

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxResultLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line FileLine
		if err := json.Unmarshal(raw, &line); err != nil {
			log.Warn("batch: skip unparseable result line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}

		slot := -1
		if idx, ok := keyMap[line.Key]; ok && line.Key != "" {
			slot = idx
		} else if line.Index != nil && *line.Index >= 0 && *line.Index < len(results) {
			slot = *line.Index
		}
		if slot < 0 {
			log.Warn("batch: skip result line without slot",
				zap.Int("line", lineNo),
				zap.String("key", line.Key),
			)
			continue
		}

		text := line.Text
		if text == "" {
			text = line.Response.FlatText()
		}
		switch {
		case text != "":
			results[slot].Text = text
		case len(line.Error) > 0:
			results[slot].Error = errorText(line.Error)
		}
	}
	if err := sc.Err(); err != nil {
		return eris.Wrap(err, "batch: read result file")
	}
	return nil
}

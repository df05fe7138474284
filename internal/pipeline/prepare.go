package pipeline

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// Preparer normalizes raw groups into persisted groups. It never fails:
// malformed hints degrade to nil.
type Preparer struct {
	tierCap int
}

// NewPreparer creates a Preparer capping rows at tierCap, the row limit of
// the active deployment tier.
func NewPreparer(tierCap int) *Preparer {
	return &Preparer{tierCap: tierCap}
}

// Cap returns the effective row cap for a caller-supplied limit. A limit of
// zero or less selects the tier cap.
func (p *Preparer) Cap(limit int) int {
	switch {
	case p.tierCap <= 0:
		return limit
	case limit <= 0 || limit > p.tierCap:
		return p.tierCap
	default:
		return limit
	}
}

// Prepare truncates rows, assigns unique keys and records input order.
func (p *Preparer) Prepare(raw []model.RawGroup, limit int) []model.Group {
	rowCap := p.Cap(limit)
	groups := make([]model.Group, len(raw))
	seen := make(map[string]bool, len(raw))

	for i, rg := range raw {
		g := model.Group{
			Order:            i,
			Municipality:     model.HintString(rg.Municipality),
			State:            model.HintString(rg.State),
			Position:         model.HintString(rg.Position),
			OriginalRowCount: len(rg.Rows),
		}

		rows := rg.Rows
		if rowCap > 0 && len(rows) > rowCap {
			rows = rows[:rowCap]
		}
		g.Rows = append([]model.Row(nil), rows...)
		g.RowCount = len(g.Rows)

		key := strings.TrimSpace(rg.Key)
		if key == "" {
			key = GroupKey(g.Municipality, g.State, g.Position)
		}
		if key == "" {
			key = fmt.Sprintf("group-%d", i)
		}
		g.Key = uniqueKey(key, seen)

		groups[i] = g
	}
	return groups
}

// uniqueKey appends #2, #3 ... to repeats of key.
func uniqueKey(key string, seen map[string]bool) string {
	if !seen[key] {
		seen[key] = true
		return key
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s#%d", key, n)
		if !seen[candidate] {
			seen[candidate] = true
			return candidate
		}
	}
}

// GroupKey derives a key from the grouping hints: each part normalized and
// joined with "|". It returns "" when every hint is empty.
func GroupKey(municipality, state, position *string) string {
	parts := []string{
		normalizeKeyPart(model.Deref(municipality)),
		normalizeKeyPart(model.Deref(state)),
		normalizeKeyPart(model.Deref(position)),
	}
	if parts[0] == "" && parts[1] == "" && parts[2] == "" {
		return ""
	}
	return strings.Join(parts, "|")
}

// normalizeKeyPart strips diacritics, lower-cases and collapses whitespace.
func normalizeKeyPart(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

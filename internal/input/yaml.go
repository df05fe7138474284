package input

import (
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/candidate-pipeline/internal/model"
)

// DecodeYAML reads either a top-level sequence of groups or a mapping with a
// "groups" sequence.
func DecodeYAML(r io.Reader) ([]model.RawGroup, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, eris.Wrap(err, "yaml: decode")
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	var groups []model.RawGroup
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&groups); err != nil {
			return nil, eris.Wrap(err, "yaml: decode groups")
		}
	case yaml.MappingNode:
		var wrapped struct {
			Groups []model.RawGroup `yaml:"groups"`
		}
		if err := root.Decode(&wrapped); err != nil {
			return nil, eris.Wrap(err, "yaml: decode groups")
		}
		groups = wrapped.Groups
	default:
		return nil, eris.New("yaml: expected a list of groups or a groups key")
	}
	return groups, nil
}

package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalYAML writes a mapping in declaration order.
func (d *Declarations) MarshalYAML() (interface{}, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, obj := range d.Objects() {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, attr := range d.Attributes(obj) {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: attr})
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: obj}, seq)
	}
	return n, nil
}

// UnmarshalYAML reads a mapping of object to attribute list, keeping the
// document order.
func (d *Declarations) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("decode declarations: line %d: want a mapping", value.Line)
	}
	*d = Declarations{attrs: make(map[string][]string)}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		var attrs []string
		if err := val.Decode(&attrs); err != nil {
			return fmt.Errorf("decode declarations: object %q: %w", key.Value, err)
		}
		d.Set(key.Value, attrs...)
	}
	return nil
}

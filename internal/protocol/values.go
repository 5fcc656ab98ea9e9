package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/iancoleman/orderedmap"

	"github.com/san-kum/dynsync/internal/schema"
)

// Values is an ordered object -> attribute -> values map, the realized form
// of send/receive declarations in a response.
type Values struct {
	objects []string
	attrs   map[string][]string
	data    map[string]map[string][]float64
}

// NewValues returns an empty map.
func NewValues() *Values {
	return &Values{
		attrs: make(map[string][]string),
		data:  make(map[string]map[string][]float64),
	}
}

// Set stores a copy of values under object.attribute. Order of first
// insertion is kept.
func (v *Values) Set(object, attribute string, values []float64) {
	if v.data == nil {
		v.attrs = make(map[string][]string)
		v.data = make(map[string]map[string][]float64)
	}
	m, ok := v.data[object]
	if !ok {
		m = make(map[string][]float64)
		v.data[object] = m
		v.objects = append(v.objects, object)
	}
	if _, ok := m[attribute]; !ok {
		v.attrs[object] = append(v.attrs[object], attribute)
	}
	m[attribute] = append([]float64(nil), values...)
}

// Touch records object without attributes.
func (v *Values) Touch(object string) {
	if v.data == nil {
		v.attrs = make(map[string][]string)
		v.data = make(map[string]map[string][]float64)
	}
	if _, ok := v.data[object]; !ok {
		v.data[object] = make(map[string][]float64)
		v.objects = append(v.objects, object)
	}
}

// Get returns a copy of object.attribute.
func (v *Values) Get(object, attribute string) ([]float64, bool) {
	if v == nil {
		return nil, false
	}
	vals, ok := v.data[object][attribute]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), vals...), true
}

// Objects lists objects in insertion order.
func (v *Values) Objects() []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v.objects...)
}

// Attributes lists the attributes of object in insertion order.
func (v *Values) Attributes(object string) []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v.attrs[object]...)
}

// Len is the object count.
func (v *Values) Len() int {
	if v == nil {
		return 0
	}
	return len(v.objects)
}

// Width is the total number of floats.
func (v *Values) Width() int {
	if v == nil {
		return 0
	}
	n := 0
	for _, m := range v.data {
		for _, vals := range m {
			n += len(vals)
		}
	}
	return n
}

// Declarations drops the values, keeping objects and attributes in order.
func (v *Values) Declarations() *schema.Declarations {
	d := schema.NewDeclarations()
	for _, obj := range v.Objects() {
		d.Set(obj, v.attrs[obj]...)
	}
	return d
}

// Check validates every entry against the schema.
func (v *Values) Check(s *schema.Schema) error {
	for _, obj := range v.Objects() {
		for _, attr := range v.attrs[obj] {
			if err := s.Check(obj, attr, v.data[obj][attr]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Values) MarshalJSON() ([]byte, error) {
	om := orderedmap.New()
	for _, obj := range v.Objects() {
		inner := orderedmap.New()
		for _, attr := range v.attrs[obj] {
			inner.Set(attr, v.data[obj][attr])
		}
		om.Set(obj, inner)
	}
	return json.Marshal(om)
}

func (v *Values) UnmarshalJSON(data []byte) error {
	objects, raw, err := orderedObject(data)
	if err != nil {
		return err
	}
	*v = *NewValues()
	for _, obj := range objects {
		attrs, rawAttrs, err := orderedObject(raw[obj])
		if err != nil {
			return fmt.Errorf("object %s: %w", obj, err)
		}
		v.Touch(obj)
		for _, attr := range attrs {
			var vals []float64
			if err := json.Unmarshal(rawAttrs[attr], &vals); err != nil {
				return fmt.Errorf("%s.%s: %w", obj, attr, err)
			}
			if vals == nil {
				vals = []float64{}
			}
			v.Set(obj, attr, vals)
		}
	}
	return nil
}

// orderedObject decodes a JSON object keeping key order.
func orderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	om := orderedmap.New()
	if err := json.Unmarshal(data, om); err != nil {
		return nil, nil, err
	}
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	return om.Keys(), raw, nil
}

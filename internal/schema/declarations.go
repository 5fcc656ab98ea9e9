package schema

import (
	"encoding/json"
	"fmt"

	"github.com/iancoleman/orderedmap"
)

// Wildcard names every object known to the peer.
const Wildcard = "*"

// Declarations is an insertion-ordered object -> attributes table. Order is
// significant: it fixes the column layout of data frames.
type Declarations struct {
	objects []string
	attrs   map[string][]string
}

// NewDeclarations returns an empty table.
func NewDeclarations() *Declarations {
	return &Declarations{attrs: make(map[string][]string)}
}

// Set declares the attributes of an object. A new object is appended; an
// existing one keeps its position and has its attribute list replaced.
// Duplicate attribute names are dropped.
func (d *Declarations) Set(object string, attributes ...string) {
	d.init()
	if _, ok := d.attrs[object]; !ok {
		d.objects = append(d.objects, object)
	}
	seen := make(map[string]bool, len(attributes))
	list := make([]string, 0, len(attributes))
	for _, a := range attributes {
		if seen[a] {
			continue
		}
		seen[a] = true
		list = append(list, a)
	}
	d.attrs[object] = list
}

// Append adds attributes to an object, creating it when absent.
func (d *Declarations) Append(object string, attributes ...string) {
	d.init()
	current := d.attrs[object]
	d.Set(object, append(append([]string{}, current...), attributes...)...)
}

// Delete removes an object.
func (d *Declarations) Delete(object string) {
	if d == nil || d.attrs == nil {
		return
	}
	if _, ok := d.attrs[object]; !ok {
		return
	}
	delete(d.attrs, object)
	for i, name := range d.objects {
		if name == object {
			d.objects = append(d.objects[:i:i], d.objects[i+1:]...)
			break
		}
	}
}

// Objects returns object names in declaration order.
func (d *Declarations) Objects() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.objects...)
}

// Attributes returns the attributes declared for an object.
func (d *Declarations) Attributes(object string) []string {
	if d == nil || d.attrs == nil {
		return nil
	}
	return append([]string(nil), d.attrs[object]...)
}

// Has reports whether the object is declared.
func (d *Declarations) Has(object string) bool {
	if d == nil || d.attrs == nil {
		return false
	}
	_, ok := d.attrs[object]
	return ok
}

// Len is the number of declared objects.
func (d *Declarations) Len() int {
	if d == nil {
		return 0
	}
	return len(d.objects)
}

// Clone returns an independent copy.
func (d *Declarations) Clone() *Declarations {
	c := NewDeclarations()
	if d == nil {
		return c
	}
	for _, obj := range d.objects {
		c.Set(obj, d.attrs[obj]...)
	}
	return c
}

// Equal compares objects, attribute lists and order.
func (d *Declarations) Equal(o *Declarations) bool {
	if d.Len() != o.Len() {
		return false
	}
	for i, obj := range d.Objects() {
		if o.objects[i] != obj {
			return false
		}
		a, b := d.attrs[obj], o.attrs[obj]
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j] != b[j] {
				return false
			}
		}
	}
	return true
}

func (d *Declarations) init() {
	if d.attrs == nil {
		d.attrs = make(map[string][]string)
	}
}

// MarshalJSON writes {"object": ["attr", ...], ...} in declaration order.
func (d *Declarations) MarshalJSON() ([]byte, error) {
	om := orderedmap.New()
	if d != nil {
		for _, obj := range d.objects {
			attrs := d.attrs[obj]
			if attrs == nil {
				attrs = []string{}
			}
			om.Set(obj, attrs)
		}
	}
	return json.Marshal(om)
}

// UnmarshalJSON reads the object form, keeping the document's key order.
func (d *Declarations) UnmarshalJSON(data []byte) error {
	om := orderedmap.New()
	if err := json.Unmarshal(data, om); err != nil {
		return fmt.Errorf("decode declarations: %w", err)
	}
	*d = Declarations{attrs: make(map[string][]string)}
	for _, obj := range om.Keys() {
		raw, _ := om.Get(obj)
		attrs, err := stringList(raw)
		if err != nil {
			return fmt.Errorf("decode declarations: object %q: %w", obj, err)
		}
		d.Set(obj, attrs...)
	}
	return nil
}

func stringList(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("attribute name must be a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("attribute list must be an array, got %T", v)
	}
}

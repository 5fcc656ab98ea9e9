package schema

import "strconv"

// Field locates one (object, attribute) pair inside a flat row.
type Field struct {
	Object    string
	Attribute string
	Offset    int
	Arity     int
}

// Layout is the column layout derived from declarations.
type Layout struct {
	fields []Field
	index  map[string]map[string]int
	width  int
}

// NewLayout resolves declarations against a schema. Objects with no
// attributes contribute no columns. The wildcard object is skipped; it only
// has meaning to the peer that expands it.
func NewLayout(s *Schema, d *Declarations) (*Layout, error) {
	l := &Layout{index: make(map[string]map[string]int)}
	for _, obj := range d.Objects() {
		if obj == Wildcard {
			continue
		}
		for _, attr := range d.Attributes(obj) {
			n, ok := s.Arity(attr)
			if !ok {
				return nil, &MismatchError{Object: obj, Attribute: attr, Wrapped: ErrUnknownAttribute}
			}
			if l.index[obj] == nil {
				l.index[obj] = make(map[string]int)
			}
			l.index[obj][attr] = len(l.fields)
			l.fields = append(l.fields, Field{Object: obj, Attribute: attr, Offset: l.width, Arity: n})
			l.width += n
		}
	}
	return l, nil
}

// Width is the number of columns, the sum of all arities.
func (l *Layout) Width() int {
	if l == nil {
		return 0
	}
	return l.width
}

// Fields returns the fields in column order.
func (l *Layout) Fields() []Field {
	if l == nil {
		return nil
	}
	return append([]Field(nil), l.fields...)
}

// Lookup finds the field of an (object, attribute) pair.
func (l *Layout) Lookup(object, attribute string) (Field, bool) {
	if l == nil {
		return Field{}, false
	}
	i, ok := l.index[object][attribute]
	if !ok {
		return Field{}, false
	}
	return l.fields[i], true
}

// ColumnNames labels each column as object.attribute[i].
func (l *Layout) ColumnNames() []string {
	names := make([]string, 0, l.Width())
	for _, f := range l.Fields() {
		if f.Arity == 1 {
			names = append(names, f.Object+"."+f.Attribute)
			continue
		}
		for i := 0; i < f.Arity; i++ {
			names = append(names, f.Object+"."+f.Attribute+"["+strconv.Itoa(i)+"]")
		}
	}
	return names
}

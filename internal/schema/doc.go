// Package schema describes the attributes exchanged between simulators.
//
// Every attribute name has a fixed arity (position carries 3 floats,
// quaternion 4, relative_velocity 6). A [Declarations] value lists, in
// insertion order, which attributes of which objects a session sends or
// receives, and a [Layout] turns declarations into column offsets of a flat
// row:
//
//	decl := schema.NewDeclarations()
//	decl.Set("object_1", "position", "quaternion")
//	layout, _ := schema.NewLayout(schema.Default(), decl)
//	layout.Width() // 7
//
// Column order is part of the wire contract; it follows declaration order.
package schema

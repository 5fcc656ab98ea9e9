package main

import (
	"fmt"
	"strings"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/schema"
)

// parseDeclarations reads object=attr,attr items in order. Repeating an
// object appends to it.
func parseDeclarations(items []string) (*schema.Declarations, error) {
	d := schema.NewDeclarations()
	for _, item := range items {
		obj, attrs, ok := strings.Cut(item, "=")
		obj = strings.TrimSpace(obj)
		if !ok || obj == "" {
			return nil, fmt.Errorf("bad declaration %q, want object=attr,attr", item)
		}
		var list []string
		for _, a := range strings.Split(attrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				list = append(list, a)
			}
		}
		d.Append(obj, list...)
	}
	return d, nil
}

// parseAPICalls reads ns.function=arg,arg items.
func parseAPICalls(items []string) (apicall.Batch, error) {
	var b apicall.Batch
	for _, item := range items {
		call, args, _ := strings.Cut(item, "=")
		ns, fn, ok := strings.Cut(call, ".")
		if !ok || ns == "" || fn == "" {
			return apicall.Batch{}, fmt.Errorf("bad api call %q, want namespace.function=arg,arg", item)
		}
		var list []string
		if args != "" {
			list = strings.Split(args, ",")
		}
		b.Add(ns, fn, list...)
	}
	return b, nil
}

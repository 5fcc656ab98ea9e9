// Package apicall routes named remote calls carried in meta-data documents
// to registered handlers.
//
// Calls are grouped by namespace (usually a simulation name). Every call in a
// batch is evaluated on its own: an unknown function or a failing handler
// produces a well-known result string and never stops its siblings.
package apicall

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Well-known result values.
const (
	ResultSuccess        = "success"
	ResultFailed         = "failed"
	ResultNotImplemented = "not implemented"
)

var (
	// ErrDuplicate is returned when a (namespace, function) pair is registered twice.
	ErrDuplicate = errors.New("apicall: handler already registered")

	// ErrEmptyName is returned for an empty namespace or function name.
	ErrEmptyName = errors.New("apicall: empty name")

	// ErrNotImplemented may be returned by a handler for a function it does
	// not provide. The caller sees ResultNotImplemented.
	ErrNotImplemented = errors.New("apicall: not implemented")
)

// Handler evaluates one call.
type Handler func(args []string) ([]string, error)

// NamespaceHandler serves every function of a namespace that has no
// dedicated Handler.
type NamespaceHandler func(function string, args []string) ([]string, error)

type key struct {
	namespace string
	function  string
}

// Registry maps (namespace, function) to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler
	fallback map[string]NamespaceHandler
	logger   *log.Logger
}

// NewRegistry creates an empty registry. A nil logger uses log.Default().
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		handlers: make(map[key]Handler),
		fallback: make(map[string]NamespaceHandler),
		logger:   logger,
	}
}

// Register binds fn in namespace ns to h.
func (r *Registry) Register(ns, fn string, h Handler) error {
	if ns == "" || fn == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("apicall: nil handler for %s.%s", ns, fn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{ns, fn}
	if _, ok := r.handlers[k]; ok {
		return fmt.Errorf("%w: %s.%s", ErrDuplicate, ns, fn)
	}
	r.handlers[k] = h
	return nil
}

// RegisterNamespace routes unmatched functions of ns to h.
func (r *Registry) RegisterNamespace(ns string, h NamespaceHandler) error {
	if ns == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("apicall: nil handler for namespace %s", ns)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fallback[ns]; ok {
		return fmt.Errorf("%w: namespace %s", ErrDuplicate, ns)
	}
	r.fallback[ns] = h
	return nil
}

// Unregister removes every handler of a namespace.
func (r *Registry) Unregister(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fallback, ns)
	for k := range r.handlers {
		if k.namespace == ns {
			delete(r.handlers, k)
		}
	}
}

// Has reports whether any handler exists for ns.
func (r *Registry) Has(ns string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.fallback[ns]; ok {
		return true
	}
	for k := range r.handlers {
		if k.namespace == ns {
			return true
		}
	}
	return false
}

// Functions lists the function names registered under ns, sorted.
func (r *Registry) Functions(ns string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.handlers {
		if k.namespace == ns {
			out = append(out, k.function)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(ns, fn string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[key{ns, fn}]; ok {
		return h, true
	}
	if nh, ok := r.fallback[ns]; ok {
		return func(args []string) ([]string, error) { return nh(fn, args) }, true
	}
	return nil, false
}

// Dispatch evaluates calls in order and returns one result per call.
func (r *Registry) Dispatch(ns string, calls []Call) []Result {
	results := make([]Result, len(calls))
	for i, c := range calls {
		results[i] = Result{Function: c.Function, Values: r.invoke(ns, c)}
	}
	return results
}

// DispatchAll dispatches every namespace of a batch.
func (r *Registry) DispatchAll(batch Batch) ResultBatch {
	out := ResultBatch{}
	for _, ns := range batch.Namespaces() {
		out.Set(ns, r.Dispatch(ns, batch.Calls(ns)))
	}
	return out
}

func (r *Registry) invoke(ns string, c Call) (values []string) {
	h, ok := r.lookup(ns, c.Function)
	if !ok {
		return []string{ResultNotImplemented}
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("[apicall] %s.%s panicked: %v", ns, c.Function, p)
			values = []string{ResultFailed}
		}
	}()
	args := append([]string(nil), c.Args...)
	res, err := h(args)
	if errors.Is(err, ErrNotImplemented) {
		return []string{ResultNotImplemented}
	}
	if err != nil {
		r.logger.Printf("[apicall] %s.%s(%v) failed: %v", ns, c.Function, c.Args, err)
		return []string{ResultFailed}
	}
	if res == nil {
		res = []string{}
	}
	return res
}

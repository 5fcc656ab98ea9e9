package apicall

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/iancoleman/orderedmap"
)

// Call is one function invocation. On the wire it is a single-key object
// {"function": ["arg", ...]}.
type Call struct {
	Function string
	Args     []string
}

// Result is the outcome of one call, encoded like Call.
type Result struct {
	Function string
	Values   []string
}

func (c Call) MarshalJSON() ([]byte, error) {
	return marshalSingle(c.Function, c.Args)
}

func (c *Call) UnmarshalJSON(data []byte) error {
	fn, args, err := unmarshalSingle(data)
	if err != nil {
		return err
	}
	c.Function, c.Args = fn, args
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	return marshalSingle(r.Function, r.Values)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	fn, values, err := unmarshalSingle(data)
	if err != nil {
		return err
	}
	r.Function, r.Values = fn, values
	return nil
}

func marshalSingle(name string, values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	v, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	k, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func unmarshalSingle(data []byte) (string, []string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("apicall: call must be an object: %w", err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("apicall: call must have exactly one key, got %d", len(m))
	}
	for name, raw := range m {
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return "", nil, fmt.Errorf("apicall: %s: arguments must be a list of strings: %w", name, err)
		}
		if values == nil {
			values = []string{}
		}
		return name, values, nil
	}
	return "", nil, nil
}

// Batch is an insertion-ordered namespace -> calls map.
type Batch struct {
	order []string
	calls map[string][]Call
}

// Set replaces the calls of a namespace.
func (b *Batch) Set(ns string, calls []Call) {
	if b.calls == nil {
		b.calls = make(map[string][]Call)
	}
	if _, ok := b.calls[ns]; !ok {
		b.order = append(b.order, ns)
	}
	b.calls[ns] = calls
}

// Add appends one call to a namespace.
func (b *Batch) Add(ns, fn string, args ...string) {
	b.Set(ns, append(b.Calls(ns), Call{Function: fn, Args: args}))
}

// Namespaces returns the namespaces in insertion order.
func (b Batch) Namespaces() []string {
	return append([]string(nil), b.order...)
}

// Calls returns the calls of a namespace.
func (b Batch) Calls(ns string) []Call {
	return b.calls[ns]
}

// Len is the namespace count.
func (b Batch) Len() int { return len(b.order) }

func (b Batch) MarshalJSON() ([]byte, error) {
	om := orderedmap.New()
	for _, ns := range b.order {
		calls := b.calls[ns]
		if calls == nil {
			calls = []Call{}
		}
		om.Set(ns, calls)
	}
	return json.Marshal(om)
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	order, raw, err := orderedRaw(data)
	if err != nil {
		return err
	}
	*b = Batch{}
	for _, ns := range order {
		var calls []Call
		if err := json.Unmarshal(raw[ns], &calls); err != nil {
			return fmt.Errorf("apicall: namespace %s: %w", ns, err)
		}
		b.Set(ns, calls)
	}
	return nil
}

// Fill answers every call with the same single value, e.g. ResultFailed
// when the calls could not be delivered.
func Fill(calls []Call, value string) []Result {
	out := make([]Result, len(calls))
	for i, c := range calls {
		out[i] = Result{Function: c.Function, Values: []string{value}}
	}
	return out
}

// ResultBatch is an insertion-ordered namespace -> results map.
type ResultBatch struct {
	order   []string
	results map[string][]Result
}

// Set replaces the results of a namespace.
func (b *ResultBatch) Set(ns string, results []Result) {
	if b.results == nil {
		b.results = make(map[string][]Result)
	}
	if _, ok := b.results[ns]; !ok {
		b.order = append(b.order, ns)
	}
	b.results[ns] = results
}

// Namespaces returns the namespaces in insertion order.
func (b ResultBatch) Namespaces() []string {
	return append([]string(nil), b.order...)
}

// Results returns the results of a namespace.
func (b ResultBatch) Results(ns string) []Result {
	return b.results[ns]
}

// Lookup returns the values of the first result for fn in ns.
func (b ResultBatch) Lookup(ns, fn string) ([]string, bool) {
	for _, r := range b.results[ns] {
		if r.Function == fn {
			return r.Values, true
		}
	}
	return nil, false
}

// Len is the namespace count.
func (b ResultBatch) Len() int { return len(b.order) }

func (b ResultBatch) MarshalJSON() ([]byte, error) {
	om := orderedmap.New()
	for _, ns := range b.order {
		results := b.results[ns]
		if results == nil {
			results = []Result{}
		}
		om.Set(ns, results)
	}
	return json.Marshal(om)
}

func (b *ResultBatch) UnmarshalJSON(data []byte) error {
	order, raw, err := orderedRaw(data)
	if err != nil {
		return err
	}
	*b = ResultBatch{}
	for _, ns := range order {
		var results []Result
		if err := json.Unmarshal(raw[ns], &results); err != nil {
			return fmt.Errorf("apicall: namespace %s: %w", ns, err)
		}
		b.Set(ns, results)
	}
	return nil
}

// orderedRaw decodes a JSON object keeping key order, returning raw values.
func orderedRaw(data []byte) ([]string, map[string]json.RawMessage, error) {
	om := orderedmap.New()
	if err := json.Unmarshal(data, om); err != nil {
		return nil, nil, fmt.Errorf("apicall: batch must be an object: %w", err)
	}
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	return om.Keys(), raw, nil
}

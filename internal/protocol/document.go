package protocol

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/schema"
)

// Request is the meta-data document a client sends to establish which
// objects and attributes it pushes and pulls.
type Request struct {
	MetaData     MetaData
	Send         *schema.Declarations
	Receive      *schema.Declarations
	APICallbacks apicall.Batch
}

// NewRequest returns a request with empty declarations.
func NewRequest(md MetaData) *Request {
	return &Request{
		MetaData: md,
		Send:     schema.NewDeclarations(),
		Receive:  schema.NewDeclarations(),
	}
}

// Clone deep-copies the request.
func (r *Request) Clone() *Request {
	c := &Request{MetaData: r.MetaData, Send: r.send().Clone(), Receive: r.receive().Clone()}
	for _, ns := range r.APICallbacks.Namespaces() {
		calls := r.APICallbacks.Calls(ns)
		cp := make([]apicall.Call, len(calls))
		for i, call := range calls {
			cp[i] = apicall.Call{Function: call.Function, Args: append([]string(nil), call.Args...)}
		}
		c.APICallbacks.Set(ns, cp)
	}
	return c
}

func (r *Request) send() *schema.Declarations {
	if r.Send == nil {
		return schema.NewDeclarations()
	}
	return r.Send
}

func (r *Request) receive() *schema.Declarations {
	if r.Receive == nil {
		return schema.NewDeclarations()
	}
	return r.Receive
}

type requestWire struct {
	MetaData     MetaData             `json:"meta_data"`
	Send         *schema.Declarations `json:"send"`
	Receive      *schema.Declarations `json:"receive"`
	APICallbacks *apicall.Batch       `json:"api_callbacks,omitempty"`
}

// Encode serializes the request. api_callbacks is omitted when empty.
func (r *Request) Encode() ([]byte, error) {
	w := requestWire{MetaData: r.MetaData, Send: r.send(), Receive: r.receive()}
	if r.APICallbacks.Len() > 0 {
		w.APICallbacks = &r.APICallbacks
	}
	return json.Marshal(w)
}

// DecodeRequest parses a request document. meta_data is required.
func DecodeRequest(data []byte) (*Request, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, &MalformedError{Field: "request", Reason: "not a JSON object", Err: err}
	}
	if _, ok := keys["meta_data"]; !ok {
		return nil, malformed("request", "missing meta_data")
	}
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &MalformedError{Field: "request", Reason: "decode", Err: err}
	}
	r := &Request{MetaData: w.MetaData, Send: w.Send, Receive: w.Receive}
	if r.Send == nil {
		r.Send = schema.NewDeclarations()
	}
	if r.Receive == nil {
		r.Receive = schema.NewDeclarations()
	}
	if w.APICallbacks != nil {
		r.APICallbacks = *w.APICallbacks
	}
	return r, nil
}

// Rejection is the document a peer answers an unusable request with.
func Rejection(reason string) []byte {
	b, _ := json.Marshal(map[string]string{"error": reason})
	return b
}

// CallbackRequest is the document a server relays API callbacks with: a
// request carrying only api_callbacks.
func CallbackRequest(md MetaData, batch apicall.Batch) ([]byte, error) {
	r := NewRequest(md)
	r.APICallbacks = batch
	return r.Encode()
}

// IsCallbacks reports whether a server message relays API callbacks rather
// than answering the client. Answers always carry a time.
func IsCallbacks(data []byte) bool {
	var keys map[string]json.RawMessage
	if json.Unmarshal(data, &keys) != nil {
		return false
	}
	_, calls := keys["api_callbacks"]
	_, t := keys["time"]
	return calls && !t
}

// IsClose reports whether data is the empty-object close signal.
func IsClose(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("{}"))
}

// Response is the peer's answer to a Request. A Response held by a Client is
// never modified after it is stored; each exchange replaces it.
type Response struct {
	MetaData             MetaData
	Send                 *Values
	Receive              *Values
	Time                 float64
	APICallbacksResponse *apicall.ResultBatch
}

type responseWire struct {
	MetaData             MetaData             `json:"meta_data"`
	Send                 *Values              `json:"send,omitempty"`
	Receive              *Values              `json:"receive,omitempty"`
	Time                 *float64             `json:"time"`
	APICallbacksResponse *apicall.ResultBatch `json:"api_callbacks_response,omitempty"`
}

// Encode serializes the response. Empty send/receive maps are omitted.
func (r *Response) Encode() ([]byte, error) {
	t := r.Time
	if math.IsNaN(t) || math.IsInf(t, 0) {
		t = -1
	}
	w := responseWire{MetaData: r.MetaData, Time: &t, APICallbacksResponse: r.APICallbacksResponse}
	if r.Send.Len() > 0 {
		w.Send = r.Send
	}
	if r.Receive.Len() > 0 {
		w.Receive = r.Receive
	}
	return json.Marshal(w)
}

// DecodeResponse parses a response and checks it answers the session
// identified by want. A {"error": ...} document is the peer refusing the
// request.
func DecodeResponse(data []byte, want MetaData) (*Response, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, &MalformedError{Field: "response", Reason: "not a JSON object", Err: err}
	}
	if raw, ok := keys["error"]; ok {
		var reason string
		if json.Unmarshal(raw, &reason) != nil {
			reason = string(raw)
		}
		return nil, malformed("response", "rejected by peer: %s", reason)
	}
	if _, ok := keys["meta_data"]; !ok {
		return nil, malformed("response", "missing meta_data")
	}
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &MalformedError{Field: "response", Reason: "decode", Err: err}
	}
	if w.Time == nil {
		return nil, malformed("time", "missing")
	}
	if !w.MetaData.SameSession(want) {
		return nil, malformed("meta_data", "answers %s/%s, want %s/%s",
			w.MetaData.WorldName, w.MetaData.SimulationName, want.WorldName, want.SimulationName)
	}
	r := &Response{
		MetaData:             w.MetaData,
		Send:                 w.Send,
		Receive:              w.Receive,
		Time:                 *w.Time,
		APICallbacksResponse: w.APICallbacksResponse,
	}
	if r.Send == nil {
		r.Send = NewValues()
	}
	if r.Receive == nil {
		r.Receive = NewValues()
	}
	return r, nil
}

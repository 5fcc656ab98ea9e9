package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/protocol"
	"github.com/san-kum/dynsync/internal/schema"
)

// session is the server half of one client connection. Only the
// connection's read loop touches the socket; other sessions reach it through
// relays.
type session struct {
	conn *websocket.Conn
	id   string
	port string
	srv  *Server

	world   *World
	meta    protocol.MetaData
	send    *schema.Layout
	receive *schema.Layout

	in    []float64
	out   []float64
	reply []byte

	relays chan *relay

	mu     sync.Mutex // guards the fields read by info
	frames int
}

func (s *session) negotiated() bool { return s.world != nil }

// negotiate handles a meta-data document. Every negotiation replaces the
// previous one in full; a rejected one leaves the session without claims.
func (s *session) negotiate(data []byte) ([]byte, error) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return nil, err
	}
	if err := req.MetaData.Validate(); err != nil {
		return nil, err
	}
	sch := s.srv.schema
	if _, err := schema.NewLayout(sch, req.Send); err != nil {
		return nil, err
	}

	s.drop()
	world := s.srv.worlds.World(req.MetaData.WorldName)
	if err := world.Claim(s.id, sch, req.Send); err != nil {
		return nil, err
	}
	sendLayout, _ := schema.NewLayout(sch, req.Send)

	recv := world.Expand(req.Receive)
	recvLayout, err := schema.NewLayout(sch, recv)
	if err != nil {
		world.Release(s.id)
		return nil, err
	}

	s.mu.Lock()
	s.world = world
	s.meta = req.MetaData
	s.send = sendLayout
	s.receive = recvLayout
	s.mu.Unlock()

	resp := &protocol.Response{
		MetaData: req.MetaData,
		Send:     s.values(req.Send, sendLayout),
		Receive:  s.values(recv, recvLayout),
		Time:     world.Time(),
	}
	if req.APICallbacks.Len() > 0 {
		results := s.dispatch(req.APICallbacks)
		resp.APICallbacksResponse = &results
	}
	return resp.Encode()
}

// relay is a namespace of API callbacks waiting for the session that
// simulates it.
type relay struct {
	ns    string
	calls []apicall.Call
	done  chan []apicall.Result
}

// dispatch answers API callbacks. Namespaces registered with the server
// are served in process; the rest go to the connected client whose
// simulation name matches.
func (s *session) dispatch(batch apicall.Batch) apicall.ResultBatch {
	var out apicall.ResultBatch
	for _, ns := range batch.Namespaces() {
		calls := batch.Calls(ns)
		if s.srv.registry.Has(ns) {
			out.Set(ns, s.srv.registry.Dispatch(ns, calls))
			continue
		}
		switch owner := s.srv.owner(s.meta.WorldName, ns, s); owner {
		case nil:
			out.Set(ns, s.srv.registry.Dispatch(ns, calls))
		case s:
			res, err := s.call(ns, calls)
			if err != nil {
				s.srv.logger.Printf("[server] api callbacks for %s on port %s: %v", ns, s.port, err)
			}
			out.Set(ns, res)
		default:
			out.Set(ns, s.srv.forward(owner, ns, calls))
		}
	}
	return out
}

// forward queues calls on the owner's connection and waits for them to
// be answered there.
func (s *Server) forward(owner *session, ns string, calls []apicall.Call) []apicall.Result {
	r := &relay{ns: ns, calls: calls, done: make(chan []apicall.Result, 1)}
	timer := time.NewTimer(s.relay)
	defer timer.Stop()
	select {
	case owner.relays <- r:
	case <-timer.C:
		s.logger.Printf("[server] api callbacks for %s: port %s is busy", ns, owner.port)
		return apicall.Fill(calls, apicall.ResultFailed)
	}
	select {
	case res := <-r.done:
		return res
	case <-timer.C:
		s.logger.Printf("[server] api callbacks for %s: no answer from port %s within %s", ns, owner.port, s.relay)
		return apicall.Fill(calls, apicall.ResultFailed)
	}
}

// serveRelays answers queued relays on this connection. It runs on the
// session's read loop, the only goroutine using the connection.
func (s *session) serveRelays() error {
	for {
		select {
		case r := <-s.relays:
			res, err := s.call(r.ns, r.calls)
			r.done <- res
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// call sends calls to this session's client and reads the answer. The
// results are always usable; an error means the connection is broken.
func (s *session) call(ns string, calls []apicall.Call) ([]apicall.Result, error) {
	failed := apicall.Fill(calls, apicall.ResultFailed)
	s.mu.Lock()
	md := s.meta
	s.mu.Unlock()

	var batch apicall.Batch
	batch.Set(ns, calls)
	doc, err := protocol.CallbackRequest(md, batch)
	if err != nil {
		return failed, nil
	}
	deadline := time.Now().Add(s.srv.relay)
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, doc); err != nil {
		return failed, err
	}
	s.conn.SetReadDeadline(deadline)
	mt, data, err := s.conn.ReadMessage()
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return failed, err
	}
	if mt != websocket.TextMessage {
		return failed, errors.New("api callbacks answered with a data frame")
	}
	resp, err := protocol.DecodeResponse(data, md)
	if err != nil {
		s.srv.logger.Printf("[server] api callbacks for %s on port %s: %v", ns, s.port, err)
		return failed, nil
	}
	if resp.APICallbacksResponse == nil {
		return failed, nil
	}
	res := resp.APICallbacksResponse.Results(ns)
	if len(res) != len(calls) {
		return failed, nil
	}
	return res, nil
}

// simulates reports whether the session is negotiated as simulation ns in
// world.
func (s *session) simulates(world, ns string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world != nil && s.meta.WorldName == world && s.meta.SimulationName == ns
}

// values realizes declarations with the current world state. Objects
// declared without attributes are kept so the reply mirrors the request.
func (s *session) values(d *schema.Declarations, l *schema.Layout) *protocol.Values {
	v := protocol.NewValues()
	for _, obj := range d.Objects() {
		if obj == schema.Wildcard {
			continue
		}
		v.Touch(obj)
		for _, attr := range d.Attributes(obj) {
			f, _ := l.Lookup(obj, attr)
			v.Set(obj, attr, s.current(f))
		}
	}
	return v
}

func (s *session) current(f schema.Field) []float64 {
	vals := make([]float64, f.Arity)
	if !s.world.Get(f.Object, f.Attribute, vals) {
		return schema.DefaultValue(f.Attribute, f.Arity)
	}
	return vals
}

// exchange applies one data frame and builds the reply frame. A frame
// that does not fit the negotiated layout drops the session so the client
// renegotiates.
func (s *session) exchange(data []byte) ([]byte, error) {
	if !s.negotiated() {
		return protocol.AppendFrame(nil, -1), fmt.Errorf("data before meta data")
	}
	t, vals, err := protocol.DecodeFrame(data, s.in[:0])
	s.in = vals
	if err != nil {
		s.drop()
		return protocol.AppendFrame(nil, -1), err
	}
	if len(vals) != s.send.Width() {
		s.drop()
		return protocol.AppendFrame(nil, -1), fmt.Errorf("frame carries %d values, want %d", len(vals), s.send.Width())
	}
	for _, f := range s.send.Fields() {
		s.world.Set(f.Object, f.Attribute, vals[f.Offset:f.Offset+f.Arity])
	}
	now := s.world.Tick(t)

	s.out = s.out[:0]
	for _, f := range s.receive.Fields() {
		s.out = append(s.out, s.current(f)...)
	}
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	s.reply = protocol.AppendFrame(s.reply[:0], now, s.out)
	return s.reply, nil
}

func (s *session) drop() {
	s.release()
	s.mu.Lock()
	s.world = nil
	s.send, s.receive = nil, nil
	s.mu.Unlock()
}

func (s *session) release() {
	if s.world != nil {
		s.world.Release(s.id)
	}
}

// Info describes a live session.
type Info struct {
	ID         string
	Port       string
	World      string
	Simulation string
	Send       int
	Receive    int
	Frames     int
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{ID: s.id, Port: s.port, Frames: s.frames}
	if s.world != nil {
		in.World = s.meta.WorldName
		in.Simulation = s.meta.SimulationName
		in.Send = s.send.Width()
		in.Receive = s.receive.Width()
	}
	return in
}

package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/protocol"
	"github.com/san-kum/dynsync/internal/schema"
)

var quiet = log.New(io.Discard, "", 0)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := New(Config{Logger: quiet})
	hs := httptest.NewServer(s)
	t.Cleanup(hs.Close)
	return s, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func newClient(t *testing.T, url, port, sim string) *protocol.Client {
	t.Helper()
	md := protocol.DefaultMetaData()
	md.SimulationName = sim
	c, err := protocol.NewClient(protocol.ClientConfig{
		ServerURL: url,
		Port:      port,
		MetaData:  md,
		Timeout:   2 * time.Second,
		Logger:    quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Disconnect() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Sessions()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want %d", len(s.Sessions()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendThenReceive(t *testing.T) {
	s, url := startServer(t)
	ctx := context.Background()

	sender := newClient(t, url, "1234", "sim_test_send")
	sender.Request().Send.Set("object_1", "position", "quaternion")
	if err := sender.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	got, _ := sender.Response().Send.Get("object_1", "quaternion")
	if !reflect.DeepEqual(got, []float64{1, 0, 0, 0}) {
		t.Fatalf("initial quaternion = %v", got)
	}

	now := 3.5
	if err := sender.SetSendData([]float64{now, 3, 2, 1, 1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := sender.Communicate(ctx, false); err != nil {
		t.Fatal(err)
	}
	if data := sender.ReceiveData(); !reflect.DeepEqual(data, []float64{now}) {
		t.Fatalf("sender receive data = %v", data)
	}
	if err := sender.Disconnect(); err != nil {
		t.Fatal(err)
	}
	waitSessions(t, s, 0)

	receiver := newClient(t, url, "5678", "sim_test_receive")
	receiver.Request().Receive.Set("object_1", "position", "quaternion")
	if err := receiver.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	resp := receiver.Response()
	if pos, _ := resp.Receive.Get("object_1", "position"); !reflect.DeepEqual(pos, []float64{3, 2, 1}) {
		t.Fatalf("position = %v", pos)
	}
	if q, _ := resp.Receive.Get("object_1", "quaternion"); !reflect.DeepEqual(q, []float64{1, 0, 0, 0}) {
		t.Fatalf("quaternion = %v", q)
	}
	if resp.Send.Len() != 0 {
		t.Fatalf("unexpected send block: %v", resp.Send.Objects())
	}

	if err := receiver.SetSendData([]float64{now + 1}); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Communicate(ctx, false); err != nil {
		t.Fatal(err)
	}
	want := []float64{now + 1, 3, 2, 1, 1, 0, 0, 0}
	if data := receiver.ReceiveData(); !reflect.DeepEqual(data, want) {
		t.Fatalf("receive data = %v, want %v", data, want)
	}
}

func TestClaimConflict(t *testing.T) {
	s, url := startServer(t)
	ctx := context.Background()

	first := newClient(t, url, "1", "sim_a")
	first.Request().Send.Set("box", "position")
	if err := first.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}

	second := newClient(t, url, "2", "sim_b")
	second.Request().Send.Set("box", "position")
	err := second.Communicate(ctx, true)
	if !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("second claim err = %v, want ErrMalformed", err)
	}
	if !strings.Contains(err.Error(), "already sent") {
		t.Fatalf("err = %v", err)
	}

	first.Disconnect()
	waitSessions(t, s, 1)
	if err := second.Communicate(ctx, true); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestRenegotiationReplacesClaims(t *testing.T) {
	_, url := startServer(t)
	ctx := context.Background()

	c := newClient(t, url, "1", "sim_a")
	c.Request().Send.Set("box", "position")
	if err := c.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	c.UpdateRequest(func(r *protocol.Request) {
		r.Send = schema.NewDeclarations()
		r.Send.Set("ball", "position")
	})
	if err := c.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}

	other := newClient(t, url, "2", "sim_b")
	other.Request().Send.Set("box", "position")
	if err := other.Communicate(ctx, true); err != nil {
		t.Fatalf("box should be free after renegotiation: %v", err)
	}
}

func TestWildcardReceive(t *testing.T) {
	_, url := startServer(t)
	ctx := context.Background()

	sender := newClient(t, url, "1", "sim_a")
	sender.Request().Send.Set("obj_a", "position")
	sender.Request().Send.Set("obj_b", "position", "quaternion")
	sender.Request().Send.Set("joint_1", "joint_rvalue")
	if err := sender.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := sender.SetSendData([]float64{1, 1, 2, 3, 4, 5, 6, 1, 0, 0, 0, 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := sender.Communicate(ctx, false); err != nil {
		t.Fatal(err)
	}

	receiver := newClient(t, url, "2", "sim_b")
	receiver.Request().Receive.Set(schema.Wildcard, "position")
	if err := receiver.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := receiver.Response().Receive.Objects(); !reflect.DeepEqual(got, []string{"obj_a", "obj_b"}) {
		t.Fatalf("expanded objects = %v", got)
	}
	_, recv := receiver.Layouts()
	if recv.Width() != 6 {
		t.Fatalf("receive width = %d", recv.Width())
	}
	if err := receiver.SetSendData([]float64{2}); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Communicate(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := receiver.ReceiveData(); !reflect.DeepEqual(got, []float64{2, 1, 2, 3, 4, 5, 6}) {
		t.Fatalf("receive data = %v", got)
	}
}

func TestAPICallbacks(t *testing.T) {
	s, url := startServer(t)
	ctx := context.Background()
	err := s.Registry().RegisterNamespace("sim_a", func(fn string, args []string) ([]string, error) {
		switch fn {
		case "is_mujoco":
			return []string{"false"}, nil
		case "echo":
			return args, nil
		}
		return nil, apicall.ErrNotImplemented
	})
	if err != nil {
		t.Fatal(err)
	}

	c := newClient(t, url, "1", "sim_b")
	c.UpdateRequest(func(r *protocol.Request) {
		r.APICallbacks.Add("sim_a", "is_mujoco")
		r.APICallbacks.Add("sim_a", "echo", "x", "y")
		r.APICallbacks.Add("sim_a", "fly")
	})
	if err := c.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	results := c.Response().APICallbacksResponse
	if results == nil {
		t.Fatal("missing api_callbacks_response")
	}
	tests := []struct {
		fn   string
		want []string
	}{
		{"is_mujoco", []string{"false"}},
		{"echo", []string{"x", "y"}},
		{"fly", []string{apicall.ResultNotImplemented}},
	}
	for _, tt := range tests {
		got, ok := results.Lookup("sim_a", tt.fn)
		if !ok || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s = %v (%v), want %v", tt.fn, got, ok, tt.want)
		}
	}
}

func echoCallbacks(tag string) protocol.CallbackHandler {
	return func(batch apicall.Batch) apicall.ResultBatch {
		var out apicall.ResultBatch
		for _, ns := range batch.Namespaces() {
			var res []apicall.Result
			for _, c := range batch.Calls(ns) {
				res = append(res, apicall.Result{Function: c.Function, Values: append([]string{tag}, c.Args...)})
			}
			out.Set(ns, res)
		}
		return out
	}
}

func TestRelayedAPICallbacks(t *testing.T) {
	s := New(Config{Logger: quiet, RelayTimeout: 200 * time.Millisecond})
	hs := httptest.NewServer(s)
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner := newClient(t, url, "1", "sim_remote")
	owner.HandleCallbacks(echoCallbacks("remote"))
	if err := owner.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- owner.Run(ctx, nil) }()

	c := newClient(t, url, "2", "sim_remote")
	c.HandleCallbacks(echoCallbacks("self"))
	c.UpdateRequest(func(r *protocol.Request) {
		r.APICallbacks.Add("sim_remote", "echo", "x")
	})
	if err := c.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Response().APICallbacksResponse.Lookup("sim_remote", "echo")
	if !reflect.DeepEqual(got, []string{"remote", "x"}) {
		t.Fatalf("relayed echo = %v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	waitSessions(t, s, 1)

	// with the owner gone the requester simulates the namespace itself
	if err := c.Communicate(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Response().APICallbacksResponse.Lookup("sim_remote", "echo")
	if !reflect.DeepEqual(got, []string{"self", "x"}) {
		t.Fatalf("own echo = %v", got)
	}
}

func TestRelayTimesOut(t *testing.T) {
	s := New(Config{Logger: quiet, RelayTimeout: 100 * time.Millisecond})
	hs := httptest.NewServer(s)
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ctx := context.Background()

	idle := newClient(t, url, "1", "sim_idle")
	idle.HandleCallbacks(echoCallbacks("idle"))
	if err := idle.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}

	c := newClient(t, url, "2", "cli")
	c.UpdateRequest(func(r *protocol.Request) {
		r.APICallbacks.Add("sim_idle", "echo")
		r.APICallbacks.Add("sim_missing", "echo")
	})
	start := time.Now()
	if err := c.Communicate(ctx, true); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("relay took %s", d)
	}
	results := c.Response().APICallbacksResponse
	if got, _ := results.Lookup("sim_idle", "echo"); !reflect.DeepEqual(got, []string{apicall.ResultFailed}) {
		t.Errorf("idle owner answered %v", got)
	}
	if got, _ := results.Lookup("sim_missing", "echo"); !reflect.DeepEqual(got, []string{apicall.ResultNotImplemented}) {
		t.Errorf("missing owner answered %v", got)
	}
}

func TestRejectsBadRequests(t *testing.T) {
	_, url := startServer(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(*protocol.Request)
	}{
		{"unknown attribute", func(r *protocol.Request) { r.Send.Set("box", "colour") }},
		{"wildcard send", func(r *protocol.Request) { r.Send.Set(schema.Wildcard, "position") }},
		{"missing world", func(r *protocol.Request) { r.MetaData.WorldName = "" }},
		{"bad handedness", func(r *protocol.Request) { r.MetaData.Handedness = "up" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, url, "1", "sim_bad")
			c.UpdateRequest(tt.setup)
			if err := c.Communicate(ctx, true); !errors.Is(err, protocol.ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
			if c.State() != protocol.StateConnected {
				t.Fatalf("state = %v", c.State())
			}
		})
	}
}

func rawDial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"/raw", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDataWithoutSession(t *testing.T) {
	_, url := startServer(t)
	conn := rawDial(t, url)

	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.AppendFrame(nil, 1)); err != nil {
		t.Fatal(err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	ts, _, err := protocol.DecodeFrame(data, nil)
	if mt != websocket.BinaryMessage || err != nil || !protocol.Terminated(ts) {
		t.Fatalf("reply = %d %v %v", mt, ts, err)
	}
}

func TestFrameWidthMismatchDropsSession(t *testing.T) {
	s, url := startServer(t)
	conn := rawDial(t, url)

	req := protocol.NewRequest(protocol.DefaultMetaData())
	req.MetaData.SimulationName = "raw"
	req.Send.Set("box", "position")
	payload, _ := req.Encode()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	if got := s.Sessions(); len(got) != 1 || got[0].Send != 3 {
		t.Fatalf("sessions = %+v", got)
	}

	conn.WriteMessage(websocket.BinaryMessage, protocol.AppendFrame(nil, 1, []float64{1, 2}))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	ts, _, _ := protocol.DecodeFrame(data, nil)
	if !protocol.Terminated(ts) {
		t.Fatalf("time = %v, want terminated", ts)
	}
	if got := s.Sessions(); got[0].World != "" {
		t.Fatalf("session still negotiated: %+v", got[0])
	}
}

func TestCloseSignal(t *testing.T) {
	s, url := startServer(t)
	conn := rawDial(t, url)
	waitSessions(t, s, 1)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err = %v, want normal closure", err)
	}
	waitSessions(t, s, 0)
}

func TestListenAndServeShutdown(t *testing.T) {
	s := New(Config{Logger: quiet, ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}

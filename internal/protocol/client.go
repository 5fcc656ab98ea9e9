package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/schema"
	"github.com/san-kum/dynsync/internal/viewer"
)

// State is the session state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateNegotiated
	StateExchanging
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateNegotiated:
		return "negotiated"
	case StateExchanging:
		return "exchanging"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultTimeout bounds every socket read and write when ClientConfig.Timeout
// is zero.
const DefaultTimeout = 10 * time.Second

const closeGrace = time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// ServerURL is the websocket base address, e.g. ws://127.0.0.1:7000.
	ServerURL string
	// Port identifies the client to the server; it is appended as the path.
	Port     string
	MetaData MetaData
	// Timeout bounds each read and write. Negative disables deadlines.
	Timeout time.Duration
	Schema  *schema.Schema
	Dialer  *websocket.Dialer
	Logger  *log.Logger
}

// CallbackHandler answers API callbacks the server relays to this client
// on behalf of another one.
type CallbackHandler func(apicall.Batch) apicall.ResultBatch

// Client is one end of a sync session: a meta-data handshake followed by a
// loop of binary data exchanges.
type Client struct {
	cfg    ClientConfig
	addr   string
	prefix string
	logger *log.Logger
	schema *schema.Schema
	dialer *websocket.Dialer

	commMu  sync.Mutex
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	request    *Request
	response   *Response
	sendTime   float64
	recvTime   float64
	sendLayout *schema.Layout
	recvLayout *schema.Layout
	callbacks  CallbackHandler

	buf   *viewer.Buffer
	frame []float64
}

// NewClient validates cfg and returns a disconnected client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("protocol: empty server url")
	}
	if err := cfg.MetaData.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Schema == nil {
		cfg.Schema = schema.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	addr := strings.TrimRight(cfg.ServerURL, "/")
	if cfg.Port != "" {
		addr += "/" + cfg.Port
	}
	c := &Client{
		cfg:     cfg,
		addr:    addr,
		prefix:  fmt.Sprintf("[client %s]", cfg.Port),
		logger:  cfg.Logger,
		schema:  cfg.Schema,
		dialer:  cfg.Dialer,
		request: NewRequest(cfg.MetaData),
		buf:     viewer.New(),
	}
	empty, _ := schema.NewLayout(c.schema, schema.NewDeclarations())
	if err := c.buf.Initialize(empty, empty, 1); err != nil {
		return nil, err
	}
	c.sendLayout, c.recvLayout = empty, empty
	return c, nil
}

// Addr is the dialed websocket address.
func (c *Client) Addr() string { return c.addr }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Request returns the live request document. It is copied at the start of
// each negotiation; mutate it only between Communicate calls or through
// UpdateRequest.
func (c *Client) Request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// UpdateRequest mutates the request document under the client lock.
func (c *Client) UpdateRequest(fn func(*Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.request)
}

// Response returns the latest response. It must not be modified.
func (c *Client) Response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Buffer exposes the client's viewer buffer: the write side is sent, the
// read side holds the peer's replies.
func (c *Client) Buffer() *viewer.Buffer { return c.buf }

// HandleCallbacks sets the handler for relayed API callbacks. Without one
// they are answered "not implemented". h runs on the goroutine calling
// Communicate.
func (c *Client) HandleCallbacks(h CallbackHandler) {
	c.mu.Lock()
	c.callbacks = h
	c.mu.Unlock()
}

// Layouts returns the negotiated send and receive layouts.
func (c *Client) Layouts() (send, receive *schema.Layout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLayout, c.recvLayout
}

// SetSendData stages [time] ++ values for the next data exchange.
func (c *Client) SetSendData(row []float64) error {
	if len(row) == 0 {
		return malformed("send data", "missing time")
	}
	if err := c.buf.WriteRow(row[1:]); err != nil {
		return err
	}
	c.mu.Lock()
	c.sendTime = row[0]
	c.mu.Unlock()
	return nil
}

// ReceiveData returns [time] ++ values from the latest reply.
func (c *Client) ReceiveData() []float64 {
	row, _ := c.buf.ReadRow()
	c.mu.Lock()
	t := c.recvTime
	c.mu.Unlock()
	return append([]float64{t}, row...)
}

// Connect dials the server. Connecting an already connected client is a
// no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.addr, nil)
	if err != nil {
		return &ConnectionError{Op: "dial", Addr: c.addr, Err: err}
	}
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.logger.Printf("%s connected to %s", c.prefix, c.addr)
	return nil
}

// Communicate performs one round trip. When resend is set, or the session
// has not been negotiated yet, it exchanges meta-data and reshapes the
// buffer; otherwise it sends the staged data frame and stores the reply.
func (c *Client) Communicate(ctx context.Context, resend bool) error {
	c.commMu.Lock()
	defer c.commMu.Unlock()

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil {
		return &ConnectionError{Op: "communicate", Addr: c.addr, Err: ErrNotConnected}
	}
	if resend || state == StateConnected {
		return c.negotiate(ctx, conn)
	}
	return c.exchange(ctx, conn)
}

func (c *Client) negotiate(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	req := c.request.Clone()
	c.mu.Unlock()

	payload, err := req.Encode()
	if err != nil {
		return &MalformedError{Field: "request", Reason: "encode", Err: err}
	}
	c.logger.Printf("%s sent meta data: %s", c.prefix, payload)

	mt, data, err := c.roundTrip(ctx, conn, websocket.TextMessage, payload)
	if err != nil {
		return err
	}
	if mt != websocket.TextMessage {
		c.setState(StateConnected)
		return malformed("response", "expected a text message, got type %d", mt)
	}
	c.logger.Printf("%s received meta data: %s", c.prefix, data)

	resp, err := DecodeResponse(data, req.MetaData)
	if err != nil {
		c.setState(StateConnected)
		return err
	}
	sendLayout, recvLayout, err := c.realize(req, resp)
	if err != nil {
		c.setState(StateConnected)
		return err
	}
	if err := c.buf.Initialize(sendLayout, recvLayout, 1); err != nil {
		c.setState(StateConnected)
		return err
	}
	seed(c.buf.Write(), sendLayout, resp.Send)
	seed(c.buf.Read(), recvLayout, resp.Receive)

	c.mu.Lock()
	c.response = resp
	c.recvTime = resp.Time
	c.sendLayout, c.recvLayout = sendLayout, recvLayout
	c.state = StateNegotiated
	c.mu.Unlock()

	c.logger.Printf("%s negotiated (send: %d, receive: %d)", c.prefix, sendLayout.Width(), recvLayout.Width())
	return nil
}

// realize derives the column layouts of a negotiated session and checks
// that the peer realized exactly what was requested.
func (c *Client) realize(req *Request, resp *Response) (*schema.Layout, *schema.Layout, error) {
	if err := resp.Send.Check(c.schema); err != nil {
		return nil, nil, err
	}
	if err := resp.Receive.Check(c.schema); err != nil {
		return nil, nil, err
	}
	sendLayout, err := schema.NewLayout(c.schema, req.send())
	if err != nil {
		return nil, nil, err
	}
	recvDecl := req.receive()
	if recvDecl.Has(schema.Wildcard) {
		recvDecl = resp.Receive.Declarations()
	}
	recvLayout, err := schema.NewLayout(c.schema, recvDecl)
	if err != nil {
		return nil, nil, err
	}
	if resp.Send.Width() != sendLayout.Width() || resp.Receive.Width() != recvLayout.Width() {
		return nil, nil, malformed("buffer size", "send (peer %d, client %d), receive (peer %d, client %d)",
			resp.Send.Width(), sendLayout.Width(), resp.Receive.Width(), recvLayout.Width())
	}
	return sendLayout, recvLayout, nil
}

func seed(side *viewer.Side, layout *schema.Layout, values *Values) {
	for _, f := range layout.Fields() {
		if v, ok := values.Get(f.Object, f.Attribute); ok {
			copy(side.View(f.Object, f.Attribute, 0), v)
		}
	}
	side.Publish()
}

func (c *Client) exchange(ctx context.Context, conn *websocket.Conn) error {
	w := c.buf.Write()
	w.Pull()
	c.mu.Lock()
	t := c.sendTime
	c.mu.Unlock()

	bp := getFrameBuf((1 + w.Width()) * floatSize)
	*bp = AppendFrame(*bp, t, w.Row(0))
	mt, data, err := c.roundTrip(ctx, conn, websocket.BinaryMessage, *bp)
	putFrameBuf(bp)
	if err != nil {
		return err
	}

	if mt != websocket.BinaryMessage {
		c.setState(StateConnected)
		if IsClose(data) {
			return c.terminated()
		}
		return malformed("frame", "expected a binary message, got type %d", mt)
	}
	rt, vals, err := DecodeFrame(data, c.frame[:0])
	c.frame = vals
	if err != nil {
		c.setState(StateConnected)
		return err
	}
	if Terminated(rt) {
		c.setState(StateConnected)
		return c.terminated()
	}
	r := c.buf.Read()
	if len(vals) != r.Width() {
		c.setState(StateConnected)
		return malformed("frame", "got %d values, want %d", len(vals), r.Width())
	}
	copy(r.Row(0), vals)
	r.Publish()

	c.mu.Lock()
	c.recvTime = rt
	c.state = StateExchanging
	c.mu.Unlock()
	return nil
}

func (c *Client) terminated() error {
	c.logger.Printf("%s the session on %s was terminated by the server, meta data will be resent", c.prefix, c.addr)
	return &ConnectionError{Op: "exchange", Addr: c.addr, Err: ErrSessionTerminated}
}

func (c *Client) roundTrip(ctx context.Context, conn *websocket.Conn, mt int, payload []byte) (int, []byte, error) {
	deadline := c.deadline(ctx)

	c.writeMu.Lock()
	conn.SetWriteDeadline(deadline)
	err := conn.WriteMessage(mt, payload)
	c.writeMu.Unlock()
	if err != nil {
		return 0, nil, c.fail(ctx, conn, "write", err)
	}

	for {
		rmt, data, err := c.read(ctx, conn, deadline)
		if err != nil {
			return 0, nil, err
		}
		if rmt != websocket.TextMessage || !IsCallbacks(data) {
			return rmt, data, nil
		}
		if err := c.answer(ctx, conn, data); err != nil {
			return 0, nil, err
		}
		deadline = c.deadline(ctx)
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, deadline time.Time) (int, []byte, error) {
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	rmt, data, err := conn.ReadMessage()
	stop()
	if err != nil {
		return 0, nil, c.fail(ctx, conn, "read", err)
	}
	return rmt, data, nil
}

// answer runs relayed API callbacks and writes their results back.
func (c *Client) answer(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var reply []byte
	req, err := DecodeRequest(data)
	if err != nil {
		c.logger.Printf("%s unreadable api callbacks: %v", c.prefix, err)
		reply = Rejection(err.Error())
	} else {
		c.mu.Lock()
		h, t := c.callbacks, c.recvTime
		c.mu.Unlock()
		var results apicall.ResultBatch
		if h != nil {
			results = h(req.APICallbacks)
		} else {
			for _, ns := range req.APICallbacks.Namespaces() {
				results.Set(ns, apicall.Fill(req.APICallbacks.Calls(ns), apicall.ResultNotImplemented))
			}
		}
		resp := &Response{MetaData: req.MetaData, Time: t, APICallbacksResponse: &results}
		if reply, err = resp.Encode(); err != nil {
			reply = Rejection(err.Error())
		}
		c.logger.Printf("%s answered api callbacks: %s", c.prefix, reply)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(c.deadline(ctx))
	err = conn.WriteMessage(websocket.TextMessage, reply)
	c.writeMu.Unlock()
	if err != nil {
		return c.fail(ctx, conn, "write", err)
	}
	return nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.cfg.Timeout > 0 {
		d = time.Now().Add(c.cfg.Timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// fail drops a broken connection. gorilla connections are unusable after a
// read or write error, so the session must be restarted.
func (c *Client) fail(ctx context.Context, conn *websocket.Conn, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	conn.Close()
	return &ConnectionError{Op: op, Addr: c.addr, Err: err}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.conn != nil {
		c.state = s
	}
	c.mu.Unlock()
}

// Disconnect sends the close signal and closes the socket. It is safe to
// call from any state and from any goroutine; an in-flight Communicate
// returns a ConnectionError.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(closeGrace))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{}"))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.logger.Printf("%s closing the socket %s", c.prefix, c.addr)
	if err := conn.Close(); err != nil {
		return &ConnectionError{Op: "close", Addr: c.addr, Err: err}
	}
	return nil
}

// Restart disconnects and connects again. The next Communicate renegotiates.
// Frames lost in between are not replayed.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.Disconnect(); err != nil {
		c.logger.Printf("%s restart: %v", c.prefix, err)
	}
	return c.Connect(ctx)
}

// Run connects if needed and loops on Communicate until ctx is done. fn, if
// set, is called before every data exchange to stage data. Meta-data is
// (re)sent whenever the session is not negotiated, including after the peer
// terminates it; any other error ends the loop.
func (c *Client) Run(ctx context.Context, fn func(*Client) error) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.State() == StateConnected {
			if err := c.Communicate(ctx, true); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}
		if fn != nil {
			if err := fn(c); err != nil {
				return err
			}
		}
		err := c.Communicate(ctx, false)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionTerminated):
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

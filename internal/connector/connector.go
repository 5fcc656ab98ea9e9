// Package connector couples a running engine to a sync client: after every
// step the engine's read side is sent to the server and the reply is loaded
// into the engine's write side. API callbacks the server relays to the
// client are answered by the engine.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/engine"
	"github.com/san-kum/dynsync/internal/protocol"
	"github.com/san-kum/dynsync/internal/schema"
)

// DefaultRetryInterval spaces reconnect attempts after a connection error.
const DefaultRetryInterval = time.Second

// Options tunes a Connector.
type Options struct {
	// Every syncs on every n-th step. Zero or one syncs every step.
	Every int
	// RetryInterval spaces reconnect attempts.
	RetryInterval time.Duration
	Logger        *log.Logger
}

// Connector mirrors instance 0 of an engine through a client.
type Connector struct {
	engine *engine.Engine
	client *protocol.Client
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	send      []int // client send column -> engine read column
	row       []float64
	lastRetry time.Time

	stepping atomic.Bool

	syncs  atomic.Int64
	errs   atomic.Int64
	lastMu sync.Mutex
	last   error
}

// Declarations turns a layout back into declarations.
func Declarations(l *schema.Layout) *schema.Declarations {
	d := schema.NewDeclarations()
	for _, f := range l.Fields() {
		d.Append(f.Object, f.Attribute)
	}
	return d
}

// New builds a connector. The client request is rewritten so that the
// engine's read side is sent and its write side is received.
func New(e *engine.Engine, c *protocol.Client, opts Options) *Connector {
	if opts.Every < 1 {
		opts.Every = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	buf := e.Viewer()
	c.UpdateRequest(func(r *protocol.Request) {
		r.Send = Declarations(buf.Read().Layout())
		r.Receive = Declarations(buf.Write().Layout())
	})
	conn := &Connector{
		engine: e,
		client: c,
		opts:   opts,
		logger: log.New(logger.Writer(), fmt.Sprintf("[connector %s] ", e.Name()), logger.Flags()),
	}
	c.HandleCallbacks(conn.callAPI)
	return conn
}

// callAPI answers relayed API callbacks through the engine's registry.
// During a sync it already runs on the stepping goroutine.
func (c *Connector) callAPI(batch apicall.Batch) apicall.ResultBatch {
	if c.stepping.Load() {
		return c.engine.Registry().DispatchAll(batch)
	}
	var out apicall.ResultBatch
	for _, ns := range batch.Namespaces() {
		out.Set(ns, c.engine.CallAPI(ns, batch.Calls(ns)))
	}
	return out
}

// Attach connects, negotiates and installs the post-step callback. The
// connector stays active until ctx is cancelled or Detach is called.
func (c *Connector) Attach(ctx context.Context) error {
	if err := c.client.Connect(ctx); err != nil {
		return err
	}
	if err := c.negotiate(ctx); err != nil {
		return err
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.engine.AddPostStepCallback(c.afterStep)
	return nil
}

// Detach stops syncing and disconnects the client. The callback stays
// registered but does nothing.
func (c *Connector) Detach() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.client.Disconnect()
}

func (c *Connector) negotiate(ctx context.Context) error {
	if err := c.client.Communicate(ctx, true); err != nil {
		return err
	}
	send, _ := c.client.Layouts()
	read := c.engine.Viewer().Read().Layout()
	idx := make([]int, 0, send.Width())
	for _, f := range send.Fields() {
		src, ok := read.Lookup(f.Object, f.Attribute)
		if !ok {
			return fmt.Errorf("connector: %s.%s is not read from the simulation", f.Object, f.Attribute)
		}
		for i := 0; i < f.Arity; i++ {
			idx = append(idx, src.Offset+i)
		}
	}
	c.mu.Lock()
	c.send = idx
	c.row = make([]float64, 1+len(idx))
	c.mu.Unlock()
	return nil
}

func (c *Connector) afterStep(e *engine.Engine) {
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	if e.CurrentNumberOfSteps()%c.opts.Every != 0 {
		return
	}
	c.stepping.Store(true)
	err := c.sync(e)
	c.stepping.Store(false)
	if err != nil {
		c.errs.Add(1)
		c.lastMu.Lock()
		c.last = err
		c.lastMu.Unlock()
		c.logger.Printf("sync at t=%.4f failed: %v", e.CurrentSimulationTime(), err)
	}
}

// sync runs one exchange. Connection failures are retried on later steps
// without stopping the simulation.
func (c *Connector) sync(e *engine.Engine) error {
	ctx := c.ctx
	switch c.client.State() {
	case protocol.StateDisconnected:
		c.mu.Lock()
		wait := time.Since(c.lastRetry) < c.opts.RetryInterval
		if !wait {
			c.lastRetry = time.Now()
		}
		c.mu.Unlock()
		if wait {
			return nil
		}
		if err := c.client.Restart(ctx); err != nil {
			return err
		}
		if err := c.negotiate(ctx); err != nil {
			return err
		}
	case protocol.StateConnected:
		if err := c.negotiate(ctx); err != nil {
			return err
		}
	}

	snap, err := e.Viewer().Read().SnapshotRow(0)
	if err != nil {
		return err
	}
	c.mu.Lock()
	row := c.row
	row[0] = e.CurrentSimulationTime()
	for i, src := range c.send {
		row[1+i] = snap[src]
	}
	c.mu.Unlock()
	if err := c.client.SetSendData(row); err != nil {
		return err
	}
	if err := c.client.Communicate(ctx, false); err != nil {
		if errors.Is(err, protocol.ErrSessionTerminated) {
			return nil
		}
		return err
	}
	c.syncs.Add(1)
	return c.apply(e)
}

// apply loads the received values into the engine write side.
func (c *Connector) apply(e *engine.Engine) error {
	_, recv := c.client.Layouts()
	data := c.client.ReceiveData()
	w := e.Viewer().Write()
	for _, f := range recv.Fields() {
		if _, ok := w.Layout().Lookup(f.Object, f.Attribute); !ok {
			continue
		}
		if err := w.LoadValue(f.Object, f.Attribute, 0, data[1+f.Offset:1+f.Offset+f.Arity]); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports successful exchanges and failures so far.
func (c *Connector) Stats() (syncs, failures int64) {
	return c.syncs.Load(), c.errs.Load()
}

// Err is the most recent sync failure.
func (c *Connector) Err() error {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.last
}

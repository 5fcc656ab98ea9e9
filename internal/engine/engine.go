package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/metrics"
	"github.com/san-kum/dynsync/internal/schema"
	"github.com/san-kum/dynsync/internal/viewer"
)

// Engine owns the stepping loop of one simulation.
type Engine struct {
	backend Backend
	opts    Options
	logger  *log.Logger
	prefix  string

	buf         *viewer.Buffer
	writeFields []schema.Field
	readFields  []schema.Field
	stats       *metrics.RealTime

	mu          sync.Mutex
	cond        *sync.Cond
	state       State
	reason      StopReason
	constraints Constraints
	inThread    bool
	starting    bool
	stopping    bool
	quit        chan struct{}
	done        chan struct{}
	wake        chan struct{}
	tasks       []task
	callbacks   []func(*Engine)
	err         error

	steps     int
	simTime   float64
	startReal time.Time
	pausedAt  time.Time
	paused    time.Duration
}

type task struct {
	fn   func()
	done chan struct{}
}

// New loads the backend and sizes the viewer buffer.
func New(backend Backend, opts Options) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidOptions)
	}
	opts.setDefaults()
	if opts.StepSize < 0 {
		return nil, fmt.Errorf("%w: step size must be positive, got %g", ErrInvalidOptions, opts.StepSize)
	}
	if opts.Instances < 1 {
		return nil, fmt.Errorf("%w: instances must be at least 1, got %d", ErrInvalidOptions, opts.Instances)
	}

	e := &Engine{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		prefix:  fmt.Sprintf("[engine %s]", opts.Name),
		buf:     viewer.New(),
		stats:   metrics.NewRealTime(100),
		wake:    make(chan struct{}, 1),
	}
	e.cond = sync.NewCond(&e.mu)

	if err := backend.Load(opts.File, opts.Instances); err != nil {
		return nil, &BackendError{Op: "load", Err: err}
	}
	if err := e.initViewer(); err != nil {
		return nil, err
	}
	if err := opts.Registry.RegisterNamespace(opts.Name, backend.CallAPI); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) initViewer() error {
	if err := e.buf.InitializeDeclarations(e.opts.Schema, e.opts.Write, e.opts.Read, e.opts.Instances); err != nil {
		return err
	}
	e.writeFields = e.buf.Write().Layout().Fields()
	e.readFields = e.buf.Read().Layout().Fields()
	// seed the write side with whatever the backend starts with so an idle
	// writer does not force defaults into the simulation
	for i := 0; i < e.opts.Instances; i++ {
		row := e.buf.Write().Row(i)
		for _, f := range e.writeFields {
			if err := e.backend.ReadAttribute(f.Object, f.Attribute, i, row[f.Offset:f.Offset+f.Arity]); err != nil {
				e.logger.Printf("%s no initial value for %s.%s[%d]: %v", e.prefix, f.Object, f.Attribute, i, err)
			}
		}
	}
	e.buf.Write().Publish()
	e.buf.Write().Pull()
	return e.readBack()
}

// readBack copies backend state into the read side and publishes it.
func (e *Engine) readBack() error {
	r := e.buf.Read()
	for i := 0; i < e.opts.Instances; i++ {
		row := r.Row(i)
		for _, f := range e.readFields {
			if err := e.backend.ReadAttribute(f.Object, f.Attribute, i, row[f.Offset:f.Offset+f.Arity]); err != nil {
				return &BackendError{Op: "read " + f.Object + "." + f.Attribute, Step: e.steps, Time: e.simTime, Err: err}
			}
		}
	}
	r.Publish()
	return nil
}

// Name is the simulation name.
func (e *Engine) Name() string { return e.opts.Name }

// StepSize is the simulated seconds per step.
func (e *Engine) StepSize() float64 { return e.opts.StepSize }

// RealTimeFactor is the pacing factor.
func (e *Engine) RealTimeFactor() float64 { return e.opts.RealTimeFactor }

// Headless reports whether the engine runs without a view.
func (e *Engine) Headless() bool { return e.opts.Headless }

// Viewer is the engine's buffer. The engine owns the live rows of both
// sides; other goroutines use Load and Snapshot.
func (e *Engine) Viewer() *viewer.Buffer { return e.buf }

// Close stops the engine and removes its API namespace.
func (e *Engine) Close() {
	e.Stop()
	e.opts.Registry.Unregister(e.opts.Name)
}

// Registry is the API registry the engine's namespace lives in.
func (e *Engine) Registry() *apicall.Registry { return e.opts.Registry }

// Start begins a run. Counters and the backend are reset. Starting a
// running or paused engine, or one another caller is starting, is a no-op.
func (e *Engine) Start(opts StartOptions) error {
	e.mu.Lock()
	if e.state != StateStopped || e.starting {
		e.mu.Unlock()
		return nil
	}
	e.starting = true
	e.mu.Unlock()

	err := e.reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.starting = false
	if err != nil {
		return err
	}
	e.state = StateRunning
	e.reason = StopReasonNone
	e.err = nil
	e.constraints = opts.Constraints
	e.inThread = opts.RunInThread
	e.stopping = false
	e.paused = 0
	e.startReal = time.Now()
	if v, ok := e.opts.View.(interface{ Open() }); ok {
		v.Open()
	}
	if e.inThread {
		e.quit = make(chan struct{})
		e.done = make(chan struct{})
		go e.loop(e.quit, e.done)
	}
	e.logger.Printf("%s started (threaded=%v, constraints=%+v)", e.prefix, e.inThread, e.constraints)
	return nil
}

// Pause suspends a running engine.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return
	}
	e.state = StatePaused
	e.pausedAt = time.Now()
}

// Unpause resumes a paused engine. Time spent paused does not count toward
// pacing.
func (e *Engine) Unpause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return
	}
	e.state = StateRunning
	e.paused += time.Since(e.pausedAt)
	e.cond.Broadcast()
}

// Stop ends the run with StopReasonStop and waits for the stepping
// goroutine. It must not be called from a post-step callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	e.reason = StopReasonStop
	e.signalStop()
	done := e.done
	e.mu.Unlock()

	if done != nil {
		<-done
	}
	e.opts.View.Close()
	e.logger.Printf("%s stopped (%s)", e.prefix, StopReasonStop)
}

// signalStop wakes the stepping goroutine. Caller holds e.mu.
func (e *Engine) signalStop() {
	if !e.stopping {
		e.stopping = true
		if e.quit != nil {
			close(e.quit)
		}
	}
	e.cond.Broadcast()
}

// finish records an autonomous stop unless a Stop already happened.
func (e *Engine) finish(reason StopReason, err error) {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	e.reason = reason
	e.err = err
	e.signalStop()
	e.mu.Unlock()

	if reason != StopReasonViewerIsClosed {
		e.opts.View.Close()
	}
	if err != nil {
		e.logger.Printf("%s stopped (%s): %v", e.prefix, reason, err)
		return
	}
	e.logger.Printf("%s stopped (%s)", e.prefix, reason)
}

// Reset zeroes the step count and simulation time and resets the backend.
// While the stepping goroutine runs, the reset happens between two steps.
func (e *Engine) Reset() error {
	var err error
	e.onStepper(func() { err = e.reset() })
	return err
}

func (e *Engine) reset() error {
	if err := e.backend.Reset(); err != nil {
		return &BackendError{Op: "reset", Step: e.CurrentNumberOfSteps(), Time: e.CurrentSimulationTime(), Err: err}
	}
	e.mu.Lock()
	e.steps = 0
	e.simTime = 0
	e.startReal = time.Now()
	e.paused = 0
	if e.state == StatePaused {
		e.pausedAt = e.startReal
	}
	e.mu.Unlock()
	e.stats.Reset()
	return e.readBack()
}

// Step advances one tick of a manual run.
func (e *Engine) Step() error {
	e.mu.Lock()
	state, threaded := e.state, e.inThread
	e.mu.Unlock()
	if state != StateRunning {
		return fmt.Errorf("%w: state is %s", ErrNotRunning, state)
	}
	if threaded {
		return ErrThreaded
	}
	if err := e.step(); err != nil {
		e.finish(StopReasonError, err)
		return err
	}
	if reason := e.reached(); reason != StopReasonNone {
		e.finish(reason, nil)
	}
	return nil
}

func (e *Engine) step() error {
	w, r := e.buf.Write(), e.buf.Read()
	w.Pull()

	e.mu.Lock()
	step, now := e.steps, e.simTime
	e.mu.Unlock()

	for i := 0; i < e.opts.Instances; i++ {
		row := w.Row(i)
		for _, f := range e.writeFields {
			if err := e.backend.WriteAttribute(f.Object, f.Attribute, i, row[f.Offset:f.Offset+f.Arity]); err != nil {
				return &BackendError{Op: "write " + f.Object + "." + f.Attribute, Step: step, Time: now, Err: err}
			}
		}
	}
	if err := e.backend.Step(e.opts.StepSize); err != nil {
		return &BackendError{Op: "step", Step: step, Time: now, Err: err}
	}
	for i := 0; i < e.opts.Instances; i++ {
		row := r.Row(i)
		for _, f := range e.readFields {
			if err := e.backend.ReadAttribute(f.Object, f.Attribute, i, row[f.Offset:f.Offset+f.Arity]); err != nil {
				return &BackendError{Op: "read " + f.Object + "." + f.Attribute, Step: step, Time: now, Err: err}
			}
		}
	}
	r.Publish()

	e.mu.Lock()
	e.steps++
	e.simTime = float64(e.steps) * e.opts.StepSize
	simTime := e.simTime
	callbacks := e.callbacks
	e.mu.Unlock()

	e.stats.Observe(simTime, time.Now())
	for _, cb := range callbacks {
		cb(e)
	}
	return nil
}

// reached evaluates the constraints in priority order.
func (e *Engine) reached() StopReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return StopReasonNone
	}
	c := e.constraints
	if c.IsZero() {
		if !e.opts.View.IsRunning() {
			return StopReasonViewerIsClosed
		}
		return StopReasonNone
	}
	if c.MaxNumberOfSteps > 0 && e.steps >= c.MaxNumberOfSteps {
		return StopReasonMaxNumberOfSteps
	}
	if c.MaxSimulationTime > 0 && e.simTime >= c.MaxSimulationTime-e.opts.StepSize*1e-6 {
		return StopReasonMaxSimulationTime
	}
	if c.MaxRealTime > 0 && time.Since(e.startReal) >= c.MaxRealTime {
		return StopReasonMaxRealTime
	}
	return StopReasonNone
}

func (e *Engine) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		if !e.waitRunnable() {
			e.runTasks()
			return
		}
		e.runTasks()
		if e.State() != StateRunning {
			continue
		}
		if err := e.step(); err != nil {
			e.finish(StopReasonError, err)
			e.runTasks()
			return
		}
		if reason := e.reached(); reason != StopReasonNone {
			e.finish(reason, nil)
			e.runTasks()
			return
		}
		e.pace(quit)
	}
}

// waitRunnable blocks while paused with no queued tasks. It reports false
// once the run is over.
func (e *Engine) waitRunnable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.state == StatePaused && !e.stopping && len(e.tasks) == 0 {
		e.cond.Wait()
	}
	return !e.stopping
}

func (e *Engine) runTasks() {
	e.mu.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.mu.Unlock()
	for _, t := range tasks {
		t.fn()
		close(t.done)
	}
}

// onStepper runs fn on the stepping goroutine when there is one, inline
// otherwise. It must not be called from a post-step callback.
func (e *Engine) onStepper(fn func()) {
	e.mu.Lock()
	if e.state == StateStopped || !e.inThread || e.stopping {
		e.mu.Unlock()
		fn()
		return
	}
	t := task{fn: fn, done: make(chan struct{})}
	e.tasks = append(e.tasks, t)
	e.cond.Broadcast()
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-t.done
}

// pace sleeps until wall time catches up with simulation time. Queued
// tasks still run while it sleeps.
func (e *Engine) pace(quit <-chan struct{}) {
	rtf := e.opts.RealTimeFactor
	if rtf < 0 {
		return
	}
	for {
		e.mu.Lock()
		target := e.startReal.Add(e.paused).Add(time.Duration(e.simTime / rtf * float64(time.Second)))
		e.mu.Unlock()

		d := time.Until(target)
		if d <= 0 {
			return
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			return
		case <-quit:
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
			e.runTasks()
		}
	}
}

// AddPostStepCallback registers fn to run on the stepping goroutine after
// every step.
func (e *Engine) AddPostStepCallback(fn func(*Engine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks[:len(e.callbacks):len(e.callbacks)], fn)
}

// CallAPI dispatches calls between two steps of a threaded run, or inline
// otherwise.
func (e *Engine) CallAPI(ns string, calls []apicall.Call) []apicall.Result {
	var res []apicall.Result
	e.onStepper(func() { res = e.opts.Registry.Dispatch(ns, calls) })
	return res
}

// State is the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StopReason is why the last run ended, StopReasonNone while it has not.
func (e *Engine) StopReason() StopReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// Err is the backend error that ended the last run, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done is closed when the stepping goroutine of the current run exits. It
// is already closed when no goroutine was started.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil || !e.inThread {
		c := make(chan struct{})
		close(c)
		return c
	}
	return e.done
}

// Wait blocks until the current threaded run ends or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentNumberOfSteps is the number of steps taken since the last start or
// reset.
func (e *Engine) CurrentNumberOfSteps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps
}

// CurrentSimulationTime is the simulated time in seconds.
func (e *Engine) CurrentSimulationTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.simTime
}

// CurrentRealTime is the wall clock.
func (e *Engine) CurrentRealTime() time.Time { return time.Now() }

// StartRealTime is the wall time the run started or was last reset.
func (e *Engine) StartRealTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startReal
}

// Stats reports counters and the achieved real-time factor.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		State:          e.state,
		StopReason:     e.reason,
		Steps:          e.steps,
		SimulationTime: e.simTime,
	}
	if !e.startReal.IsZero() {
		s.RealTime = time.Since(e.startReal)
	}
	e.mu.Unlock()
	s.RealTimeFactor = e.stats.Factor()
	s.StepsPerSecond = e.stats.StepsPerSecond()
	return s
}

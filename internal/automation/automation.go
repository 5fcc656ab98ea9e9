// Package automation runs launch files: an optional in-process server plus
// any number of simulations, each mirrored through its own client.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/backend/dynamics"
	"github.com/san-kum/dynsync/internal/config"
	"github.com/san-kum/dynsync/internal/connector"
	"github.com/san-kum/dynsync/internal/engine"
	"github.com/san-kum/dynsync/internal/protocol"
	"github.com/san-kum/dynsync/internal/schema"
	"github.com/san-kum/dynsync/internal/server"
	"github.com/san-kum/dynsync/internal/storage"
)

// ErrLaunch reports an unusable launch file.
var ErrLaunch = errors.New("automation: invalid launch file")

// DefaultFirstPort is the client port given to the first simulation
// without one; later ones count up.
const DefaultFirstPort = 7500

// Launch describes one run.
type Launch struct {
	World  string     `yaml:"world"`
	Server ServerSpec `yaml:"server"`
	// Record is the directory recordings are stored in.
	Record      string           `yaml:"record"`
	Simulations []SimulationSpec `yaml:"simulations"`

	dir string
}

// ServerSpec points at the server. With Serve set it is started here.
type ServerSpec struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Serve bool   `yaml:"serve"`
}

// SimulationSpec is one engine on the dynamics backend.
type SimulationSpec struct {
	Name           string             `yaml:"name"`
	Scene          string             `yaml:"scene"`
	Port           string             `yaml:"port"`
	StepSize       float64            `yaml:"step_size"`
	RealTimeFactor float64            `yaml:"real_time_factor"`
	Instances      int                `yaml:"instances"`
	SyncEvery      int                `yaml:"sync_every"`
	Constraints    engine.Constraints `yaml:"constraints"`
	// Params overrides joint and actuator parameters, element -> name -> value.
	Params map[string]map[string]float64 `yaml:"params"`
	// Send is read from the simulation and published; Receive is taken
	// from the world and written into the simulation.
	Send    *schema.Declarations `yaml:"send"`
	Receive *schema.Declarations `yaml:"receive"`
	Record  bool                 `yaml:"record"`
}

func LoadLaunch(path string) (*Launch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := ParseLaunch(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.dir = filepath.Dir(path)
	return l, nil
}

func ParseLaunch(data []byte) (*Launch, error) {
	var l Launch
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate fills defaults and checks names and ports are unique.
func (l *Launch) Validate() error {
	if l.World == "" {
		l.World = protocol.DefaultMetaData().WorldName
	}
	if l.Server.Host == "" {
		l.Server.Host = config.DefaultHost
	}
	if l.Server.Port == 0 {
		l.Server.Port = config.DefaultPort
	}
	if len(l.Simulations) == 0 {
		return fmt.Errorf("%w: no simulations", ErrLaunch)
	}
	names := make(map[string]bool)
	ports := make(map[string]bool)
	for i := range l.Simulations {
		s := &l.Simulations[i]
		if s.Scene == "" {
			return fmt.Errorf("%w: simulation %d has no scene", ErrLaunch, i)
		}
		if s.Name == "" {
			s.Name = "simulation_" + strconv.Itoa(i)
		}
		if s.Port == "" {
			s.Port = strconv.Itoa(DefaultFirstPort + i)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate simulation %q", ErrLaunch, s.Name)
		}
		if ports[s.Port] {
			return fmt.Errorf("%w: duplicate port %q", ErrLaunch, s.Port)
		}
		names[s.Name], ports[s.Port] = true, true
		if s.RealTimeFactor == 0 {
			s.RealTimeFactor = -1
		}
	}
	return nil
}

func (l *Launch) scene(s SimulationSpec) string {
	if filepath.IsAbs(s.Scene) || l.dir == "" {
		return s.Scene
	}
	return filepath.Join(l.dir, s.Scene)
}

// Options are process-level settings of Run.
type Options struct {
	Logger *log.Logger
	// Listener replaces listening on the server address when serving.
	Listener net.Listener
}

// Result summarizes one simulation.
type Result struct {
	Name           string
	Steps          int
	SimulationTime float64
	StopReason     engine.StopReason
	Syncs          int64
	SyncFailures   int64
	RecordingID    string
}

type simulation struct {
	spec   SimulationSpec
	engine *engine.Engine
	conn   *connector.Connector
	rec    *storage.Recorder
}

// Run starts everything the launch describes and returns when every
// simulation has stopped or ctx is cancelled. An unconstrained simulation
// runs until ctx is cancelled.
func Run(ctx context.Context, l *Launch, opts Options) ([]Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	url := "ws://" + net.JoinHostPort(l.Server.Host, strconv.Itoa(l.Server.Port))
	var registry *apicall.Registry
	if l.Server.Serve {
		ln := opts.Listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", net.JoinHostPort(l.Server.Host, strconv.Itoa(l.Server.Port)))
			if err != nil {
				return nil, fmt.Errorf("automation: %w", err)
			}
		}
		url = "ws://" + ln.Addr().String()
		srv := server.New(server.Config{Logger: logger})
		registry = srv.Registry()
		g.Go(func() error { return srv.Serve(srvCtx, ln) })
	}

	sims := make([]*simulation, 0, len(l.Simulations))
	abort := func(err error) ([]Result, error) {
		for _, s := range sims {
			s.conn.Detach()
		}
		stopServer()
		g.Wait()
		return nil, err
	}
	for _, spec := range l.Simulations {
		s, err := l.setup(gctx, spec, url, registry, logger)
		if err != nil {
			return abort(fmt.Errorf("automation: simulation %s: %w", spec.Name, err))
		}
		sims = append(sims, s)
	}

	results := make([]Result, len(sims))
	var runs errgroup.Group
	for i, s := range sims {
		runs.Go(func() error {
			var err error
			results[i], err = s.run(gctx, l.Record)
			return err
		})
	}
	err := runs.Wait()
	stopServer()
	if serr := g.Wait(); err == nil && serr != nil && !errors.Is(serr, context.Canceled) {
		err = serr
	}
	return results, err
}

func (l *Launch) setup(ctx context.Context, spec SimulationSpec, url string, registry *apicall.Registry, logger *log.Logger) (*simulation, error) {
	b := dynamics.New(logger)
	for _, element := range sortedKeys(spec.Params) {
		for _, name := range sortedKeys(spec.Params[element]) {
			if err := b.Override(element, name, spec.Params[element][name]); err != nil {
				return nil, err
			}
		}
	}
	e, err := engine.New(b, engine.Options{
		Name:           spec.Name,
		File:           l.scene(spec),
		StepSize:       spec.StepSize,
		RealTimeFactor: spec.RealTimeFactor,
		Headless:       true,
		Instances:      spec.Instances,
		Write:          spec.Receive.Clone(),
		Read:           spec.Send.Clone(),
		Registry:       registry,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	md := protocol.DefaultMetaData()
	md.WorldName = l.World
	md.SimulationName = spec.Name
	client, err := protocol.NewClient(protocol.ClientConfig{
		ServerURL: url,
		Port:      spec.Port,
		MetaData:  md,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	conn := connector.New(e, client, connector.Options{Every: spec.SyncEvery, Logger: logger})
	if err := conn.Attach(ctx); err != nil {
		return nil, err
	}

	s := &simulation{spec: spec, engine: e, conn: conn}
	if spec.Record {
		buf := e.Viewer()
		s.rec = storage.NewRecorder(storage.Metadata{
			World:      l.World,
			Simulation: spec.Name,
			Source:     "launch",
			Columns:    append(buf.Read().Layout().ColumnNames(), buf.Write().Layout().ColumnNames()...),
		})
		e.AddPostStepCallback(s.record)
	}
	return s, nil
}

// record stores what instance 0 sent followed by what it last received.
func (s *simulation) record(e *engine.Engine) {
	sent, err := e.Viewer().Read().SnapshotRow(0)
	if err != nil {
		return
	}
	received, err := e.Viewer().Write().SnapshotRow(0)
	if err != nil {
		return
	}
	s.rec.Add(e.CurrentSimulationTime(), append(sent, received...))
}

func (s *simulation) run(ctx context.Context, dir string) (Result, error) {
	defer s.conn.Detach()
	if err := s.engine.Start(engine.StartOptions{Constraints: s.spec.Constraints, RunInThread: true}); err != nil {
		return Result{Name: s.spec.Name}, err
	}
	if err := s.engine.Wait(ctx); err != nil && ctx.Err() != nil {
		s.engine.Stop()
	}

	syncs, failures := s.conn.Stats()
	st := s.engine.Stats()
	res := Result{
		Name:           s.spec.Name,
		Steps:          st.Steps,
		SimulationTime: st.SimulationTime,
		StopReason:     st.StopReason,
		Syncs:          syncs,
		SyncFailures:   failures,
	}
	if s.rec != nil && dir != "" {
		rec := s.rec.Recording()
		rec.Metrics = map[string]float64{"real_time_factor": st.RealTimeFactor, "steps_per_second": st.StepsPerSecond}
		id, err := storage.New(dir).Save(rec)
		if err != nil {
			return res, fmt.Errorf("automation: record %s: %w", s.spec.Name, err)
		}
		res.RecordingID = id
	}
	if err := s.engine.Err(); err != nil {
		return res, fmt.Errorf("automation: simulation %s: %w", s.spec.Name, err)
	}
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

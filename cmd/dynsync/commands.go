package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/dynsync/internal/automation"
	"github.com/san-kum/dynsync/internal/backend/dynamics"
	"github.com/san-kum/dynsync/internal/config"
	"github.com/san-kum/dynsync/internal/connector"
	"github.com/san-kum/dynsync/internal/engine"
	"github.com/san-kum/dynsync/internal/protocol"
	"github.com/san-kum/dynsync/internal/server"
	"github.com/san-kum/dynsync/internal/storage"
	"github.com/san-kum/dynsync/internal/tui"
)

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	srv := server.New(server.Config{Logger: logger(), ShutdownTimeout: cfg.Server.ShutdownTimeout})
	return srv.ListenAndServe(cmd.Context(), cfg.Server.Addr())
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Simulation.Scene = args[0]
	}
	if cfg.Simulation.Scene == "" {
		return errors.New("no scene: pass one or set simulation.scene")
	}
	sim := &cfg.Simulation
	// the session declarations double as the simulation's I/O when the
	// config does not set them
	if sim.Read.Len() == 0 {
		sim.Read = cfg.Client.Send
	}
	if sim.Write.Len() == 0 {
		sim.Write = cfg.Client.Receive
	}

	ctx := cmd.Context()
	lg := logger()
	var monitor *tui.Monitor
	opts := cfg.EngineOptions()
	opts.Logger = lg
	if !sim.Headless {
		monitor = tui.NewMonitor(sim.Name)
		opts.View = monitor
		// keep log lines from tearing the monitor
		lg.SetOutput(logFile())
		opts.Logger = lg
	}
	e, err := engine.New(dynamics.New(lg), opts)
	if err != nil {
		return err
	}

	var conn *connector.Connector
	if connect {
		pc := cfg.ProtocolClient()
		pc.MetaData.SimulationName = sim.Name
		pc.Logger = lg
		client, err := protocol.NewClient(pc)
		if err != nil {
			return err
		}
		conn = connector.New(e, client, connector.Options{Every: sim.SyncEvery, Logger: lg})
		if err := conn.Attach(ctx); err != nil {
			return err
		}
		defer conn.Detach()
	}

	if err := e.Start(engine.StartOptions{Constraints: sim.Constraints, RunInThread: true}); err != nil {
		return err
	}
	if monitor != nil {
		err = monitor.Run(ctx, e)
	} else {
		err = e.Wait(ctx)
		if ctx.Err() != nil {
			err = nil
		}
	}
	e.Stop()
	if err != nil {
		return err
	}

	st := e.Stats()
	fmt.Printf("%s: %s after %d steps (t=%.3fs, rtf %.2f)\n", sim.Name, strings.ToLower(st.StopReason.String()), st.Steps, st.SimulationTime, st.RealTimeFactor)
	if conn != nil {
		syncs, failures := conn.Stats()
		fmt.Printf("syncs: %d, failed: %d\n", syncs, failures)
	}
	return e.Err()
}

// logFile sends logs to <data>/dynsync.log while the monitor owns the
// terminal.
func logFile() *os.File {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return os.Stderr
	}
	f, err := os.OpenFile(dataDir+"/dynsync.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return os.Stderr
	}
	return f
}

func dialClient(cmd *cobra.Command, cfg *config.Config) (*protocol.Client, error) {
	pc := cfg.ProtocolClient()
	pc.Logger = logger()
	client, err := protocol.NewClient(pc)
	if err != nil {
		return nil, err
	}
	client.UpdateRequest(func(r *protocol.Request) {
		r.Send = cfg.Client.Send.Clone()
		r.Receive = cfg.Client.Receive.Clone()
	})
	if err := client.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return client, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	batch, err := parseAPICalls(apiArgs)
	if err != nil {
		return err
	}
	client, err := dialClient(cmd, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	client.UpdateRequest(func(r *protocol.Request) { r.APICallbacks = batch })

	ctx := cmd.Context()
	if err := client.Communicate(ctx, true); err != nil {
		return err
	}
	resp := client.Response()
	if resp.APICallbacksResponse != nil {
		for _, ns := range resp.APICallbacksResponse.Namespaces() {
			for _, r := range resp.APICallbacksResponse.Results(ns) {
				fmt.Printf("%s.%s: %s\n", ns, r.Function, strings.Join(r.Values, " "))
			}
		}
	}

	send, recv := client.Layouts()
	if len(values) != send.Width() {
		if len(values) > 0 || send.Width() > 0 {
			return fmt.Errorf("--values has %d numbers, the send declarations need %d", len(values), send.Width())
		}
	}
	names := recv.ColumnNames()
	interval := time.Duration(float64(time.Second) / rate)
	start := time.Now()
	for i := 0; i < frames; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
		row := append([]float64{time.Since(start).Seconds()}, values...)
		if err := client.SetSendData(row); err != nil {
			return err
		}
		if err := client.Communicate(ctx, false); err != nil {
			return err
		}
		reply := client.ReceiveData()
		fmt.Printf("t=%.3f", reply[0])
		for j, v := range reply[1:] {
			fmt.Printf(" %s=%g", names[j], v)
		}
		fmt.Println()
	}
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Client.Receive.Len() == 0 {
		return errors.New("nothing to record: pass --receive")
	}
	client, err := dialClient(cmd, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	ctx := cmd.Context()
	if err := client.Communicate(ctx, true); err != nil {
		return err
	}
	rec := storage.ForClient(client, "record")
	send, _ := client.Layouts()
	row := make([]float64, 1+send.Width())

	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()
	start := time.Now()
	for frames == 0 || rec.Len() < frames {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			row[0] = time.Since(start).Seconds()
			if err := client.SetSendData(row); err != nil {
				return err
			}
			if err := client.Communicate(ctx, false); err != nil {
				if errors.Is(err, protocol.ErrSessionTerminated) {
					if err := client.Communicate(ctx, true); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if err := rec.AddFrame(client.ReceiveData()); err != nil {
				return err
			}
			continue
		}
		break
	}

	st := storage.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}
	id, err := st.Save(rec.Recording())
	if err != nil {
		return err
	}
	fmt.Printf("recorded %d frames\n", rec.Len())
	fmt.Printf("recording id: %s\n", id)
	return nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	l, err := automation.LoadLaunch(args[0])
	if err != nil {
		return err
	}
	if l.Record == "" {
		l.Record = dataDir
	}
	start := time.Now()
	results, err := automation.Run(cmd.Context(), l, automation.Options{Logger: logger()})
	if err != nil {
		return err
	}
	fmt.Printf("completed in %v\n", time.Since(start).Round(time.Millisecond))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTEPS\tTIME\tSTOP\tSYNCS\tFAILED\tRECORDING")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%.3fs\t%s\t%d\t%d\t%s\n",
			r.Name, r.Steps, r.SimulationTime, strings.ToLower(r.StopReason.String()), r.Syncs, r.SyncFailures, r.RecordingID)
	}
	return w.Flush()
}

func listRecordings(cmd *cobra.Command, args []string) error {
	runs, err := storage.New(dataDir).List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no recordings found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORLD\tSIMULATION\tSOURCE\tTIME\tFRAMES\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%.2fs\n",
			run.ID,
			run.World,
			run.Simulation,
			run.Source,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Frames,
			run.Duration,
		)
	}
	return w.Flush()
}

func plotRecording(cmd *cobra.Command, args []string) error {
	rec, err := storage.New(dataDir).LoadFrames(args[0])
	if err != nil {
		return err
	}
	if len(rec.Rows) == 0 {
		return fmt.Errorf("no data to plot")
	}
	fmt.Printf("recording: %s\n", rec.ID)
	fmt.Printf("simulation: %s/%s\n", rec.World, rec.Simulation)
	fmt.Printf("frames: %d\n\n", len(rec.Rows))

	cols := rec.Columns
	if column != "" {
		cols = []string{column}
	}
	const maxPlots = 6
	for i, name := range cols {
		if i == maxPlots {
			fmt.Printf("%d more columns, pick one with --column\n", len(cols)-maxPlots)
			break
		}
		data, ok := rec.Column(name)
		if !ok {
			return fmt.Errorf("no column %q in %s", name, rec.ID)
		}
		graph := asciigraph.Plot(downsample(data, 80),
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(name),
		)
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}

// downsample keeps at most n points, averaging buckets.
func downsample(data []float64, n int) []float64 {
	if len(data) <= n {
		return data
	}
	out := make([]float64, n)
	size := float64(len(data)) / float64(n)
	for i := range out {
		lo, hi := int(float64(i)*size), int(math.Min(float64(len(data)), float64(i+1)*size))
		sum := 0.0
		for _, v := range data[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

func exportRecording(cmd *cobra.Command, args []string) error {
	rec, err := storage.New(dataDir).LoadFrames(args[0])
	if err != nil {
		return err
	}
	if err := storage.ExportJSON(outPath, rec); err != nil {
		return err
	}
	if outPath != "-" {
		fmt.Printf("exported %s to %s\n", rec.ID, outPath)
	}
	return nil
}

func listPresets(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRESET\tSTEP\tRTF\tHEADLESS\tINSTANCES\tCONSTRAINTS")
	for _, name := range config.ListPresets() {
		p := config.GetPreset(name)
		fmt.Fprintf(w, "%s\t%g\t%g\t%v\t%d\t%s\n", name, p.StepSize, p.RealTimeFactor, p.Headless, p.Instances, constraints(p.Constraints))
	}
	return w.Flush()
}

func constraints(c engine.Constraints) string {
	if c.IsZero() {
		return "-"
	}
	var parts []string
	if c.MaxNumberOfSteps > 0 {
		parts = append(parts, fmt.Sprintf("steps=%d", c.MaxNumberOfSteps))
	}
	if c.MaxSimulationTime > 0 {
		parts = append(parts, fmt.Sprintf("time=%gs", c.MaxSimulationTime))
	}
	if c.MaxRealTime > 0 {
		parts = append(parts, "real="+c.MaxRealTime.String())
	}
	return strings.Join(parts, ",")
}

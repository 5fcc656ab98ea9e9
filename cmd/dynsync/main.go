package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/san-kum/dynsync/internal/config"
)

var (
	dataDir    string
	configFile string
	verbose    bool

	host string
	port int

	clientPort string
	world      string
	simName    string
	sends      []string
	receives   []string

	stepSize  float64
	rtf       float64
	instances int
	headless  bool
	preset    string
	maxSteps  int
	maxTime   float64
	every     int
	connect   bool

	frames  int
	rate    float64
	values  []float64
	apiArgs []string

	column  string
	outPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "dynsync",
		Short:        "synchronize simulations over websockets",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".dynsync", "data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol activity")
	rootCmd.PersistentFlags().StringVar(&host, "host", config.DefaultHost, "server host")
	rootCmd.PersistentFlags().IntVar(&port, "port", config.DefaultPort, "server port")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "run the sync server",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}

	simulateCmd := &cobra.Command{
		Use:   "simulate [scene]",
		Short: "run a scene, optionally mirrored through the server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSimulate,
	}
	simulateCmd.Flags().StringVar(&simName, "name", "", "simulation name")
	simulateCmd.Flags().Float64Var(&stepSize, "step", config.DefaultStepSize, "step size")
	simulateCmd.Flags().Float64Var(&rtf, "rtf", 1, "real-time factor, negative runs unpaced")
	simulateCmd.Flags().IntVar(&instances, "instances", 1, "number of instances")
	simulateCmd.Flags().BoolVar(&headless, "headless", false, "run without the monitor")
	simulateCmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	simulateCmd.Flags().IntVar(&maxSteps, "steps", 0, "stop after this many steps")
	simulateCmd.Flags().Float64Var(&maxTime, "time", 0, "stop at this simulation time")
	simulateCmd.Flags().IntVar(&every, "every", config.DefaultSyncEvery, "sync every n-th step")
	simulateCmd.Flags().BoolVar(&connect, "connect", false, "mirror through the server")
	addSessionFlags(simulateCmd)

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "exchange frames with the server and print the replies",
		Args:  cobra.NoArgs,
		RunE:  runSend,
	}
	addSessionFlags(sendCmd)
	sendCmd.Flags().IntVar(&frames, "frames", 1, "number of exchanges")
	sendCmd.Flags().Float64Var(&rate, "rate", 10, "exchanges per second")
	sendCmd.Flags().Float64SliceVar(&values, "values", nil, "values sent every frame")
	sendCmd.Flags().StringArrayVar(&apiArgs, "api", nil, "api callback ns.function=arg,arg (repeatable)")

	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "record what the server returns for the receive declarations",
		Args:  cobra.NoArgs,
		RunE:  runRecord,
	}
	addSessionFlags(recordCmd)
	recordCmd.Flags().IntVar(&frames, "frames", 100, "frames to record, 0 records until interrupted")
	recordCmd.Flags().Float64Var(&rate, "rate", 50, "frames per second")

	launchCmd := &cobra.Command{
		Use:   "launch [file]",
		Short: "run a launch file",
		Args:  cobra.ExactArgs(1),
		RunE:  runLaunch,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list recordings",
		Args:  cobra.NoArgs,
		RunE:  listRecordings,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [recording_id]",
		Short: "plot a recording",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRecording,
	}
	plotCmd.Flags().StringVar(&column, "column", "", "plot only this column")

	exportCmd := &cobra.Command{
		Use:   "export [recording_id]",
		Short: "export a recording to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRecording,
	}
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "-", "output file, - for stdout")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list simulation presets",
		Args:  cobra.NoArgs,
		RunE:  listPresets,
	}

	rootCmd.AddCommand(serverCmd, simulateCmd, sendCmd, recordCmd, launchCmd, listCmd, plotCmd, exportCmd, presetsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientPort, "client", config.DefaultClientID, "client port the server knows us by")
	cmd.Flags().StringVar(&world, "world", "world", "world name")
	cmd.Flags().StringArrayVar(&sends, "send", nil, "object=attr,attr to publish (repeatable)")
	cmd.Flags().StringArrayVar(&receives, "receive", nil, "object=attr,attr to receive (repeatable)")
}

func logger() *log.Logger {
	if verbose {
		return log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

// loadConfig layers defaults, the config file, the environment and the
// flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if preset != "" && !cfg.ApplyPreset(preset) {
		return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("client") {
		cfg.Client.Port = clientPort
	}
	if flags.Changed("world") {
		cfg.Client.MetaData.WorldName = world
	}
	if flags.Changed("name") {
		cfg.Simulation.Name = simName
		cfg.Client.MetaData.SimulationName = simName
	}
	if flags.Changed("step") {
		cfg.Simulation.StepSize = stepSize
	}
	if flags.Changed("rtf") {
		cfg.Simulation.RealTimeFactor = rtf
	}
	if flags.Changed("instances") {
		cfg.Simulation.Instances = instances
	}
	if flags.Changed("headless") {
		cfg.Simulation.Headless = headless
	}
	if flags.Changed("steps") {
		cfg.Simulation.Constraints.MaxNumberOfSteps = maxSteps
	}
	if flags.Changed("time") {
		cfg.Simulation.Constraints.MaxSimulationTime = maxTime
	}
	if flags.Changed("every") {
		cfg.Simulation.SyncEvery = every
	}
	if flags.Changed("send") {
		d, err := parseDeclarations(sends)
		if err != nil {
			return nil, err
		}
		cfg.Client.Send = d
	}
	if flags.Changed("receive") {
		d, err := parseDeclarations(receives)
		if err != nil {
			return nil, err
		}
		cfg.Client.Receive = d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

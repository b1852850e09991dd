package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hinterlandlabs/backhaul/pkg/config"
	"github.com/hinterlandlabs/backhaul/pkg/cryptogate"
	"github.com/hinterlandlabs/backhaul/pkg/engine"
	"github.com/hinterlandlabs/backhaul/pkg/eventbus"
	"github.com/hinterlandlabs/backhaul/pkg/jobfile"
	"github.com/hinterlandlabs/backhaul/pkg/joblog"
	"github.com/hinterlandlabs/backhaul/pkg/netmon"
	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/procmon"
	"github.com/hinterlandlabs/backhaul/pkg/remote"
	"github.com/hinterlandlabs/backhaul/pkg/scheduler"
	"github.com/hinterlandlabs/backhaul/pkg/statedb"
)

// appName is the canonical name of the application used for logging.
const appName = "Backhaul"

// version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X main.version=1.0.0"
var version = "dev"

// action defines a special command to execute instead of running backups.
type action int

const (
	actionRunBackups action = iota // The default action is to run the configured jobs.
	actionShowVersion
	actionInitConfig
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", appName, version)
		fmt.Fprintf(flag.CommandLine.Output(), "A multi-job backup engine with remote control, priority preemption and optional encryption.\n\n")
		flag.PrintDefaults()
	}
}

// cliFlags are the per-run overrides. Long-term policy (priority extensions,
// business software names, thresholds) lives in the settings file only.
type cliFlags struct {
	configPath string
	jobsPath   string
	listen     string
	logLevel   string
}

func parseFlags() (action, cliFlags) {
	configFlag := flag.String("config", "backhaul.json", "Path of the settings file.")
	jobsFlag := flag.String("jobs", "", "Path of the job list (overrides the settings file).")
	listenFlag := flag.String("listen", "", "Remote control listen address (overrides the settings file, empty string in the settings disables).")
	logLevelFlag := flag.String("log-level", "", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	initFlag := flag.Bool("init", false, "Generate a default settings file and exit.")
	versionFlag := flag.Bool("version", false, "Print the application version and exit.")
	flag.Parse()

	flags := cliFlags{
		configPath: *configFlag,
		jobsPath:   *jobsFlag,
		listen:     *listenFlag,
		logLevel:   *logLevelFlag,
	}
	if *versionFlag {
		return actionShowVersion, flags
	}
	if *initFlag {
		return actionInitConfig, flags
	}
	return actionRunBackups, flags
}

// runBackups loads configuration and jobs, wires the monitors, the remote
// server and the scheduler, and blocks until every job is terminal or the
// process is interrupted.
func runBackups(ctx context.Context, flags cliFlags) error {
	settings, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	// Flags win over file values.
	if flags.jobsPath != "" {
		settings.JobFile = flags.jobsPath
	}
	if flags.listen != "" {
		settings.ListenAddress = flags.listen
	}
	if flags.logLevel != "" {
		settings.LogLevel = flags.logLevel
	}
	plog.SetLevel(plog.LevelFromString(settings.LogLevel))

	jobs, err := jobfile.Load(settings.JobFile)
	if err != nil {
		return err
	}
	plog.Info("Loaded job list", "path", settings.JobFile, "jobs", len(jobs))

	eventLog, closeLog, err := openEventLog(settings.EventLogPath)
	if err != nil {
		return err
	}
	defer closeLog()

	var state engine.StateStore
	if settings.StateDBPath != "" {
		db, err := statedb.Open(settings.StateDBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		state = db
	}

	var encryptor engine.Encryptor
	if settings.EncryptorPath != "" {
		opts := []cryptogate.Option{}
		if settings.LockDir != "" {
			opts = append(opts, cryptogate.WithLockDir(settings.LockDir))
		}
		encryptor = cryptogate.New(settings.EncryptorPath, settings.EncryptionKey, opts...)
	}

	bus := eventbus.New()
	defer bus.Close()

	sched, err := scheduler.New(scheduler.Options{
		Jobs:      jobs,
		Settings:  settings,
		Log:       eventLog,
		Bus:       bus,
		State:     state,
		Encryptor: encryptor,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	runCtx, endRun := context.WithCancel(ctx)
	defer endRun()

	if settings.NetworkThresholdKBs > 0 {
		mon := netmon.New(sched.BytesCopied, settings.NetworkThresholdKBs,
			settings.MaxConcurrentJobs, settings.MinJobBudget, settings.NetworkPollInterval())
		sched.AttachNetworkMonitor(mon)
		g.Go(func() error {
			mon.Run(runCtx)
			return nil
		})
	}

	if len(settings.BusinessProcesses) > 0 {
		mon := procmon.New(procmon.NewObserver(), sched,
			settings.BusinessProcesses, settings.ProcessPollInterval())
		g.Go(func() error {
			mon.Run(runCtx)
			return nil
		})
	}

	if settings.ListenAddress != "" {
		server := remote.New(sched, sched.Registry())
		if err := server.Listen(settings.ListenAddress); err != nil {
			return err
		}
		g.Go(func() error {
			return server.Serve(runCtx)
		})
	}

	startTime := time.Now()
	err = sched.Run(ctx)
	endRun() // all jobs terminal: wind down monitors and the server
	if waitErr := g.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	if err != nil {
		return err
	}

	plog.Info(appName+" finished.", "duration", time.Since(startTime).Round(time.Millisecond))
	logOutcome(sched)
	return nil
}

// openEventLog returns the job event logger: a JSON-lines file when a path
// is configured, stdout otherwise.
func openEventLog(path string) (joblog.Logger, func(), error) {
	if path == "" {
		return joblog.NewWriter(os.Stdout), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	return joblog.NewWriter(f), func() { f.Close() }, nil
}

// logOutcome summarizes the terminal state of every job.
func logOutcome(sched *scheduler.Scheduler) {
	for _, snap := range sched.Registry().SnapshotAll() {
		plog.Info("Job finished",
			"job", snap.Job.Name,
			"status", string(snap.State.Status),
			"files", snap.State.FilesCopied,
			"bytes", snap.State.BytesCopied,
			"error", snap.State.ErrorMessage)
	}
}

// run encapsulates the main application logic and returns an error if
// something goes wrong, allowing main to handle exit codes.
func run(ctx context.Context) error {
	plog.Info("Starting "+appName, "version", version, "pid", os.Getpid())

	act, flags := parseFlags()
	switch act {
	case actionShowVersion:
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	case actionInitConfig:
		if err := config.Generate(flags.configPath); err != nil {
			return err
		}
		plog.Info("Settings file generated", "path", flags.configPath)
		return nil
	case actionRunBackups:
		return runBackups(ctx, flags)
	default:
		return fmt.Errorf("internal error: unknown action %d", act)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Notice("Interrupt received, shutting down")
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(appName+" failed", "error", err)
		os.Exit(1)
	}
}

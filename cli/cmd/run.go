package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/Hi-LinkDuino/RM56-sub005/adapter"
	"github.com/Hi-LinkDuino/RM56-sub005/cli/config"
	"github.com/Hi-LinkDuino/RM56-sub005/cli/render"
	"github.com/Hi-LinkDuino/RM56-sub005/cli/tui"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/system"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// Exit codes of cpsim.
const (
	exitSuccess  = 0
	exitError    = 1
	exitAuxCrash = 2
)

// RunReport is the output of the run command.
type RunReport struct {
	Session       string                      `json:"session"`
	Duration      string                      `json:"duration"`
	Tasks         int                         `json:"tasks"`
	Rounds        int                         `json:"rounds"`
	EventsSent    int                         `json:"events_sent"`
	WorkRuns      int                         `json:"work_runs"`
	Notifications int                         `json:"notifications"`
	PeerCrashes   int                         `json:"peer_crashes"`
	Crash         *adapter.CrashReportedEvent `json:"crash,omitempty"`
	Metrics       metrics.Snapshot            `json:"metrics"`
}

// RunCommand returns the run command.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Simulate a session on the two-core chip and report its metrics",
		Flags: append(OutputFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session id (default: config session or a new uuid)",
			},
			&cli.IntFlag{
				Name:  "tasks",
				Usage: "Tasks to open",
				Value: 2,
			},
			&cli.IntFlag{
				Name:  "rounds",
				Usage: "Event rounds to post to every task",
				Value: 10,
			},
			&cli.IntFlag{
				Name:  "crash-task",
				Usage: "Task whose work callback faults (-1: none)",
				Value: -1,
			},
			&cli.IntFlag{
				Name:  "crash-round",
				Usage: "Round in which --crash-task faults",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall session timeout",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level override: debug, info, warn, error",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the report",
			},
		),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitError)
	}
	applyRunOverrides(c, cfg)

	w, err := workloadFromFlags(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	logger := log.NewLogger(log.Identity{Session: cfg.Session, Level: cfg.LogLevel})
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	cliLog := logger.Named("cli").Sugar()
	cliLog.Infof("session %s: %d tasks, %d rounds", cfg.Session, w.Tasks, w.Rounds)

	start := time.Now()
	report, runErr := runSession(ctx, cfg, w, start, logger)
	if report == nil {
		return fmt.Errorf("session failed: %w", runErr)
	}
	if runErr != nil {
		cliLog.Errorf("session incomplete: %v", runErr)
	}
	if report.Crash != nil {
		cliLog.Warnf("aux crashed (%s): %s", report.Crash.Kind, report.Crash.Reason)
	}

	if !c.Bool("quiet") {
		if c.Bool("tui") {
			if err := r.RenderTUI(tui.ViewMetrics, report.Metrics); err != nil {
				return err
			}
		} else if err := r.Render(report); err != nil {
			return err
		}
	}

	switch {
	case report.Crash != nil:
		return cli.Exit("", exitAuxCrash)
	case runErr != nil:
		return cli.Exit(fmt.Sprintf("session failed: %v", runErr), exitError)
	default:
		return cli.Exit("", exitSuccess)
	}
}

// runSession builds the backends and the chip, runs w and tears everything
// down. The report is nil only when nothing could be started.
func runSession(ctx context.Context, cfg *config.Config, w system.Workload, start time.Time, logger *log.Logger) (*RunReport, error) {
	collector := metrics.NewCollector(cfg.Session, cfg.Archive.Backend, cfg.Notifier.Type)

	b, err := buildBackends(ctx, cfg, start, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}

	sys, err := system.New(system.Options{
		Config:   cfg,
		Sink:     b.sink(),
		Handlers: b.handlers,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		_ = b.close(ctx, nil)
		return nil, fmt.Errorf("system: %w", err)
	}

	res, runErr := sys.Run(ctx, w)
	closeErr := sys.Close()
	sys.Absorb(collector)

	// Backends are flushed with a fresh deadline so a timed out session
	// still persists what it collected.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap := collector.Snapshot()
	backendErr := b.close(flushCtx, &snap)

	report := &RunReport{
		Session:       cfg.Session,
		Duration:      time.Since(start).Round(time.Millisecond).String(),
		Tasks:         res.Tasks,
		Rounds:        res.Rounds,
		EventsSent:    res.EventsSent,
		WorkRuns:      res.WorkRuns,
		Notifications: res.Notifications,
		PeerCrashes:   res.PeerCrashes,
		Metrics:       snap,
	}
	if res.Crash != nil {
		report.Crash = adapter.NewCrashReportedEvent(cfg.Session, res.Crash, time.Now())
	}
	return report, errors.Join(runErr, closeErr, backendErr)
}

// applyRunOverrides applies flag overrides and fills in the session id.
func applyRunOverrides(c *cli.Context, cfg *config.Config) {
	if s := c.String("session"); s != "" {
		cfg.Session = s
	}
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
	if l := c.String("log-level"); l != "" {
		cfg.LogLevel = l
	}
}

func workloadFromFlags(c *cli.Context) (system.Workload, error) {
	w := system.Workload{Tasks: c.Int("tasks"), Rounds: c.Int("rounds")}
	if w.Tasks < 1 || w.Tasks > types.MaxTasks {
		return w, fmt.Errorf("--tasks must be in [1, %d], got %d", types.MaxTasks, w.Tasks)
	}
	if w.Rounds < 0 {
		return w, fmt.Errorf("--rounds must be >= 0, got %d", w.Rounds)
	}
	if task := c.Int("crash-task"); task >= 0 {
		if task >= w.Tasks {
			return w, fmt.Errorf("--crash-task %d is not one of the %d opened tasks", task, w.Tasks)
		}
		round := c.Int("crash-round")
		if round < 0 || round >= w.Rounds {
			return w, fmt.Errorf("--crash-round must be in [0, %d), got %d", w.Rounds, round)
		}
		w.Crash = &system.CrashInjection{Task: types.TaskID(task), Round: round}
	}
	return w, nil
}

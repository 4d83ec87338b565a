package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/evalforge/evalforge/internal/batch"
	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/driver"
	"github.com/evalforge/evalforge/internal/hub"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/jobstore"
	"github.com/evalforge/evalforge/internal/scheduler"
	"github.com/evalforge/evalforge/web/api"
)

var (
	jobsUser   string
	jobsStatus string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs from the local database",
		RunE:  runJobs,
	}
	jobsCmd.Flags().StringVar(&jobsUser, "user", "", "filter by owner")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	rootCmd.AddCommand(jobsCmd)

	schedulesCmd := &cobra.Command{
		Use:   "schedules",
		Short: "List configured benchmark schedules",
		RunE:  runSchedules,
	}
	rootCmd.AddCommand(schedulesCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func limitsFromConfig(cfg *config.Config) scheduler.Limits {
	return scheduler.Limits{
		SubmissionsPerWindow: cfg.Limits.SubmissionsPerWindow,
		Window:               time.Duration(cfg.Limits.WindowMinutes) * time.Minute,
		MaxRunningPerUser:    cfg.Limits.MaxRunningPerUser,
		MaxRunningGlobal:     cfg.Limits.MaxRunningGlobal,
		RecentJobs:           cfg.Limits.RecentJobs,
	}
}

// lateSink defers the event sink choice until the hub exists. The hub
// needs the scheduler for sync snapshots and the scheduler needs a sink
// at construction; the sink field is set before any job can run.
type lateSink struct {
	sink driver.Sink
}

func (l *lateSink) Publish(owner, msgType string, payload interface{}) {
	if l.sink != nil {
		l.sink.Publish(owner, msgType, payload)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := jobstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	// Jobs left running by a previous process are marked interrupted;
	// queued jobs are re-queued by Restore below.
	interrupted, err := store.RecoverInterrupted(time.Now())
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if interrupted > 0 {
		logrus.WithField("count", interrupted).Warn("marked interrupted jobs from previous run")
	}

	inv := buildInvoker(cfg)

	sink := &lateSink{}
	sched := scheduler.New(store, sink, inv, driver.Defaults(), limitsFromConfig(cfg))

	h := hub.New(sched, hub.Options{
		PingInterval:    time.Duration(cfg.Hub.PingIntervalSecs) * time.Second,
		MissedPongLimit: cfg.Hub.MissedPongLimit,
	})
	sink.sink = h

	if err := sched.Restore(); err != nil {
		return fmt.Errorf("restoring jobs: %w", err)
	}

	batchSched, err := batch.NewScheduler(cfg.Schedules)
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}
	go batchSched.Start(sched)
	defer batchSched.Stop()

	watcher, err := config.NewWatcher(configFilePath(), func(updated *config.Config) {
		sched.UpdateLimits(limitsFromConfig(updated))
	})
	if err != nil {
		logrus.WithError(err).Warn("config watcher unavailable, limits need a restart to change")
	} else {
		go watcher.Start()
		defer watcher.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(sched, store, h, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("shutting down")
	}

	sched.Shutdown()
	return nil
}

func buildInvoker(cfg *config.Config) invoker.Invoker {
	base := invoker.NewHTTP(
		cfg.Invoker.Endpoint,
		cfg.Invoker.AuthHeader,
		cfg.Invoker.AuthValue,
		time.Duration(cfg.Invoker.TimeoutSecs)*time.Second,
	)
	retrying := invoker.NewRetrying(base, invoker.RetryPolicy{
		InitialInterval: time.Duration(cfg.Invoker.RetryInitialMs) * time.Millisecond,
		MaxElapsed:      time.Duration(cfg.Invoker.RetryMaxElapsed) * time.Second,
	})
	return invoker.NewGated(retrying, cfg.Invoker.MaxPerTarget)
}

func configFilePath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := jobstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.ListJobs(jobstore.ListOptions{
		Owner:  jobsUser,
		Status: domain.JobStatus(jobsStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tOWNER\tSTATUS\tPROGRESS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			j.ID, j.Type, j.OwnerID, j.Status, j.ProgressPct,
			j.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(cfg.Schedules) == 0 {
		fmt.Println("No schedules configured")
		return nil
	}

	batchSched, err := batch.NewScheduler(cfg.Schedules)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tOWNER\tNEXT RUN")
	for _, sched := range cfg.Schedules {
		next := batchSched.NextRun(sched.Name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			sched.Name, sched.Cron, sched.Owner, next.Format(time.RFC3339))
	}
	return w.Flush()
}

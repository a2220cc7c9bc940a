package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agentd-io/agentd/pkg/agentproc"
	"github.com/agentd-io/agentd/pkg/api"
	"github.com/agentd-io/agentd/pkg/config"
	"github.com/agentd-io/agentd/pkg/engine"
	"github.com/agentd-io/agentd/pkg/events"
	"github.com/agentd-io/agentd/pkg/logging"
	"github.com/agentd-io/agentd/pkg/models"
	"github.com/agentd-io/agentd/pkg/notify"
	"github.com/agentd-io/agentd/pkg/observability"
	"github.com/agentd-io/agentd/pkg/orchestrator"
	"github.com/agentd-io/agentd/pkg/scheduler"
	"github.com/agentd-io/agentd/pkg/store"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Personal automation backend running coding-agent jobs on schedules",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "agentd.yaml", "path to config file")

	root.AddCommand(serveCmd(), syncCmd(), runCmd(), jobsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles the wired components. Clients are constructed once here and
// injected; no process-wide singletons.
type runtime struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	hub      *events.Hub
	notifier notify.Notifier
	mailer   notify.Mailer
	metrics  *observability.MetricsRegistry
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	hub := events.NewHub(logging.NewComponentLogger("events"))

	var notifier notify.Notifier = notify.NopNotifier()
	if cfg.Notify.URL != "" {
		notifier = notify.NewPushClient(cfg.Notify.URL, cfg.Notify.Topic)
	}
	var mailer notify.Mailer = notify.NopMailer()
	if cfg.Email.WebhookURL != "" {
		mailer = notify.NewWebhookMailer(cfg.Email.WebhookURL)
	}

	metrics := observability.NewMetricsRegistry()
	adapter := agentproc.NewAdapter(logging.NewComponentLogger("agentproc"))

	orch := orchestrator.New(adapter, st, hub,
		logging.NewComponentLogger("orchestrator"),
		orchestrator.Config{
			WorkspaceRoot:    cfg.WorkspaceRoot,
			AgentCommand:     cfg.AgentCommand,
			AgentTimeout:     cfg.AgentTimeout.Std(),
			SynthesisTimeout: cfg.SynthesisTimeout.Std(),
			MaxAttempts:      cfg.Retry.MaxAttempts,
			Backoff:          cfg.BackoffLadder(),
		})

	eng := engine.New(st, adapter, orch, notifier, mailer, hub,
		logging.NewComponentLogger("engine"), metrics,
		engine.Config{
			AgentCommand: cfg.AgentCommand,
			WorkDir:      cfg.WorkDir,
			RunTimeout:   cfg.RunTimeout.Std(),
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Backoff:      cfg.BackoffLadder(),
		})

	sched := scheduler.New(st, eng, logging.NewComponentLogger("scheduler"), metrics)

	return &runtime{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		sched:    sched,
		hub:      hub,
		notifier: notifier,
		mailer:   mailer,
		metrics:  metrics,
	}, nil
}

func (r *runtime) close() {
	r.hub.Close()
	if err := r.notifier.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close notifier: %v\n", err)
	}
	if err := r.mailer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close mailer: %v\n", err)
	}
	if err := r.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close store: %v\n", err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, execution engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := rt.sched.Start(ctx); err != nil {
				return err
			}

			srv := api.NewServer(rt.store, rt.engine, rt.sched, rt.hub, rt.metrics,
				logging.NewComponentLogger("api"))
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Run(rt.cfg.ListenAddr)
			}()

			select {
			case <-ctx.Done():
				rt.sched.Stop()
				<-rt.sched.Done()
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile triggers against the job store once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.sched.Sync(); err != nil {
				return err
			}
			for _, t := range rt.sched.Triggers() {
				fmt.Printf("%s  %-9s  %-16s  next %s\n",
					t.JobID, t.Kind, t.Schedule, t.NextFire.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Execute one job now, with the standard retry policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := rt.engine.ExecuteJobWithRetry(cmd.Context(), args[0], 0)
			if err != nil {
				return err
			}
			fmt.Println(result.Output)
			if result.ExitCode != 0 {
				return fmt.Errorf("job failed with exit code %d", result.ExitCode)
			}
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Manage job definitions",
	}

	jobs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			all, err := rt.store.ListJobs(false)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN")
			for _, j := range all {
				next := "-"
				if j.NextRun != 0 {
					next = j.NextRunTime().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", j.ID, j.Name, j.Schedule, j.Enabled, next)
			}
			return w.Flush()
		},
	})

	var (
		addName     string
		addDesc     string
		addCommand  string
		addArgs     string
		addSchedule string
		addNotify   string
		addPriority string
		addMetadata string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			job := &models.Job{
				Name:        addName,
				Description: addDesc,
				Command:     addCommand,
				Args:        addArgs,
				Schedule:    addSchedule,
				Enabled:     true,
				Priority:    models.Priority(addPriority),
				NotifyOn:    addNotify,
				Metadata:    addMetadata,
			}
			if err := rt.store.PutJob(job); err != nil {
				return err
			}
			fmt.Println(job.ID)
			return nil
		},
	}
	add.Flags().StringVar(&addName, "name", "", "job name")
	add.Flags().StringVar(&addDesc, "description", "", "job description")
	add.Flags().StringVar(&addCommand, "command", "", "command identifier passed to the agent")
	add.Flags().StringVar(&addArgs, "args", "", "argument payload passed to the agent")
	add.Flags().StringVar(&addSchedule, "schedule", "", "5-field cron schedule")
	add.Flags().StringVar(&addNotify, "notify-on", "", "comma-separated subset of completion,error")
	add.Flags().StringVar(&addPriority, "priority", "default", "low|default|high|urgent")
	add.Flags().StringVar(&addMetadata, "metadata", "", "JSON metadata blob (may embed an agent pipeline)")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("schedule")
	jobs.AddCommand(add)

	jobs.AddCommand(&cobra.Command{
		Use:   "rm <job-id>",
		Short: "Delete a job and its trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.store.DeleteJob(args[0])
		},
	})

	jobs.AddCommand(toggleCmd("enable", true), toggleCmd("disable", false))
	return jobs
}

func toggleCmd(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job-id>",
		Short: name + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			job, err := rt.store.GetJob(args[0])
			if err != nil {
				return err
			}
			job.Enabled = enabled
			return rt.store.PutJob(job)
		},
	}
}

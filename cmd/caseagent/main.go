package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/meridian/caseagent/internal/bus"
	"github.com/meridian/caseagent/internal/collab"
	"github.com/meridian/caseagent/internal/config"
	otelPkg "github.com/meridian/caseagent/internal/otel"
	"github.com/meridian/caseagent/internal/registry"
	"github.com/meridian/caseagent/internal/scheduler"
	"github.com/meridian/caseagent/internal/service"
	"github.com/meridian/caseagent/internal/shared"
	"github.com/meridian/caseagent/internal/specialist"
	"github.com/meridian/caseagent/internal/store"
	"github.com/meridian/caseagent/internal/telemetry"
	"github.com/meridian/caseagent/internal/tools"
	"github.com/meridian/caseagent/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the agent daemon (scheduler + triggers)

SUBCOMMANDS:
  %s trigger [options]        Enqueue a specialist job
                              Options: -specialist <type> -org <id> [-case <id>] [-context <json>]
  %s job <job-id>             Show a job and its action log
  %s jobs [options]           List jobs
                              Options: -org <id> -case <id> -specialist <type> -status <status>
  %s approve <action-id>      Resolve a pending action as approved
  %s reject <action-id>       Resolve a pending action as rejected
  %s pass <trigger>           Run one scheduler pass now
                              Triggers: portfolio_review, certificate_watch
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CASEAGENT_HOME          Data directory (default: ~/.caseagent)
  ANTHROPIC_API_KEY       Required for the api transport
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "trigger":
			os.Exit(runTriggerCommand(ctx, args[1:]))
		case "job":
			os.Exit(runJobCommand(ctx, args[1:]))
		case "jobs":
			os.Exit(runJobsCommand(ctx, args[1:]))
		case "approve":
			os.Exit(runApprovalCommand(ctx, args[1:], true))
		case "reject":
			os.Exit(runApprovalCommand(ctx, args[1:], false))
		case "pass":
			os.Exit(runPassCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load("")
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	directory, err := collab.OpenDirectory(filepath.Join(cfg.HomeDir, "directory.db"))
	if err != nil {
		fatalStartup(logger, "E_DIRECTORY_OPEN", err)
	}
	defer directory.Close()

	compliance := &collab.RuleChecker{Cases: directory, Certs: directory, Events: directory}
	outbox := collab.NewOutbox(directory)
	planner := &collab.CapacityAdvisor{Certs: directory}

	invoker, err := buildInvoker(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_TRANSPORT_INIT", err)
	}

	var runner specialist.Runner
	switch cfg.Loop.Strategy {
	case "iterative":
		runner = &specialist.IterativeRunner{
			Invoker:     invoker,
			Store:       st,
			Logger:      logger,
			Metrics:     metrics,
			MaxTurns:    cfg.Loop.MaxTurns,
			CallTimeout: cfg.CallTimeout(),
		}
	case "plan":
		planRunner, err := specialist.NewPlanRunner(invoker, st, logger, metrics, cfg.RunTimeout())
		if err != nil {
			fatalStartup(logger, "E_RUNNER_INIT", err)
		}
		runner = planRunner
	default:
		fatalStartup(logger, "E_RUNNER_INIT", fmt.Errorf("unknown loop strategy %q", cfg.Loop.Strategy))
	}

	dispatcher := &specialist.Dispatcher{
		Store:   st,
		Runner:  runner,
		Bus:     eventBus,
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	}

	reg := registry.New()
	if err := tools.RegisterAll(reg, tools.Deps{
		Cases:      directory,
		Certs:      directory,
		Compliance: compliance,
		Email:      outbox,
		Planner:    planner,
		Timeline:   directory,
		Actions:    directory,
		Store:      st,
		Logger:     logger,
		// Chained jobs run outside the scheduler's sequential pass.
		Launch: func(jobID string) {
			go func() {
				runCtx := shared.WithTraceID(context.Background(), shared.NewTraceID())
				if err := dispatcher.Execute(runCtx, jobID); err != nil {
					logger.Error("chained job failed", "job_id", jobID, "error", err)
				}
			}()
		},
	}); err != nil {
		fatalStartup(logger, "E_TOOLS_REGISTER", err)
	}
	dispatcher.Registry = reg
	logger.Info("startup phase", "phase", "tools_registered", "tools", len(reg.Names()))

	sched := scheduler.New(scheduler.Config{
		Store:                st,
		Cases:                directory,
		Certs:                directory,
		Executor:             dispatcher,
		Bus:                  eventBus,
		Logger:               logger,
		Metrics:              metrics,
		PortfolioCron:        cfg.Scheduler.PortfolioCron,
		CertificateCron:      cfg.Scheduler.CertificateCron,
		ExpiryWindowDays:     cfg.Scheduler.ExpiryWindowDays,
		FollowupPollInterval: time.Duration(cfg.Scheduler.FollowupPollSeconds) * time.Second,
	})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	svc := service.New(service.Config{
		Store:     st,
		Scheduler: sched,
		Executor:  dispatcher,
		Logger:    logger,
	})
	defer svc.Close()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "config.yaml" {
					continue
				}
				newCfg, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				// Transport, loop, and scheduler cadence are fixed at
				// startup; only the log level applies live.
				if newCfg.LogLevel != cfg.LogLevel {
					logger.Info("log level change requires restart",
						"current", cfg.LogLevel, "new", newCfg.LogLevel)
				}
				logger.Info("config reloaded", "path", ev.Path)
			}
		}()
	}

	logger.Info("daemon ready",
		"transport", cfg.Transport.Mode,
		"strategy", cfg.Loop.Strategy,
		"scheduler", sched.Status().Running)

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func buildInvoker(cfg *config.Config, logger *slog.Logger) (transport.Invoker, error) {
	switch cfg.Transport.Mode {
	case "cli":
		return transport.NewCLI(transport.CLIConfig{
			Path:           cfg.Transport.CLIPath,
			Model:          cfg.Transport.Model,
			StdinThreshold: cfg.Transport.StdinThresholdBytes,
			Logger:         logger,
		}), nil
	case "api":
		return transport.NewAPI(transport.APIConfig{
			APIKey: os.Getenv(cfg.Transport.APIKeyEnv),
			Model:  cfg.Transport.Model,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}

// openService builds a service over the daemon's database for one-shot
// subcommands. No executor: subcommand-created jobs stay queued until a
// running daemon picks them up via its scheduler or a manual pass.
func openService(quietLogger *slog.Logger) (*service.Service, *store.Store, *collab.Directory, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	directory, err := collab.OpenDirectory(filepath.Join(cfg.HomeDir, "directory.db"))
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	svc := service.New(service.Config{Store: st, Logger: quietLogger})
	return svc, st, directory, nil
}

func commandLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func runTriggerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	specialistType := fs.String("specialist", "", "specialist type (coordinator, return-to-work, recovery, certificate)")
	orgID := fs.String("org", "", "organization id")
	caseID := fs.String("case", "", "case id")
	contextJSON := fs.String("context", "", "job context as a JSON object")
	_ = fs.Parse(args)

	var jobContext map[string]any
	if *contextJSON != "" {
		if err := json.Unmarshal([]byte(*contextJSON), &jobContext); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -context: %v\n", err)
			return 2
		}
	}

	svc, st, directory, err := openService(commandLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	defer directory.Close()

	jobID, err := svc.Trigger(ctx, service.TriggerRequest{
		OrgID:      *orgID,
		CaseID:     *caseID,
		Specialist: *specialistType,
		Context:    jobContext,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(jobID)
	return 0
}

func runJobCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: caseagent job <job-id>")
		return 2
	}
	svc, st, directory, err := openService(commandLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	defer directory.Close()

	status, err := svc.Status(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printJSON(status)
}

func runJobsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	orgID := fs.String("org", "", "filter by organization id")
	caseID := fs.String("case", "", "filter by case id")
	specialistType := fs.String("specialist", "", "filter by specialist type")
	status := fs.String("status", "", "filter by status (queued, running, completed, failed)")
	limit := fs.Int("limit", 50, "maximum rows")
	_ = fs.Parse(args)

	svc, st, directory, err := openService(commandLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	defer directory.Close()

	jobs, err := svc.Jobs(ctx, store.JobFilter{
		OrgID:      *orgID,
		CaseID:     *caseID,
		Specialist: *specialistType,
		Status:     store.JobStatus(*status),
		Limit:      *limit,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printJSON(jobs)
}

func runApprovalCommand(ctx context.Context, args []string, approve bool) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: caseagent %s <action-id>\n", map[bool]string{true: "approve", false: "reject"}[approve])
		return 2
	}
	svc, st, directory, err := openService(commandLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	defer directory.Close()

	approver := os.Getenv("USER")
	if approver == "" {
		approver = "operator"
	}
	if approve {
		err = svc.ApproveAction(ctx, args[0], approver)
	} else {
		err = svc.RejectAction(ctx, args[0], approver)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("ok")
	return 0
}

func runPassCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: caseagent pass <portfolio_review|certificate_watch>")
		return 2
	}
	logger := commandLogger()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	directory, err := collab.OpenDirectory(filepath.Join(cfg.HomeDir, "directory.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer directory.Close()

	invoker, err := buildInvoker(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	runner, err := specialist.NewPlanRunner(invoker, st, logger, nil, cfg.RunTimeout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	dispatcher := &specialist.Dispatcher{Store: st, Runner: runner, Logger: logger}

	reg := registry.New()
	if err := tools.RegisterAll(reg, tools.Deps{
		Cases:      directory,
		Certs:      directory,
		Compliance: &collab.RuleChecker{Cases: directory, Certs: directory, Events: directory},
		Email:      collab.NewOutbox(directory),
		Planner:    &collab.CapacityAdvisor{Certs: directory},
		Timeline:   directory,
		Actions:    directory,
		Store:      st,
		Logger:     logger,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	dispatcher.Registry = reg

	sched := scheduler.New(scheduler.Config{
		Store: st, Cases: directory, Certs: directory, Executor: dispatcher,
		Logger: logger, ExpiryWindowDays: cfg.Scheduler.ExpiryWindowDays,
	})
	svc := service.New(service.Config{Store: st, Scheduler: sched, Logger: logger})

	created, err := svc.RunPass(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("created %d job(s)\n", created)
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agentcore","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

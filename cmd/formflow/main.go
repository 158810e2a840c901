package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/formflow/formflow/internal/actions"
	"github.com/formflow/formflow/internal/engine"
	"github.com/formflow/formflow/internal/logging"
	"github.com/formflow/formflow/internal/scheduler"
	"github.com/formflow/formflow/internal/store"
	"github.com/formflow/formflow/internal/trigger"
	"github.com/formflow/formflow/internal/validation"
	"github.com/formflow/formflow/pkg/schema"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "submit":
		err = runSubmit(os.Args[2:])
	case "resume":
		err = runResume(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "formflow:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: formflow [command]

commands:
  serve                               run the engine daemon (default)
  submit <form-id> <payload.json>     trigger workflows for a form submission
  resume <execution-id> [payload.json] wake a waiting execution, merging the payload
  validate <definition.json>          check a workflow definition file`)
}

// app bundles the wired components shared by the commands.
type app struct {
	store    *store.LibSQLStore
	registry *actions.Registry
	engine   *engine.Engine
	trigger  *trigger.Service
	logger   *slog.Logger
}

func buildApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, logger); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register builtin actions: %w", err)
	}

	eng, err := engine.NewEngine(st, registry, logger, engine.Options{
		MaxNodeVisits: cfg.MaxNodeVisits,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	return &app{
		store:    st,
		registry: registry,
		engine:   eng,
		trigger:  trigger.NewService(st, eng, logger),
		logger:   logger,
	}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}

// runServe starts the scheduler loop and blocks until a signal arrives.
func runServe() error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	pool := engine.NewWorkerPool(cfg.PoolSize)
	defer pool.Shutdown()

	sched := scheduler.NewScheduler(a.store, a.engine, pool, a.logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.logger.Info("formflow engine started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
	)

	<-ctx.Done()
	a.logger.Info("shutting down")

	if err := sched.Stop(); err != nil {
		a.logger.Warn("scheduler stop failed", slog.String("error", err.Error()))
	}
	pool.Wait()
	return nil
}

// runSubmit triggers every workflow bound to the form, reading the
// submission payload from a JSON file.
func runSubmit(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: formflow submit <form-id> <payload.json>")
	}
	formID, payloadPath := args[0], args[1]

	data, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.trigger.TriggerWorkflowsForFormSubmission(ctx, formID, payload, "", "")
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no active workflows matched form", formID)
		return nil
	}
	for _, r := range results {
		if r.Success {
			fmt.Printf("workflow %s: execution %s\n", r.WorkflowID, r.ExecutionID)
		} else {
			fmt.Printf("workflow %s: failed: %s\n", r.WorkflowID, r.Error)
		}
	}
	return nil
}

// runResume wakes a waiting execution, optionally delivering arrived data
// (an approval decision, a late form field) from a JSON payload file.
func runResume(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: formflow resume <execution-id> [payload.json]")
	}
	executionID := args[0]

	var payload map[string]any
	if len(args) > 1 {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	exec, err := a.engine.Resume(ctx, executionID, engine.ResumeInput{Payload: payload})
	if err != nil {
		return err
	}
	fmt.Printf("execution %s: %s\n", exec.ID, exec.Status)
	return nil
}

// runValidate checks a workflow definition file and prints every issue.
func runValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: formflow validate <definition.json>")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	registry := actions.NewRegistry()
	logger := newLogger("error")
	if err := actions.RegisterBuiltins(registry, logger); err != nil {
		return err
	}
	wv, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return err
	}

	result := wv.Validate(&def)
	for _, issue := range result.Errors {
		fmt.Printf("error: %s: %s\n", issue.Path, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("warning: %s: %s\n", issue.Path, issue.Message)
	}
	if !result.Valid() {
		return fmt.Errorf("definition is invalid (%d errors)", len(result.Errors))
	}
	fmt.Println("definition is valid")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forgeflow/internal/bus"
	"forgeflow/internal/config"
	"forgeflow/internal/controller"
	"forgeflow/internal/logging"
	"forgeflow/internal/registry"
	"forgeflow/internal/state"
	"forgeflow/internal/workflow"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forgeflow",
	Short: "forgeflow - multi-agent delivery workflow orchestrator",
	Long: `forgeflow drives software-delivery projects through a fixed twelve-phase
workflow: discovery, architecture, cost optimization, infrastructure design
and implementation, deployment, validation, application work, and a parallel
finalization group.

Executions are crash-safe: every phase boundary is checkpointed and an
interrupted run can be resumed with 'forgeflow resume'. Agent errors feed a
self-learning pipeline that proposes, validates, and (optionally) applies
fixes under a safety controller, with a full audit trail.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
			workspace = wd
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// runtime bundles the orchestration core for one CLI invocation.
type runtime struct {
	cfg        *config.Config
	store      *state.Store
	holder     *registry.Holder
	bus        *bus.Bus
	controller *controller.Controller
}

// deliveryInvoker is the bus invoker for CLI invocations. Agent processes
// are hosted outside the orchestrator; deliveries are journalled so the host
// integration can pick them up.
type deliveryInvoker struct{}

func (deliveryInvoker) Invoke(ctx context.Context, agentID string, msg *bus.Message) error {
	logging.Bus("delivered %s message %s to %s (phase %d)", msg.Type, msg.ID, agentID, msg.Phase)
	return nil
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(cfg.StateRoot)
	if err != nil {
		return nil, err
	}

	reg := registry.DefaultRegistry()
	manifest := filepath.Join(workspace, ".forgeflow", "agents.yaml")
	if loaded, err := registry.LoadManifest(manifest); err == nil {
		reg = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("agent manifest ignored", zap.String("path", manifest), zap.Error(err))
	}
	holder := registry.NewHolder(reg)

	b := bus.New(cfg.Bus, deliveryInvoker{})
	b.Start(ctx)

	ctrl := controller.New(cfg.Controller, workflow.Default(), holder, store, b)
	return &runtime{cfg: cfg, store: store, holder: holder, bus: b, controller: ctrl}, nil
}

func (r *runtime) shutdown() {
	r.controller.Close()
	r.bus.Stop()
}

// runCmd starts a new execution
var runCmd = &cobra.Command{
	Use:   "run [project]",
	Short: "Start a new workflow execution for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		execID, err := rt.controller.Start(ctx, controller.ProjectConfig{Name: args[0]})
		if err != nil {
			return fmt.Errorf("failed to start execution: %w", err)
		}
		logger.Info("execution started", zap.String("execution_id", execID), zap.String("project", args[0]))
		fmt.Println(execID)
		return nil
	},
}

// resumeCmd resumes an interrupted execution
var resumeCmd = &cobra.Command{
	Use:   "resume [executionId]",
	Short: "Resume an interrupted execution from its latest checkpoint",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		var execID string
		var phase int
		if len(args) == 1 {
			execID = args[0]
			phase, err = rt.controller.Resume(ctx, execID)
		} else {
			execID, phase, err = rt.controller.ResumeLatest(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
		logger.Info("execution resumed", zap.String("execution_id", execID), zap.Int("phase", phase))
		fmt.Printf("%s resumed at phase %d\n", execID, phase)
		return nil
	},
}

// approveCmd resolves a pending approval gate
var approveCmd = &cobra.Command{
	Use:   "approve <executionId> <phase> <approve|reject|revise> [feedback]",
	Short: "Resolve a pending approval gate for an execution",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		execID := args[0]
		phase, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("phase must be a number: %w", err)
		}
		decision := controller.Decision(args[2])
		feedback := ""
		if len(args) == 4 {
			feedback = args[3]
		}

		if _, err := rt.controller.Resume(ctx, execID); err != nil {
			return fmt.Errorf("failed to load execution: %w", err)
		}
		next, err := rt.controller.SubmitApproval(execID, phase, decision, feedback)
		if err != nil {
			return fmt.Errorf("approval failed: %w", err)
		}

		switch next {
		case workflow.PhaseEnd:
			fmt.Println("workflow completed")
		case workflow.PhaseEscalation:
			fmt.Println("execution escalated")
		case workflow.PhaseRollback:
			fmt.Println("deployment rolled back, execution failed")
		default:
			fmt.Printf("execution at phase %d\n", next)
		}
		return nil
	},
}

// statusCmd shows execution state
var statusCmd = &cobra.Command{
	Use:   "status [executionId]",
	Short: "Show one execution, or summarize all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(workspace)
		if err != nil {
			return err
		}
		store, err := state.NewStore(cfg.StateRoot)
		if err != nil {
			return err
		}

		if len(args) == 1 {
			exec, err := store.LoadExecution(args[0])
			if err != nil {
				return err
			}
			return printJSON(exec)
		}

		execs, err := store.ListExecutions()
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			fmt.Println("no executions")
			return nil
		}
		for _, e := range execs {
			fmt.Printf("%s  %-12s phase %2d  %s\n",
				e.ID, strings.TrimPrefix(string(e.Status), "/"), e.CurrentPhase, e.Project)
		}
		return nil
	},
}

// cancelCmd cancels a running execution
var cancelCmd = &cobra.Command{
	Use:   "cancel <executionId> [reason]",
	Short: "Cancel an execution and drop its pending work",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		execID := args[0]
		reason := "cancelled by operator"
		if len(args) == 2 {
			reason = args[1]
		}

		if _, err := rt.controller.Resume(ctx, execID); err != nil {
			return fmt.Errorf("failed to load execution: %w", err)
		}
		if err := rt.controller.Cancel(execID, reason); err != nil {
			return fmt.Errorf("cancel failed: %w", err)
		}
		fmt.Printf("%s cancelled\n", execID)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(applyLearningCmd)
	rootCmd.AddCommand(revertLearningCmd)
	rootCmd.AddCommand(viewLearningLogCmd)
	rootCmd.AddCommand(viewLearningStatsCmd)
	rootCmd.AddCommand(learningStatusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

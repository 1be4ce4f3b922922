package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"forgeflow/internal/config"
	"forgeflow/internal/learning"
	"forgeflow/internal/monitor"
	"forgeflow/internal/safety"
)

// CommandResult is the structured envelope every learning command prints.
type CommandResult struct {
	Success    bool      `json:"success"`
	Command    string    `json:"command"`
	Message    string    `json:"message,omitempty"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// emitResult prints the envelope and maps failure onto the exit code.
func emitResult(command string, start time.Time, message string, data any, err error) error {
	result := CommandResult{
		Success:    err == nil,
		Command:    command,
		Message:    message,
		Data:       data,
		Timestamp:  time.Now(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return encErr
	}
	if err != nil {
		// The envelope already carries the detail; keep stderr terse.
		return fmt.Errorf("%s failed", command)
	}
	return nil
}

// openPipeline builds the learning pipeline over the workspace state root.
func openPipeline() (*learning.Pipeline, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return learning.NewPipeline(cfg.StateRoot, cfg.Learning, safety.New(cfg.Safety), monitor.New(cfg.Monitor), nil, nil)
}

var (
	applyChangeID string
	applyDryRun   bool
)

// applyLearningCmd applies a validated fix proposal
var applyLearningCmd = &cobra.Command{
	Use:   "apply-learning",
	Short: "Apply a validated fix proposal (or preview it with --dry-run)",
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		p, err := openPipeline()
		if err != nil {
			return emitResult("apply-learning", start, "", nil, err)
		}
		defer p.Close()

		changeID := applyChangeID
		if changeID == "" {
			pending := p.PendingChanges()
			if len(pending) == 0 {
				return emitResult("apply-learning", start, "no pending changes", nil, nil)
			}
			changeID = pending[0].ChangeID
		}

		outcome, err := p.ApplyChange(cmd.Context(), changeID, applyDryRun)
		msg := fmt.Sprintf("change %s applied", changeID)
		if applyDryRun {
			msg = fmt.Sprintf("change %s validated (dry run, not applied)", changeID)
		}
		return emitResult("apply-learning", start, msg, outcome, err)
	},
}

var revertReason string

// revertLearningCmd rolls an applied change back
var revertLearningCmd = &cobra.Command{
	Use:   "revert-learning <changeId>",
	Short: "Roll an applied change back to its pre-apply state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		p, err := openPipeline()
		if err != nil {
			return emitResult("revert-learning", start, "", nil, err)
		}
		defer p.Close()

		result, err := p.Revert(args[0], revertReason)
		return emitResult("revert-learning", start, fmt.Sprintf("change %s reverted", args[0]), result, err)
	},
}

var (
	logLimit  int
	logStatus string
)

// viewLearningLogCmd lists captured errors
var viewLearningLogCmd = &cobra.Command{
	Use:   "view-learning-log",
	Short: "List captured errors, optionally filtered by resolution status",
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		p, err := openPipeline()
		if err != nil {
			return emitResult("view-learning-log", start, "", nil, err)
		}
		defer p.Close()

		entries, err := p.Log(logLimit, logStatus)
		return emitResult("view-learning-log", start, fmt.Sprintf("%d entries", len(entries)), entries, err)
	},
}

// viewLearningStatsCmd summarizes the learning history
var viewLearningStatsCmd = &cobra.Command{
	Use:   "view-learning-stats",
	Short: "Summarize error patterns, audit history, and pipeline metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		p, err := openPipeline()
		if err != nil {
			return emitResult("view-learning-stats", start, "", nil, err)
		}
		defer p.Close()

		stats, err := p.LearningStats()
		return emitResult("view-learning-stats", start, "", stats, err)
	},
}

// learningStatusCmd shows pipeline configuration and health
var learningStatusCmd = &cobra.Command{
	Use:   "learning-status",
	Short: "Show the learning pipeline's configuration and pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		p, err := openPipeline()
		if err != nil {
			return emitResult("learning-status", start, "", nil, err)
		}
		defer p.Close()

		return emitResult("learning-status", start, "", p.Status(), nil)
	},
}

func init() {
	applyLearningCmd.Flags().StringVar(&applyChangeID, "change-id", "", "Change to apply (default: oldest pending)")
	applyLearningCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Validate without mutating state")

	revertLearningCmd.Flags().StringVar(&revertReason, "reason", "manual revert", "Reason recorded in the audit trail")

	viewLearningLogCmd.Flags().IntVar(&logLimit, "limit", 20, "Maximum entries to return")
	viewLearningLogCmd.Flags().StringVar(&logStatus, "status", "", "Filter: resolved or open")
}

package applier

import (
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/egret/internal/brand"
)

// RollbackManager saves and restores ruleset checkpoints around an apply.
type RollbackManager struct {
	runner     CommandRunner
	backupPath string
	hasBackup  bool
}

// NewRollbackManager creates a rollback manager writing its checkpoint
// under the state directory.
func NewRollbackManager(runner CommandRunner) *RollbackManager {
	return &RollbackManager{
		runner:     runner,
		backupPath: filepath.Join(brand.GetStateDir(), "rollback.nft"),
	}
}

// SaveCheckpoint captures the current full ruleset as the rollback point.
func (r *RollbackManager) SaveCheckpoint() error {
	out, err := r.runner.Output("nft", "list", "ruleset")
	if err != nil {
		return fmt.Errorf("failed to list ruleset: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.backupPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(r.backupPath, out, 0600); err != nil {
		return err
	}
	r.hasBackup = true
	return nil
}

// Rollback restores the saved checkpoint. The flush and restore run as two
// commands; the restored script itself applies atomically.
func (r *RollbackManager) Rollback() error {
	if !r.hasBackup {
		return fmt.Errorf("no checkpoint saved")
	}
	data, err := os.ReadFile(r.backupPath)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := r.runner.Run("nft", "flush", "ruleset"); err != nil {
		return fmt.Errorf("failed to flush ruleset: %w", err)
	}
	if err := r.runner.RunInput(string(data), "nft", "-f", "-"); err != nil {
		return fmt.Errorf("failed to restore ruleset: %w", err)
	}
	return nil
}

// Cleanup removes the checkpoint file after a confirmed apply.
func (r *RollbackManager) Cleanup() {
	if r.hasBackup {
		os.Remove(r.backupPath)
		r.hasBackup = false
	}
}

// Package applier validates and installs compiled rulesets atomically. A
// script is checked with `nft -c` first, then handed to `nft -f` as one
// transaction: the kernel either commits the whole table or leaves the old
// one untouched. There is no partially applied state and no permissive
// window between generations.
package applier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/egret/internal/brand"
	"grimm.is/egret/internal/clock"
	"grimm.is/egret/internal/compiler"
	"grimm.is/egret/internal/logging"
)

// ErrApplyFailed marks a failed installation. The applier has already
// switched to lockdown by the time this is returned; the caller must treat
// it as fatal and not pretend the previous policy is still in force.
var ErrApplyFailed = errors.New("ruleset apply failed")

// Handle describes one successful apply.
type Handle struct {
	ID          string
	Fingerprint string
	AppliedAt   time.Time
	// Changed is false when the running table already carried this exact
	// content and the apply was skipped.
	Changed bool
}

// Applier installs compiled scripts into the kernel.
type Applier struct {
	mu     sync.Mutex
	runner CommandRunner
	rb     *RollbackManager
	logger *logging.Logger
	table  string
}

// New creates an Applier using the real nft binary.
func New() *Applier {
	return NewWithRunner(&RealCommandRunner{})
}

// NewWithRunner creates an Applier with a custom command runner (tests).
func NewWithRunner(runner CommandRunner) *Applier {
	return &Applier{
		runner: runner,
		rb:     NewRollbackManager(runner),
		logger: logging.WithComponent("applier"),
		table:  brand.TableName,
	}
}

// Validate checks a script without applying it.
func (a *Applier) Validate(script string) error {
	if err := a.runner.RunInput(script, "nft", "-c", "-f", "-"); err != nil {
		return fmt.Errorf("script validation failed: %w", err)
	}
	return nil
}

// CurrentTable returns the dump of the managed table, or ok=false when the
// table does not exist yet.
func (a *Applier) CurrentTable() (string, bool) {
	out, err := a.runner.Output("nft", "list", "table", "inet", a.table)
	if err != nil {
		return "", false
	}
	return string(out), true
}

var metadataRe = regexp.MustCompile(`comment "` + brand.LowerName + `:v[^:"]*:h=([0-9a-f]+)"`)

// CurrentFingerprint extracts the content hash from a table dump's
// metadata comment. Empty when the table predates metadata or is foreign.
func CurrentFingerprint(dump string) string {
	m := metadataRe.FindStringSubmatch(dump)
	if m == nil {
		return ""
	}
	return m[1]
}

// Apply installs a compiled script. The running table is replaced in the
// same transaction that creates the new one; only this engine's table is
// touched, any other tables on the host survive untouched. When the
// running table already carries the same content hash the apply is skipped.
//
// On failure the applier does NOT leave whatever the kernel had: it first
// tries to restore the pre-apply checkpoint, and if that also fails it
// installs a minimal lockdown table so the failure mode is deny, not allow.
func (a *Applier) Apply(script, fingerprint string) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dump, exists := a.CurrentTable()
	if exists && fingerprint != "" && CurrentFingerprint(dump) == fingerprint {
		a.logger.Info("ruleset unchanged, skipping apply", "hash", fingerprint)
		return Handle{ID: uuid.NewString(), Fingerprint: fingerprint, AppliedAt: clock.Now()}, nil
	}

	full := script
	if exists {
		// delete of a missing table is an error, so only prepend it when
		// the table is live.
		full = fmt.Sprintf("delete table inet %s\n%s", a.table, script)
	}

	if err := a.Validate(full); err != nil {
		// Nothing was touched; the running table is still in force.
		return Handle{}, fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	if err := a.rb.SaveCheckpoint(); err != nil {
		a.logger.Warn("checkpoint failed, continuing without rollback point", "error", err)
	}

	if err := a.runner.RunInput(full, "nft", "-f", "-"); err != nil {
		a.logger.Error("apply failed, entering lockdown", "error", err)
		a.failClosed()
		return Handle{}, fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	a.rb.Cleanup()
	h := Handle{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		AppliedAt:   clock.Now(),
		Changed:     true,
	}
	a.logger.Info("ruleset applied", "id", h.ID, "hash", h.Fingerprint)
	return h, nil
}

// failClosed tries checkpoint restore first, then lockdown.
func (a *Applier) failClosed() {
	if err := a.rb.Rollback(); err == nil {
		a.logger.Warn("restored pre-apply checkpoint")
		return
	}
	if err := a.Lockdown(); err != nil {
		// The chain policies from a half-validated state still drop; log
		// loudly and leave it to the operator.
		a.logger.Error("lockdown failed", "error", err)
	}
}

// Lockdown replaces the managed table with a minimal deny-all table that
// keeps loopback, established flows, and DNS alive so the environment can
// be diagnosed and repaired.
func (a *Applier) Lockdown() error {
	a.logger.Warn("installing lockdown ruleset")

	sb := compiler.NewScriptBuilder(a.table, "inet")
	if _, exists := a.CurrentTable(); exists {
		sb.AddLine(fmt.Sprintf("delete table inet %s", a.table))
	}
	sb.AddTableWithComment(brand.LowerName + ":lockdown")
	sb.AddChain(compiler.ChainInput, "filter", "input", 0, "drop")
	sb.AddChain(compiler.ChainOutput, "filter", "output", 0, "drop")
	sb.AddChain(compiler.ChainForward, "filter", "forward", 0, "drop")
	sb.AddRule(compiler.ChainInput, `iif "lo" accept`)
	sb.AddRule(compiler.ChainOutput, `oif "lo" accept`)
	sb.AddRule(compiler.ChainInput, "ct state established,related accept")
	sb.AddRule(compiler.ChainOutput, "ct state established,related accept")
	sb.AddRule(compiler.ChainOutput, "udp dport 53 accept")
	sb.AddRule(compiler.ChainOutput, "tcp dport 53 accept")

	if err := a.runner.RunInput(sb.Build(), "nft", "-f", "-"); err != nil {
		return fmt.Errorf("lockdown apply failed: %w", err)
	}
	return nil
}

// Delete removes the managed table entirely, returning the host to its
// pre-engine state. Missing table is not an error.
func (a *Applier) Delete() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.CurrentTable(); !exists {
		return nil
	}
	return a.runner.Run("nft", "delete", "table", "inet", a.table)
}

var commentClauseRe = regexp.MustCompile(` comment "[^"]*"`)

// ExtractPreserved scans the previous generation's table dump for rules
// that must survive a rebuild: rules previously carried over, plus any
// operator-added rule matching one of the patterns (by default DNS
// redirects and the like are the expected case). The engine's own band
// rules are recognized by their comment tags and skipped.
func ExtractPreserved(dump string, patterns []string) []compiler.Preserved {
	var out []compiler.Preserved
	chain := ""

	for _, line := range strings.Split(dump, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "chain ") && strings.HasSuffix(trimmed, "{") {
			chain = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(trimmed, "chain"), "{"))
			continue
		}
		if trimmed == "}" {
			chain = ""
			continue
		}
		if chain == "" || trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "type ") || strings.HasPrefix(trimmed, "policy ") {
			continue
		}

		carried := strings.Contains(trimmed, `comment "[preserved]`)
		if !carried {
			if strings.Contains(trimmed, `comment "[`) {
				continue
			}
			if !matchesAny(trimmed, patterns) {
				continue
			}
		}

		expr := strings.TrimSpace(commentClauseRe.ReplaceAllString(trimmed, ""))
		out = append(out, compiler.Preserved{Chain: chain, Expr: expr})
	}
	return out
}

func matchesAny(rule string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(rule, p) {
			return true
		}
	}
	return false
}

package applier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/egret/internal/compiler"
)

const testScript = "add table inet egret { comment \"egret:vdev:h=deadbeef\"; }\n"

func newTestApplier(t *testing.T) (*Applier, *MockCommandRunner) {
	t.Helper()
	runner := new(MockCommandRunner)
	a := NewWithRunner(runner)
	a.rb.backupPath = t.TempDir() + "/rollback.nft"
	return a, runner
}

func TestApplyFreshTable(t *testing.T) {
	a, runner := newTestApplier(t)

	// No existing table: no delete prepended, script applied verbatim.
	runner.On("Output", "nft", "list", "table", "inet", "egret").Return(nil, errors.New("No such file or directory"))
	runner.On("RunInput", testScript, "nft", "-c", "-f", "-").Return(nil)
	runner.On("Output", "nft", "list", "ruleset").Return([]byte("table inet other {\n}\n"), nil)
	runner.On("RunInput", testScript, "nft", "-f", "-").Return(nil)

	h, err := a.Apply(testScript, "deadbeef")
	require.NoError(t, err)
	assert.True(t, h.Changed)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "deadbeef", h.Fingerprint)
	runner.AssertExpectations(t)
}

func TestApplyReplacesExistingTable(t *testing.T) {
	a, runner := newTestApplier(t)

	existing := "table inet egret { comment \"egret:vdev:h=00000000\"\n}\n"
	withDelete := "delete table inet egret\n" + testScript

	runner.On("Output", "nft", "list", "table", "inet", "egret").Return([]byte(existing), nil)
	runner.On("RunInput", withDelete, "nft", "-c", "-f", "-").Return(nil)
	runner.On("Output", "nft", "list", "ruleset").Return([]byte(existing), nil)
	runner.On("RunInput", withDelete, "nft", "-f", "-").Return(nil)

	h, err := a.Apply(testScript, "deadbeef")
	require.NoError(t, err)
	assert.True(t, h.Changed)
	runner.AssertExpectations(t)
}

func TestApplyIdempotentSkip(t *testing.T) {
	a, runner := newTestApplier(t)

	existing := "table inet egret { comment \"egret:vdev:h=deadbeef\"\n}\n"
	runner.On("Output", "nft", "list", "table", "inet", "egret").Return([]byte(existing), nil)

	h, err := a.Apply(testScript, "deadbeef")
	require.NoError(t, err)
	assert.False(t, h.Changed, "same content hash must not reapply")
	runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
}

func TestApplyValidationFailureLeavesTableAlone(t *testing.T) {
	a, runner := newTestApplier(t)

	runner.On("Output", "nft", "list", "table", "inet", "egret").Return(nil, errors.New("no table"))
	runner.On("RunInput", testScript, "nft", "-c", "-f", "-").Return(errors.New("syntax error"))

	_, err := a.Apply(testScript, "deadbeef")
	assert.ErrorIs(t, err, ErrApplyFailed)
	// Validation rejects before anything is touched.
	runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
	runner.AssertNotCalled(t, "Output", "nft", "list", "ruleset")
}

func TestApplyFailureFailsClosed(t *testing.T) {
	a, runner := newTestApplier(t)

	runner.On("Output", "nft", "list", "table", "inet", "egret").Return(nil, errors.New("no table")).Once()
	runner.On("RunInput", testScript, "nft", "-c", "-f", "-").Return(nil)
	runner.On("Output", "nft", "list", "ruleset").Return(nil, errors.New("cannot list"))
	runner.On("RunInput", testScript, "nft", "-f", "-").Return(errors.New("kernel said no"))

	// Checkpoint failed above, so rollback is impossible and the lockdown
	// table goes in instead.
	runner.On("Output", "nft", "list", "table", "inet", "egret").Return(nil, errors.New("no table")).Once()
	runner.On("RunInput", mock.MatchedBy(func(s string) bool {
		return len(s) > 0 && s != testScript
	}), "nft", "-f", "-").Return(nil)

	_, err := a.Apply(testScript, "deadbeef")
	assert.ErrorIs(t, err, ErrApplyFailed)
	runner.AssertExpectations(t)
}

func TestCurrentFingerprint(t *testing.T) {
	dump := "table inet egret { comment \"egret:v1.2.0:h=cafe0123\"\n\tchain input {\n\t}\n}\n"
	assert.Equal(t, "cafe0123", CurrentFingerprint(dump))
	assert.Empty(t, CurrentFingerprint("table inet egret {\n}\n"))
	assert.Empty(t, CurrentFingerprint("table inet other { comment \"something else\"\n}\n"))
}

func TestLockdownScript(t *testing.T) {
	a, runner := newTestApplier(t)

	runner.On("Output", "nft", "list", "table", "inet", "egret").Return([]byte("table inet egret {\n}\n"), nil)

	var applied string
	runner.On("RunInput", mock.Anything, "nft", "-f", "-").Run(func(args mock.Arguments) {
		applied = args.String(0)
	}).Return(nil)

	require.NoError(t, a.Lockdown())
	assert.Contains(t, applied, "delete table inet egret")
	assert.Contains(t, applied, "policy drop;")
	assert.Contains(t, applied, `iif "lo" accept`)
	assert.Contains(t, applied, "udp dport 53 accept")
	assert.NotContains(t, applied, "@allow4", "lockdown never references allow sets")
}

func TestDeleteMissingTableIsNoop(t *testing.T) {
	a, runner := newTestApplier(t)
	runner.On("Output", "nft", "list", "table", "inet", "egret").Return(nil, errors.New("no table"))

	require.NoError(t, a.Delete())
	runner.AssertNotCalled(t, "Run", "nft", "delete", "table", "inet", "egret")
}

func TestExtractPreserved(t *testing.T) {
	dump := `table inet egret {
	comment "egret:vdev:h=cafe0123"
	chain input {
		type filter hook input priority 0; policy drop;
		iif "lo" accept comment "[core] Loopback"
	}
	chain output {
		type filter hook output priority 0; policy drop;
		ip daddr 127.0.0.11 udp dport 53 accept comment "[preserved]"
		meta skuid 1000 udp dport 53 accept
		udp dport 53 accept comment "[core] DNS"
		oif "lo" accept comment "[core] Loopback"
	}
}`

	got := ExtractPreserved(dump, []string{"dport 53"})
	require.Len(t, got, 2)
	assert.Equal(t, compiler.Preserved{Chain: "output", Expr: "ip daddr 127.0.0.11 udp dport 53 accept"}, got[0])
	assert.Equal(t, compiler.Preserved{Chain: "output", Expr: "meta skuid 1000 udp dport 53 accept"}, got[1])
}

func TestExtractPreservedIgnoresForeignChains(t *testing.T) {
	dump := "table inet egret {\n\tchain output {\n\t\ttype filter hook output priority 0; policy drop;\n\t}\n}"
	assert.Empty(t, ExtractPreserved(dump, []string{"dport 53"}))
}

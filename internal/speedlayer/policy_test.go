package speedlayer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/bridge/internal/core"
)

func policyReq(kind, text, cwd string) *Request {
	return &Request{Command: Command{Kind: kind, Text: text, Cwd: cwd}}
}

func TestPolicyEngine_FirstMatchWins(t *testing.T) {
	engine, err := NewPolicyEngine([]Rule{
		{Name: "deny-rm-root", Kind: "shell", Pattern: `^rm\s+-rf\s+/`, Verdict: "deny", Reason: "destructive_command"},
		{Name: "allow-shell", Kind: "shell", Verdict: "allow", Reason: "general_shell"},
	})
	require.NoError(t, err)

	dec, err := engine.Evaluate(context.Background(), policyReq("shell", "rm -rf /var", ""))
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, VerdictDeny, dec.Verdict)
	assert.Equal(t, "destructive_command", dec.Reason)
	assert.Equal(t, TierPolicy, dec.SourceTier)
	assert.Equal(t, 1.0, dec.Confidence)

	dec, err = engine.Evaluate(context.Background(), policyReq("shell", "ls -la", ""))
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, VerdictAllow, dec.Verdict)
	assert.Equal(t, "general_shell", dec.Reason)
}

func TestPolicyEngine_AbstainsWhenNothingMatches(t *testing.T) {
	engine, err := NewPolicyEngine([]Rule{
		{Name: "shell-only", Kind: "shell", Verdict: "allow", Reason: "shell_ok"},
	})
	require.NoError(t, err)

	dec, err := engine.Evaluate(context.Background(), policyReq("file_write", "main.go", ""))
	require.NoError(t, err)
	assert.Nil(t, dec)
}

func TestPolicyEngine_PathPrefix(t *testing.T) {
	engine, err := NewPolicyEngine([]Rule{
		{Name: "deny-etc", PathPrefix: "/etc", Verdict: "deny", Reason: "sensitive_path"},
	})
	require.NoError(t, err)

	dec, err := engine.Evaluate(context.Background(), policyReq("file_write", "/etc/passwd", ""))
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, VerdictDeny, dec.Verdict)

	// Prefix matches path elements, not raw strings.
	dec, err = engine.Evaluate(context.Background(), policyReq("file_write", "/etcetera/notes", ""))
	require.NoError(t, err)
	assert.Nil(t, dec)

	// Cwd matches too.
	dec, err = engine.Evaluate(context.Background(), policyReq("shell", "ls", "/etc/nginx"))
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, VerdictDeny, dec.Verdict)
}

func TestPolicyEngine_RejectsInvalidRules(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Verdict: "allow", Reason: "r"}},
		{"bad verdict", Rule{Name: "r", Verdict: "defer", Reason: "r"}},
		{"missing reason", Rule{Name: "r", Verdict: "allow"}},
		{"bad regex", Rule{Name: "r", Pattern: "([", Verdict: "allow", Reason: "r"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPolicyEngine([]Rule{tc.rule})
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: deny-force-push
    kind: git
    pattern: "push\\s+.*--force"
    verdict: deny
    reason: force_push_blocked
  - name: allow-git
    kind: git
    verdict: allow
    reason: git_ok
`), 0o600))

	engine, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.RuleCount())

	dec, err := engine.Evaluate(context.Background(), policyReq("git", "push origin main --force", ""))
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, VerdictDeny, dec.Verdict)
	assert.Equal(t, "force_push_blocked", dec.Reason)
}

func TestLoadPolicyFile_Missing(t *testing.T) {
	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

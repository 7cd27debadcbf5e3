package exec

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShellEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	out, err := NewRunner().RunShell(context.Background(), dir, []string{"TW_GREETING=hello"}, `echo "$TW_GREETING"; pwd`)
	require.NoError(t, err, string(out))

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0])
	assert.Equal(t, filepath.Base(dir), filepath.Base(lines[1]))
}

func TestRunShellFailure(t *testing.T) {
	out, err := NewRunner().RunShell(context.Background(), "", nil, "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, string(out), "boom", "stderr is captured")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := &ExecRunner{WaitDelay: 100 * time.Millisecond}

	start := time.Now()
	_, err := r.RunShell(ctx, "", nil, "sleep 5")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

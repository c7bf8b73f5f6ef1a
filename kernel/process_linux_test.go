package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processGone reports whether pid has exited. Zombies count as gone, since
// nothing may be left to reap them inside a container.
func processGone(pid int) bool {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	stat := string(raw)
	i := strings.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return true
	}
	state := stat[i+2]
	return state == 'Z' || state == 'X'
}

func TestProcess_TimeoutKillsChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	k := newKernel(t)
	m := NewProcess(&Spec{
		ID:      "wrapper",
		Kind:    KindProcess,
		Command: []string{"sh", "-c", fmt.Sprintf("sleep 300 & echo $! > %s; wait", pidFile)},
		Timeout: 300 * time.Millisecond,
	})

	_, err := k.Render(context.Background(), m, RenderRequest{Input: testInput()})
	require.ErrorIs(t, err, ErrModuleTimeout)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 20*time.Millisecond,
		"child %d outlived its module's timeout", pid)
}

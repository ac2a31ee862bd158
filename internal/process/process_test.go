package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotali/device-agent/internal/errs"
)

func TestLaunchWithStartCommandAndKillByMatcher(t *testing.T) {
	// The marker is embedded in the sleep duration itself (a single valid
	// numeric argument) since GNU sleep rejects any non-numeric argument,
	// which would make the spawned process exit immediately.
	marker := fmt.Sprintf("30.%d", os.Getpid())

	err := Launch(context.Background(), t.TempDir(), Binding{
		StartCommand: "sleep " + marker,
	})
	require.NoError(t, err)

	// Give the process a moment to appear in the system process table.
	time.Sleep(200 * time.Millisecond)

	matched, err := Kill(context.Background(), marker)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestKillWithNoMatchReturnsFalse(t *testing.T) {
	matched, err := Kill(context.Background(), "no-such-process-marker-zzzzz")
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestLaunchWithoutEntryFileReturnsEntryNotFound(t *testing.T) {
	err := Launch(context.Background(), t.TempDir(), Binding{EntryName: "missing.py"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrEntryNotFound))
}

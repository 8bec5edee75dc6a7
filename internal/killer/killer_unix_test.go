//go:build linux || darwin

package killer

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/portpeek/internal/models"
)

func TestSendTerminatesChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, New(nil).Send(context.Background(), cmd.Process.Pid, models.SignalTerm))

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		require.True(t, errors.As(err, &exitErr))
		assert.False(t, exitErr.Success())
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("child did not exit after SIGTERM")
	}
}

func TestSendToMissingProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	err := New(nil).Send(context.Background(), cmd.Process.Pid, models.SignalTerm)
	require.Error(t, err)
	assert.Equal(t, "The process may have already terminated.", Suggestion(err))
}

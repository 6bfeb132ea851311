package transcode

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests run a stand-in command instead of ffmpeg; the task machinery
// only cares about a process with stdout and a process group.

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Options{FFmpegPath: "/nonexistent/ffmpeg"}, strings.NewReader(""))
	assert.Error(t, err)
}

func TestStartPipesInputThrough(t *testing.T) {
	// cat in place of ffmpeg shows the body entering on stdin and leaving
	// on stdout without the process opening anything itself.
	task, err := startCommand(context.Background(), "/bin/cat", nil, strings.NewReader("UPSTREAMBODY"))
	require.NoError(t, err)

	out, err := io.ReadAll(task.Output())
	require.NoError(t, err)
	assert.Equal(t, "UPSTREAMBODY", string(out))
	assert.NoError(t, task.Wait())
}

func TestCancelKillsProcess(t *testing.T) {
	// sleep via sh so there is a process group with a child.
	task := startShell(t, "sleep 30")

	done := make(chan error, 1)
	go func() { done <- task.Wait() }()

	task.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "signal-terminated exit is not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("process did not die after Cancel")
	}
}

func TestCancelIdempotent(t *testing.T) {
	task := startShell(t, "sleep 30")
	task.Cancel()
	task.Cancel()
	require.NoError(t, task.Wait())
}

func TestDoneClosesOnNaturalExit(t *testing.T) {
	task := startShell(t, "echo payload")

	out, err := io.ReadAll(task.Output())
	require.NoError(t, err)
	assert.Contains(t, string(out), "payload")

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after exit")
	}
	assert.NoError(t, task.Wait())
}

// startShell builds a Task around `sh -c script` using the same process
// machinery Start uses.
func startShell(t *testing.T, script string) *Task {
	t.Helper()
	task, err := startCommand(context.Background(), "/bin/sh", []string{"-c", script}, nil)
	require.NoError(t, err)
	return task
}

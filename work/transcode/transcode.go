// Package transcode runs ffmpeg over an already-fetched upstream body,
// remuxing video and re-encoding audio to something set-top players
// actually accept. ffmpeg never opens a network connection of its own; the
// caller pipes the stream in, so every byte entered through the vetted
// fetch path. Each stream gets its own process, cancellable from the
// session registry.
package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
)

// Options configures a transcode run.
type Options struct {
	FFmpegPath   string
	PreInput     []string // extra args before -i
	PreOutput    []string // extra args before the output target
	AudioBitrate string
	Format       string // "mpegts" for live, "mp4" for VOD
}

// Task is one running ffmpeg process. Output is read from Stdout; Cancel
// kills the whole process group.
type Task struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	cancelOnce sync.Once
	doneOnce   sync.Once
	waitErr    error
	done       chan struct{}
}

// Start launches ffmpeg reading the upstream body from stdin and writing
// the remuxed stream to the task's stdout. Video is copied, audio forced to
// AAC; mp4 output gets fragmented movflags so it can stream without a
// seekable sink.
func Start(ctx context.Context, opts Options, input io.Reader) (*Task, error) {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.AudioBitrate == "" {
		opts.AudioBitrate = "128k"
	}
	if opts.Format == "" {
		opts.Format = "mpegts"
	}

	args := []string{"-hide_banner", "-loglevel", "warning"}
	args = append(args, opts.PreInput...)
	args = append(args,
		"-i", "pipe:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", opts.AudioBitrate,
	)
	args = append(args, opts.PreOutput...)
	if opts.Format == "mp4" {
		args = append(args, "-movflags", "frag_keyframe+empty_moov")
	}
	args = append(args, "-f", opts.Format, "pipe:1")

	task, err := startCommand(ctx, opts.FFmpegPath, args, input)
	if err != nil {
		return nil, err
	}
	logger.Info("{transcode/transcode - Start} ffmpeg pid %d (%s)",
		task.cmd.Process.Pid, opts.Format)
	return task, nil
}

// startCommand launches the process in its own group and wires up the task
// lifecycle around it.
func startCommand(ctx context.Context, path string, args []string, stdin io.Reader) (*Task, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = stdin
	// Own process group so Cancel reaps ffmpeg's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	metrics.TranscodeSessions.Inc()

	t := &Task{cmd: cmd, stdout: stdout, done: make(chan struct{})}

	go drainStderr(cmd.Process.Pid, stderr)
	go func() {
		err := cmd.Wait()
		t.doneOnce.Do(func() {
			t.waitErr = err
			metrics.TranscodeSessions.Dec()
			close(t.done)
		})
	}()

	return t, nil
}

// drainStderr relays ffmpeg's complaints into our log so a dying stream
// leaves a trace.
func drainStderr(pid int, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Debug("{transcode/transcode - drainStderr} ffmpeg[%d]: %s", pid, scanner.Text())
	}
}

// Output returns the remuxed stream.
func (t *Task) Output() io.Reader {
	return t.stdout
}

// Cancel terminates the process group. TERM first, KILL after a grace
// period if ffmpeg will not go quietly.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		pid := t.cmd.Process.Pid
		logger.Debug("{transcode/transcode - Cancel} stopping ffmpeg pid %d", pid)

		// Negative pid targets the group.
		syscall.Kill(-pid, syscall.SIGTERM)
		go func() {
			select {
			case <-t.done:
			case <-time.After(3 * time.Second):
				syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}

// Wait blocks until the process exits and returns its error, if any. A
// signal-terminated exit reports no error; being told to stop is not a
// failure.
func (t *Task) Wait() error {
	<-t.done
	if exitErr, ok := t.waitErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return nil
		}
	}
	return t.waitErr
}

// Done is closed when the process has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Package encoder supervises the external ffmpeg process that turns the
// producer's container stream into HLS segments.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"live-relay/internal/streamerr"
)

const (
	DefaultGracePeriod = 2 * time.Second
	DefaultStderrLines = 20
)

// ErrSinkClosed is returned by Write once the encoder is stopping or gone.
var ErrSinkClosed = errors.New("encoder sink closed")

type State int

const (
	StateRunning State = iota
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// Process is a running encoder bound to one producer connection.
type Process interface {
	Write(chunk []byte) error
	Stop(ctx context.Context) error
	Kill()
	Done() <-chan struct{}
	Err() error
	PID() int
	// StderrTail returns the last lines the process wrote to stderr.
	StderrTail() []string
}

// Factory starts encoder processes.
type Factory interface {
	Start(ctx context.Context, p HLSParams) (Process, error)
}

// FFmpegFactory starts ffmpeg subprocesses.
type FFmpegFactory struct {
	Binary      string
	Builder     *CommandBuilder
	GracePeriod time.Duration
	StderrLines int
	Logger      *slog.Logger
}

func NewFFmpegFactory(binary string, builder *CommandBuilder, grace time.Duration, log *slog.Logger) *FFmpegFactory {
	if builder == nil {
		builder = NewCommandBuilder(DefaultProfile)
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegFactory{
		Binary:      binary,
		Builder:     builder,
		GracePeriod: grace,
		StderrLines: DefaultStderrLines,
		Logger:      log,
	}
}

// LookPath resolves the encoder binary, failing with ErrEncoderSpawn.
func LookPath(binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", streamerr.ErrEncoderSpawn, err)
	}
	return path, nil
}

func (f *FFmpegFactory) Start(ctx context.Context, p HLSParams) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin, err := LookPath(f.Binary)
	if err != nil {
		return nil, err
	}
	return start(bin, f.Builder.HLS(p), f.GracePeriod, f.StderrLines, f.Logger)
}

// Supervisor owns one ffmpeg process: its stdin, its stderr tail and its
// termination.
type Supervisor struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	grace time.Duration
	log   *slog.Logger

	writeMu sync.Mutex

	mu        sync.RWMutex
	state     State
	requested bool
	err       error
	lines     []string
	maxLines  int

	done chan struct{}
}

func start(bin string, args []string, grace time.Duration, maxLines int, log *slog.Logger) (*Supervisor, error) {
	if maxLines <= 0 {
		maxLines = DefaultStderrLines
	}
	cmd := exec.Command(bin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", streamerr.ErrEncoderSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", streamerr.ErrEncoderSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", streamerr.ErrEncoderSpawn, err)
	}

	s := &Supervisor{
		cmd:      cmd,
		stdin:    stdin,
		grace:    grace,
		log:      log.With(slog.Int("pid", cmd.Process.Pid)),
		state:    StateRunning,
		maxLines: maxLines,
		lines:    make([]string, 0, maxLines),
		done:     make(chan struct{}),
	}
	s.log.Info("encoder started")

	go s.run(stderr)
	return s, nil
}

// run drains stderr, then reaps the process. Wait must not be called before
// the pipe reads complete.
func (s *Supervisor) run(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		s.appendLine(line)
		s.log.Debug("encoder", slog.String("stderr", line))
	}

	waitErr := s.cmd.Wait()

	s.mu.Lock()
	s.state = StateExited
	code := s.cmd.ProcessState.ExitCode()
	// Signal deaths (OOM killer, operator) are unexpected exits, not crashes.
	var sig os.Signal
	if ws, ok := s.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig = ws.Signal()
	}
	if !s.requested && waitErr != nil && sig == nil {
		s.err = &streamerr.EncoderCrashedError{
			ExitCode: code,
			Lines:    append([]string(nil), s.lines...),
		}
	}
	requested, err := s.requested, s.err
	s.mu.Unlock()

	switch {
	case requested:
		s.log.Info("encoder stopped", slog.Int("exit_code", code))
	case err != nil:
		s.log.Error("encoder crashed", slog.Int("exit_code", code), slog.String("error", err.Error()))
	case sig != nil:
		s.log.Warn("encoder killed by signal", slog.String("signal", sig.String()))
	default:
		s.log.Info("encoder exited", slog.Int("exit_code", code))
	}
	close(s.done)
}

func (s *Supervisor) appendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == s.maxLines {
		copy(s.lines, s.lines[1:])
		s.lines = s.lines[:len(s.lines)-1]
	}
	s.lines = append(s.lines, line)
}

// Write feeds a chunk to the encoder's stdin.
func (s *Supervisor) Write(chunk []byte) error {
	s.mu.RLock()
	running := s.state == StateRunning
	s.mu.RUnlock()
	if !running {
		return ErrSinkClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(chunk); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return nil
}

// Stop closes stdin, sends SIGTERM and waits up to the grace period before
// killing the process. It returns ErrTimeout when the kill was needed.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.beginStop() {
		<-s.done
		return nil
	}

	_ = s.stdin.Close()
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Debug("sigterm failed", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = s.cmd.Process.Kill()
	<-s.done
	return fmt.Errorf("%w: encoder did not exit within %s", streamerr.ErrTimeout, s.grace)
}

// Kill terminates the process immediately.
func (s *Supervisor) Kill() {
	if s.beginStop() {
		_ = s.stdin.Close()
	}
	_ = s.cmd.Process.Kill()
	<-s.done
}

// beginStop marks the exit as requested. It reports false if the process was
// already stopping or gone.
func (s *Supervisor) beginStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	s.state = StateStopping
	s.requested = true
	return true
}

// Done is closed once the process has been reaped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err returns an *EncoderCrashedError if the process exited abnormally
// without being asked to.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Supervisor) PID() int { return s.cmd.Process.Pid }

func (s *Supervisor) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StderrTail returns the most recent stderr lines.
func (s *Supervisor) StderrTail() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.lines...)
}

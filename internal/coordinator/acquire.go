package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"live-relay/internal/streamerr"
)

// Stream is a live byte stream in the negotiated container format.
type Stream interface {
	io.Reader
	Close() error
}

// Acquirer turns a source into a byte stream.
type Acquirer interface {
	Acquire(ctx context.Context, src Source, format Format) (Stream, error)
}

// FFmpegAcquirer captures a source with a dedicated ffmpeg that writes the
// encoded container to stdout.
type FFmpegAcquirer struct {
	Binary string
	Logger *slog.Logger
}

// Args returns the capture command line for src.
func (a *FFmpegAcquirer) Args(src Source, format Format) []string {
	args := []string{"-nostats", "-hide_banner", "-loglevel", "warning"}

	switch src.Kind {
	case SourceCamera:
		in := src.InputFormat
		if in == "" {
			in = "v4l2"
		}
		args = append(args, "-f", in, "-i", src.Device)
		if src.AudioDevice != "" {
			af := src.AudioFormat
			if af == "" {
				af = "alsa"
			}
			args = append(args, "-f", af, "-i", src.AudioDevice)
		}
	case SourceFile:
		args = append(args, "-re")
		if src.Loop {
			args = append(args, "-stream_loop", "-1")
		}
		args = append(args, "-i", src.Path)
	default:
		pattern := src.Pattern
		if pattern == "" {
			pattern = defaultFallbackPattern
		}
		args = append(args,
			"-re", "-f", "lavfi", "-i", pattern,
			"-f", "lavfi", "-i", defaultFallbackTone,
		)
		if src.Caption != "" {
			args = append(args, "-vf", "drawtext=text='"+escapeDrawtext(src.Caption)+"':fontcolor=white:fontsize=48:x=(w-text_w)/2:y=(h-text_h)/2")
		}
	}

	args = append(args,
		"-c:v", format.VideoEncoder,
		"-c:a", format.AudioEncoder,
		"-pix_fmt", "yuv420p",
		"-g", "50",
	)
	if format.VideoEncoder == "libvpx" || format.VideoEncoder == "libvpx-vp9" {
		args = append(args, "-deadline", "realtime", "-cpu-used", "8", "-b:v", "1500k")
	} else {
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency", "-b:v", "1500k")
	}
	args = append(args, format.MuxerArgs...)
	return append(args, "-f", format.Muxer, "pipe:1")
}

func escapeDrawtext(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}

func (a *FFmpegAcquirer) Acquire(ctx context.Context, src Source, format Format) (Stream, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	bin := a.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	log := a.Logger
	if log == nil {
		log = slog.Default()
	}

	// stdout is a plain os.Pipe so Wait never closes it under a reader
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", streamerr.ErrEncoderSpawn, err)
	}
	cmd := exec.Command(bin, a.Args(src, format)...)
	cmd.Stdout = pw
	stderr, err := cmd.StderrPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", streamerr.ErrEncoderSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %s: %v", streamerr.ErrEncoderSpawn, bin, err)
	}
	pw.Close()

	st := &captureStream{cmd: cmd, stdout: pr, done: make(chan struct{})}
	log = log.With(slog.String("source", src.Label()), slog.Int("pid", cmd.Process.Pid))
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("capture", slog.String("line", scanner.Text()))
		}
		_ = cmd.Wait()
		close(st.done)
	}()
	log.Info("capture started", slog.String("format", format.MIME))

	// a capture that dies immediately (bad device, missing file) is a spawn error
	select {
	case <-st.done:
		if cmd.ProcessState != nil && !cmd.ProcessState.Success() {
			_ = st.Close()
			return nil, fmt.Errorf("%w: capture exited: %s", streamerr.ErrEncoderSpawn, cmd.ProcessState)
		}
	case <-ctx.Done():
		_ = st.Close()
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return st, nil
}

type captureStream struct {
	cmd    *exec.Cmd
	stdout *os.File
	done   chan struct{}
	once   sync.Once
}

func (s *captureStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close kills the capture process and waits for it to exit.
func (s *captureStream) Close() error {
	s.once.Do(func() {
		select {
		case <-s.done:
		default:
			_ = s.cmd.Process.Kill()
			<-s.done
		}
		_ = s.stdout.Close()
	})
	return nil
}

package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"live-relay/internal/streamerr"
)

const sampleMuxers = `File formats:
 D. = Demuxing supported
 .E = Muxing supported
 --
  E matroska        Matroska
 DE mp4             MP4 (MPEG-4 Part 14)
 D  webm_dash_manifest WebM DASH Manifest
  E webm            WebM
`

const sampleEncoders = `Encoders:
 V..... = Video
 A..... = Audio
 S..... = Subtitle
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D libvpx               libvpx VP8 (codec vp8)
 A....D aac                  AAC (Advanced Audio Coding)
 A....D libopus              libopus Opus (codec opus)
`

// fakeProbeScript answers -muxers and -encoders the way ffmpeg does.
const fakeProbeScript = `#!/bin/sh
dir="$(dirname "$0")"
case "$2" in
  -muxers) cat "$dir/muxers.txt" ;;
  -encoders) cat "$dir/encoders.txt" ;;
  *) exit 1 ;;
esac
`

func TestParseList(t *testing.T) {
	muxers := parseList([]byte(sampleMuxers), muxerFlag)
	for _, name := range []string{"matroska", "mp4", "webm"} {
		if !muxers[name] {
			t.Errorf("muxer %q missing", name)
		}
	}
	if muxers["webm_dash_manifest"] {
		t.Error("demux-only format must not be listed")
	}
	if muxers["D."] || muxers["Demuxing"] {
		t.Error("legend lines must be skipped")
	}

	encoders := parseList([]byte(sampleEncoders), encoderFlag)
	for _, name := range []string{"libx264", "libvpx", "aac", "libopus"} {
		if !encoders[name] {
			t.Errorf("encoder %q missing", name)
		}
	}
	if len(encoders) != 4 {
		t.Errorf("expected 4 encoders, got %v", encoders)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want string
	}{
		{name: "everything available", caps: allCaps(), want: "video/webm;codecs=vp8,opus"},
		{
			name: "no vp8",
			caps: Capabilities{
				Muxers:   map[string]bool{"webm": true, "matroska": true},
				Encoders: map[string]bool{"libvpx-vp9": true, "libopus": true},
			},
			want: "video/webm;codecs=vp9,opus",
		},
		{
			name: "h264 in matroska",
			caps: Capabilities{
				Muxers:   map[string]bool{"matroska": true, "mp4": true},
				Encoders: map[string]bool{"libx264": true, "libopus": true, "aac": true},
			},
			want: "video/webm;codecs=h264,opus",
		},
		{
			name: "mp4 only",
			caps: Capabilities{
				Muxers:   map[string]bool{"mp4": true},
				Encoders: map[string]bool{"libx264": true, "aac": true},
			},
			want: "video/mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Negotiate(tt.caps, Preferences)
			if err != nil {
				t.Fatalf("negotiate: %v", err)
			}
			if f.MIME != tt.want {
				t.Errorf("got %q, want %q", f.MIME, tt.want)
			}
		})
	}

	if _, err := Negotiate(Capabilities{}, Preferences); !errors.Is(err, streamerr.ErrNoSupportedFormat) {
		t.Errorf("expected ErrNoSupportedFormat, got %v", err)
	}
}

func TestFFmpegProber(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	files := map[string]string{
		"ffmpeg":       fakeProbeScript,
		"muxers.txt":   sampleMuxers,
		"encoders.txt": sampleEncoders,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	caps, err := FFmpegProber{Binary: bin}.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	f, err := Negotiate(caps, Preferences)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if f.MIME != "video/webm;codecs=vp8,opus" {
		t.Errorf("got %q", f.MIME)
	}
}

func TestFFmpegProber_missing_binary(t *testing.T) {
	_, err := FFmpegProber{Binary: filepath.Join(t.TempDir(), "nope")}.Capabilities(context.Background())
	if !errors.Is(err, streamerr.ErrEncoderSpawn) {
		t.Errorf("expected ErrEncoderSpawn, got %v", err)
	}
}

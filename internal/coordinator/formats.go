package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"live-relay/internal/streamerr"
)

// Format is an output container and codec pair the capture side can produce.
// MIME is what the relay receives as the ingest format.
type Format struct {
	MIME         string   `json:"mime"`
	Muxer        string   `json:"muxer"`
	VideoEncoder string   `json:"videoEncoder"`
	AudioEncoder string   `json:"audioEncoder"`
	MuxerArgs    []string `json:"-"`
}

// Preferences is ordered from most to least preferred.
var Preferences = []Format{
	{MIME: "video/webm;codecs=vp8,opus", Muxer: "webm", VideoEncoder: "libvpx", AudioEncoder: "libopus"},
	{MIME: "video/webm;codecs=vp9,opus", Muxer: "webm", VideoEncoder: "libvpx-vp9", AudioEncoder: "libopus"},
	{MIME: "video/webm;codecs=h264,opus", Muxer: "matroska", VideoEncoder: "libx264", AudioEncoder: "libopus"},
	{MIME: "video/webm", Muxer: "webm", VideoEncoder: "libvpx", AudioEncoder: "libvorbis"},
	{
		MIME: "video/mp4", Muxer: "mp4", VideoEncoder: "libx264", AudioEncoder: "aac",
		MuxerArgs: []string{"-movflags", "frag_keyframe+empty_moov+default_base_moof"},
	},
}

// Capabilities lists the muxers and encoders an ffmpeg build reports.
type Capabilities struct {
	Muxers   map[string]bool
	Encoders map[string]bool
}

// Supports reports whether f can be produced with these capabilities.
func (c Capabilities) Supports(f Format) bool {
	return c.Muxers[f.Muxer] && c.Encoders[f.VideoEncoder] && c.Encoders[f.AudioEncoder]
}

// Prober reports encoder capabilities.
type Prober interface {
	Capabilities(ctx context.Context) (Capabilities, error)
}

// Negotiate returns the first preferred format the capabilities support.
func Negotiate(caps Capabilities, prefs []Format) (Format, error) {
	for _, f := range prefs {
		if caps.Supports(f) {
			return f, nil
		}
	}
	return Format{}, streamerr.ErrNoSupportedFormat
}

// FFmpegProber asks an ffmpeg binary for its muxers and encoders.
type FFmpegProber struct {
	Binary string
}

func (p FFmpegProber) Capabilities(ctx context.Context) (Capabilities, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	muxers, err := probeList(ctx, bin, "-muxers", muxerFlag)
	if err != nil {
		return Capabilities{}, err
	}
	encoders, err := probeList(ctx, bin, "-encoders", encoderFlag)
	if err != nil {
		return Capabilities{}, err
	}
	return Capabilities{Muxers: muxers, Encoders: encoders}, nil
}

// muxerFlag matches the "E" column of `ffmpeg -muxers`, e.g. " E  webm  WebM".
func muxerFlag(flags string) bool {
	return strings.Contains(flags, "E")
}

// encoderFlag matches the capability column of `ffmpeg -encoders`,
// e.g. " V....D libvpx  libvpx VP8".
func encoderFlag(flags string) bool {
	return len(flags) == 6 && strings.ContainsAny(flags[:1], "VAS")
}

func probeList(ctx context.Context, bin, flag string, match func(string) bool) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, bin, "-hide_banner", flag)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", streamerr.ErrEncoderSpawn, bin, flag, err)
	}
	return parseList(output, match), nil
}

func parseList(output []byte, match func(string) bool) map[string]bool {
	result := make(map[string]bool)
	inList := false

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "--") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !match(fields[0]) {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			result[name] = true
		}
	}
	return result
}

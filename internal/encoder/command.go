package encoder

import (
	"strconv"
	"strings"
)

const (
	DefaultSegmentSeconds = 2
	DefaultListSize       = 4
	defaultInputFormat    = "webm"
)

// Profile holds the transcode settings applied to every session.
type Profile struct {
	VideoCodec   string
	AudioCodec   string
	VideoBitrate string
	AudioBitrate string
	SampleRate   int
	Channels     int
	Preset       string
	Tune         string
	GOP          int
}

// DefaultProfile is a low-latency H.264/AAC ladder of one.
var DefaultProfile = Profile{
	VideoCodec:   "libx264",
	AudioCodec:   "aac",
	VideoBitrate: "1000k",
	AudioBitrate: "96k",
	SampleRate:   44100,
	Channels:     2,
	Preset:       "faster",
	Tune:         "zerolatency",
	GOP:          25,
}

// HLSParams describes one encoder run.
type HLSParams struct {
	InputFormat    string
	ManifestPath   string
	SegmentPattern string
	SegmentSeconds int
	ListSize       int
	StartNumber    int64
}

type CommandBuilder struct {
	Profile Profile
}

func NewCommandBuilder(profile Profile) *CommandBuilder {
	return &CommandBuilder{Profile: profile}
}

// HLS returns the ffmpeg arguments that read a container stream from stdin and
// write a live HLS playlist with rolling segments.
func (b *CommandBuilder) HLS(p HLSParams) []string {
	segSeconds := p.SegmentSeconds
	if segSeconds <= 0 {
		segSeconds = DefaultSegmentSeconds
	}
	listSize := p.ListSize
	if listSize <= 0 {
		listSize = DefaultListSize
	}
	startNumber := p.StartNumber
	if startNumber < 0 {
		startNumber = 0
	}

	pr := b.Profile
	args := []string{
		"-nostats", "-hide_banner", "-loglevel", "warning",
		"-f", DemuxerFor(p.InputFormat),
		"-i", "pipe:0",
		"-c:v", pr.VideoCodec,
		"-c:a", pr.AudioCodec,
		"-b:v", pr.VideoBitrate,
		"-b:a", pr.AudioBitrate,
		"-ar", strconv.Itoa(pr.SampleRate),
		"-ac", strconv.Itoa(pr.Channels),
		"-preset", pr.Preset,
		"-tune", pr.Tune,
		"-g", strconv.Itoa(pr.GOP),
		"-keyint_min", strconv.Itoa(pr.GOP),
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segSeconds),
		"-hls_list_size", strconv.Itoa(listSize),
		"-hls_flags", "delete_segments+append_list+independent_segments",
		"-start_number", strconv.FormatInt(startNumber, 10),
		"-hls_segment_filename", p.SegmentPattern,
		"-hls_allow_cache", "0",
		"-avoid_negative_ts", "make_zero",
		p.ManifestPath,
	}
	return args
}

// DemuxerFor maps a media type such as "video/webm;codecs=vp8,opus" to the
// ffmpeg input format name.
func DemuxerFor(mime string) string {
	base := strings.TrimSpace(mime)
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(strings.TrimPrefix(base, "video/"), "audio/")
	switch strings.ToLower(base) {
	case "":
		return defaultInputFormat
	case "mp4":
		return "mp4"
	case "x-matroska", "matroska", "mkv":
		return "matroska"
	}
	return strings.ToLower(base)
}

package encoder

import (
	"strings"
	"testing"
)

func TestHLSCommand_includesLiveFlags(t *testing.T) {
	builder := NewCommandBuilder(DefaultProfile)
	args := builder.HLS(HLSParams{
		InputFormat:    "webm;codecs=vp8,opus",
		ManifestPath:   "/tmp/hls/stream.m3u8",
		SegmentPattern: "/tmp/hls/segment%d.ts",
		SegmentSeconds: 2,
		ListSize:       4,
		StartNumber:    17,
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-f webm -i pipe:0",
		"-f hls",
		"-hls_time 2",
		"-hls_list_size 4",
		"-hls_flags delete_segments+append_list+independent_segments",
		"-start_number 17",
		"-hls_segment_filename /tmp/hls/segment%d.ts",
		"-c:v libx264",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %s", want, joined)
		}
	}
	if args[len(args)-1] != "/tmp/hls/stream.m3u8" {
		t.Errorf("manifest must be the output, got %s", args[len(args)-1])
	}
}

func TestHLSCommand_defaults(t *testing.T) {
	args := NewCommandBuilder(DefaultProfile).HLS(HLSParams{StartNumber: -3})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-hls_time 2") || !strings.Contains(joined, "-hls_list_size 4") {
		t.Errorf("expected default segment settings: %s", joined)
	}
	if !strings.Contains(joined, "-start_number 0") {
		t.Errorf("negative start number should clamp to 0: %s", joined)
	}
	if !strings.Contains(joined, "-f webm") {
		t.Errorf("expected webm input by default: %s", joined)
	}
}

func TestDemuxerFor(t *testing.T) {
	cases := map[string]string{
		"":                           "webm",
		"webm":                       "webm",
		"video/webm;codecs=vp9,opus": "webm",
		"mp4":                        "mp4",
		"video/mp4":                  "mp4",
		"video/x-matroska":           "matroska",
	}
	for in, want := range cases {
		if got := DemuxerFor(in); got != want {
			t.Errorf("DemuxerFor(%q) = %q, want %q", in, got, want)
		}
	}
}

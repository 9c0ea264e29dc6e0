package segments

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/grafov/m3u8"
)

// DefaultBootstrapTargetDuration is the target duration written into the empty
// bootstrap manifest.
const DefaultBootstrapTargetDuration = 4

// PlaylistEntry is one line item of a playlist built by BuildPlaylist.
type PlaylistEntry struct {
	Sequence int64
	Duration float64
	URI      string
}

// BuildPlaylist renders an HLS media playlist. An empty entry slice produces
// the bootstrap manifest players can poll before the encoder writes its own:
// media sequence 0 and the given target duration.
func BuildPlaylist(entries []PlaylistEntry, targetDuration int, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if targetDuration <= 0 {
		targetDuration = DefaultBootstrapTargetDuration
	}

	if len(entries) == 0 {
		b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	if d := maxEntryDuration(entries); d > targetDuration {
		targetDuration = d
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", entries[0].Sequence))

	for _, e := range entries {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", e.Duration))
		b.WriteString(e.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

func maxEntryDuration(entries []PlaylistEntry) int {
	max := 0.0
	for _, e := range entries {
		if e.Duration > max {
			max = e.Duration
		}
	}
	return int(math.Ceil(max))
}

// manifestInfo is what the store needs from the encoder's manifest.
type manifestInfo struct {
	MediaSequence int64
	Count         int
	URIs          []string
	Durations     []float64
	Ended         bool
}

// LastSequence returns the sequence of the newest listed segment, or -1.
func (m manifestInfo) LastSequence() int64 {
	if m.Count == 0 {
		return -1
	}
	return m.MediaSequence + int64(m.Count) - 1
}

func parseManifest(r io.Reader) (manifestInfo, error) {
	pl, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return manifestInfo{}, fmt.Errorf("decode manifest: %w", err)
	}
	if listType != m3u8.MEDIA {
		return manifestInfo{}, fmt.Errorf("decode manifest: not a media playlist")
	}
	media := pl.(*m3u8.MediaPlaylist)

	info := manifestInfo{MediaSequence: int64(media.SeqNo), Ended: media.Closed}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		info.URIs = append(info.URIs, seg.URI)
		info.Durations = append(info.Durations, seg.Duration)
	}
	info.Count = len(info.URIs)
	return info, nil
}

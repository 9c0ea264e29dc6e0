package segments

import "time"

// Segment is one encoded media chunk on disk.
type Segment struct {
	Sequence int64
	Name     string
	Path     string
	Size     int64
	ModTime  time.Time
}

// CleanupReport is the result of a full sweep. Failed lists the files that
// survived every deletion strategy.
type CleanupReport struct {
	Removed int      `json:"removed"`
	Failed  []string `json:"failed,omitempty"`
}

// Snapshot is a side-effect free view of the store directory.
type Snapshot struct {
	SegmentCount     int
	ManifestPresent  bool
	OldestSegmentAge *time.Duration
	// MediaSequence is the manifest's #EXT-X-MEDIA-SEQUENCE, or -1 when the
	// manifest is missing or unreadable.
	MediaSequence int64
	// LastSequence is the highest segment sequence seen in the manifest or on
	// disk, or -1 when there is none.
	LastSequence int64
}

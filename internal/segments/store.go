// Package segments owns the on-disk HLS output directory: bootstrap of the
// manifest, retention of live segments and the full drain between sessions.
// The encoder writes into the directory; this package only deletes.
package segments

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"live-relay/internal/streamerr"
)

const (
	DefaultManifestName  = "stream.m3u8"
	DefaultSegmentPrefix = "segment"
	DefaultSegmentExt    = ".ts"
	DefaultDeleteRetries = 5
	DefaultDeleteBackoff = 100 * time.Millisecond
)

// FileOps is the filesystem surface used for deletion. Tests replace it to
// simulate files held open by an exiting encoder.
type FileOps interface {
	Remove(name string) error
	Chmod(name string, mode os.FileMode) error
	Truncate(name string, size int64) error
}

type osFileOps struct{}

func (osFileOps) Remove(name string) error                  { return os.Remove(name) }
func (osFileOps) Chmod(name string, mode os.FileMode) error { return os.Chmod(name, mode) }
func (osFileOps) Truncate(name string, size int64) error    { return os.Truncate(name, size) }

// Options configures a Store. Zero values fall back to the defaults above.
type Options struct {
	Dir                     string
	ManifestName            string
	SegmentPrefix           string
	SegmentExt              string
	BootstrapTargetDuration int
	DeleteRetries           int
	DeleteBackoff           time.Duration
	Logger                  *slog.Logger
	Ops                     FileOps
	Now                     func() time.Time
}

// Store is the filesystem-backed segment collection.
type Store struct {
	dir            string
	manifestName   string
	segmentPrefix  string
	segmentExt     string
	targetDuration int
	retries        int
	backoff        time.Duration
	log            *slog.Logger
	ops            FileOps
	now            func() time.Time
	sleep          func(time.Duration)
}

// NewStore returns a Store for opts.Dir. It panics if Dir is empty.
func NewStore(opts Options) *Store {
	if opts.Dir == "" {
		panic("segments: Dir is required")
	}
	s := &Store{
		dir:            opts.Dir,
		manifestName:   opts.ManifestName,
		segmentPrefix:  opts.SegmentPrefix,
		segmentExt:     opts.SegmentExt,
		targetDuration: opts.BootstrapTargetDuration,
		retries:        opts.DeleteRetries,
		backoff:        opts.DeleteBackoff,
		log:            opts.Logger,
		ops:            opts.Ops,
		now:            opts.Now,
		sleep:          time.Sleep,
	}
	if s.manifestName == "" {
		s.manifestName = DefaultManifestName
	}
	if s.segmentPrefix == "" {
		s.segmentPrefix = DefaultSegmentPrefix
	}
	if s.segmentExt == "" {
		s.segmentExt = DefaultSegmentExt
	}
	if s.targetDuration <= 0 {
		s.targetDuration = DefaultBootstrapTargetDuration
	}
	if s.retries <= 0 {
		s.retries = DefaultDeleteRetries
	}
	if s.backoff <= 0 {
		s.backoff = DefaultDeleteBackoff
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.ops == nil {
		s.ops = osFileOps{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// ManifestPath returns the absolute path of the manifest.
func (s *Store) ManifestPath() string { return filepath.Join(s.dir, s.manifestName) }

// SegmentPattern returns the printf-style segment filename pattern handed to
// the encoder, e.g. "<dir>/segment%d.ts".
func (s *Store) SegmentPattern() string {
	return filepath.Join(s.dir, s.segmentPrefix+"%d"+s.segmentExt)
}

// Initialize creates the directory if needed, discards anything a previous
// run left behind and writes the empty bootstrap manifest. Safe to call
// repeatedly.
func (s *Store) Initialize() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	leftovers, err := s.cleanupCandidates()
	if err != nil {
		return err
	}
	for _, path := range leftovers {
		if err := s.removeWithRetry(path); err != nil {
			s.log.Warn("leftover file not removed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}

	return s.ResetManifest()
}

// ResetManifest overwrites the manifest with the bootstrap playlist,
// creating the directory if it is missing.
func (s *Store) ResetManifest() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	content := BuildPlaylist(nil, s.targetDuration, false)
	if err := os.WriteFile(s.ManifestPath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write bootstrap manifest: %w", err)
	}
	return nil
}

// EndManifest rewrites the current manifest with an ENDLIST tag, keeping its
// segments, so players stop polling once the encoder is gone. A missing,
// unreadable or already ended manifest is left as it is.
func (s *Store) EndManifest() error {
	info, ok := s.readManifest()
	if !ok || info.Ended {
		return nil
	}
	entries := make([]PlaylistEntry, 0, info.Count)
	for i, uri := range info.URIs {
		entries = append(entries, PlaylistEntry{
			Sequence: info.MediaSequence + int64(i),
			Duration: info.Durations[i],
			URI:      uri,
		})
	}
	content := BuildPlaylist(entries, s.targetDuration, true)
	if err := os.WriteFile(s.ManifestPath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("end manifest: %w", err)
	}
	return nil
}

// SweepLive deletes segment files older than retention. The manifest is never
// touched. Failures are left for the next pass.
func (s *Store) SweepLive(retention time.Duration) int {
	segs, err := s.Segments()
	if err != nil {
		s.log.Debug("live sweep list failed", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	removed := 0
	for _, seg := range segs {
		if now.Sub(seg.ModTime) <= retention {
			continue
		}
		if err := s.ops.Remove(seg.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("live sweep remove failed",
				slog.String("segment", seg.Name),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Debug("live sweep", slog.Int("removed", removed))
	}
	return removed
}

// SweepAll removes every segment and manifest file. Files that resist the
// retrying primary delete go through the fallback strategies in order; the
// report lists whatever is still left afterwards.
func (s *Store) SweepAll() CleanupReport {
	var report CleanupReport

	paths, err := s.cleanupCandidates()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("full sweep list failed", slog.String("error", err.Error()))
		}
		return report
	}

	var pending []string
	for _, path := range paths {
		if err := s.removeWithRetry(path); err != nil {
			pending = append(pending, path)
			continue
		}
		report.Removed++
	}

	for _, st := range s.fallbackStrategies() {
		if len(pending) == 0 {
			break
		}
		var still []string
		for _, path := range pending {
			if err := st.run(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				still = append(still, path)
				continue
			}
			report.Removed++
			s.log.Debug("file removed by fallback",
				slog.String("strategy", st.name),
				slog.String("path", path))
		}
		pending = still
	}

	for _, path := range pending {
		report.Failed = append(report.Failed, filepath.Base(path))
	}

	if len(report.Failed) > 0 {
		s.log.Warn("full sweep left files behind",
			slog.Int("removed", report.Removed),
			slog.Any("failed", report.Failed))
	} else {
		s.log.Info("full sweep", slog.Int("removed", report.Removed))
	}
	return report
}

// Err converts a report into a SegmentDeleteExhausted error, or nil.
func (r CleanupReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &streamerr.DeleteExhaustedError{Files: r.Failed}
}

type strategy struct {
	name string
	run  func(path string) error
}

func (s *Store) fallbackStrategies() []strategy {
	return []strategy{
		{name: "chmod", run: func(path string) error {
			if err := s.ops.Chmod(path, 0o666); err != nil {
				return err
			}
			return s.ops.Remove(path)
		}},
		{name: "truncate", run: func(path string) error {
			if err := s.ops.Truncate(path, 0); err != nil {
				return err
			}
			return s.ops.Remove(path)
		}},
		{name: "final", run: s.ops.Remove},
	}
}

// removeWithRetry retries a failing delete with exponential backoff. A file
// that is already gone counts as removed.
func (s *Store) removeWithRetry(path string) error {
	delay := s.backoff
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		err = s.ops.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if attempt < s.retries {
			s.sleep(delay)
			delay *= 2
		}
	}
	return err
}

// Segments lists the segment files on disk ordered by sequence.
func (s *Store) Segments() ([]Segment, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var segs []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := s.parseSequence(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, Segment{
			Sequence: seq,
			Name:     e.Name(),
			Path:     filepath.Join(s.dir, e.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Sequence < segs[j].Sequence })
	return segs, nil
}

// Snapshot reports the directory state without modifying it.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{MediaSequence: -1, LastSequence: -1}

	if segs, err := s.Segments(); err == nil {
		snap.SegmentCount = len(segs)
		now := s.now()
		for _, seg := range segs {
			age := now.Sub(seg.ModTime)
			if snap.OldestSegmentAge == nil || age > *snap.OldestSegmentAge {
				a := age
				snap.OldestSegmentAge = &a
			}
			if seg.Sequence > snap.LastSequence {
				snap.LastSequence = seg.Sequence
			}
		}
	}

	if info, ok := s.readManifest(); ok {
		snap.ManifestPresent = true
		snap.MediaSequence = info.MediaSequence
		if last := info.LastSequence(); last > snap.LastSequence {
			snap.LastSequence = last
		}
	} else if _, err := os.Stat(s.ManifestPath()); err == nil {
		snap.ManifestPresent = true
	}

	return snap
}

// NextSequence returns the first sequence number a restarted encoder must use
// so numbering continues past everything already published.
func (s *Store) NextSequence() int64 {
	return s.Snapshot().LastSequence + 1
}

func (s *Store) readManifest() (manifestInfo, bool) {
	f, err := os.Open(s.ManifestPath())
	if err != nil {
		return manifestInfo{}, false
	}
	defer f.Close()

	info, err := parseManifest(f)
	if err != nil {
		s.log.Debug("manifest unreadable", slog.String("error", err.Error()))
		return manifestInfo{}, false
	}
	return info, true
}

// cleanupCandidates lists segment files, manifests and the encoder's
// temporary manifest files.
func (s *Store) cleanupCandidates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := s.parseSequence(name); ok || isManifestFile(name) {
			paths = append(paths, filepath.Join(s.dir, name))
		}
	}
	return paths, nil
}

func isManifestFile(name string) bool {
	return strings.HasSuffix(name, ".m3u8") || strings.HasSuffix(name, ".m3u8.tmp")
}

// parseSequence extracts N from "<prefix>N<ext>".
func (s *Store) parseSequence(name string) (int64, bool) {
	if !strings.HasPrefix(name, s.segmentPrefix) || !strings.HasSuffix(name, s.segmentExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, s.segmentPrefix), s.segmentExt)
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

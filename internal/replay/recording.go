// Package replay records and replays camera sessions: frame images on disk
// plus the decoder records seen with each frame, indexed by a JSON manifest.
package replay

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/banshee-data/surface.report/internal/fsutil"
	"github.com/banshee-data/surface.report/internal/security"
	"github.com/banshee-data/surface.report/internal/survey/pipeline"
)

// ManifestName is the manifest file inside a recording directory.
const ManifestName = "recording.json"

// FormatVersion is written into every manifest.
const FormatVersion = "1"

const maxManifestSize = 16 * 1024 * 1024

// ErrNoFrames is returned for a recording with no frames.
var ErrNoFrames = errors.New("recording has no frames")

// Header describes a recording.
type Header struct {
	Version     string `json:"version"`
	Name        string `json:"name,omitempty"`
	CreatedNs   int64  `json:"created_ns"`
	StartNs     int64  `json:"start_ns"`
	EndNs       int64  `json:"end_ns"`
	TotalFrames int    `json:"total_frames"`
	FrameWidth  int    `json:"frame_width,omitempty"`
	FrameHeight int    `json:"frame_height,omitempty"`
}

// FrameEntry is one recorded frame. Image is relative to the recording
// directory; an empty Image replays as a marker-only frame.
type FrameEntry struct {
	OffsetMs int64                   `json:"t_ms"` // since Header.StartNs
	Image    string                  `json:"image,omitempty"`
	Markers  []pipeline.MarkerRecord `json:"markers,omitempty"`
	Capture  bool                    `json:"capture,omitempty"` // operator pressed capture
}

// Manifest is the on-disk index of a recording.
type Manifest struct {
	Header Header       `json:"header"`
	Frames []FrameEntry `json:"frames"`
}

// Start returns the recording's start time.
func (m *Manifest) Start() time.Time {
	return time.Unix(0, m.Header.StartNs)
}

// Timestamp returns the absolute time of frame i.
func (m *Manifest) Timestamp(i int) time.Time {
	return m.Start().Add(time.Duration(m.Frames[i].OffsetMs) * time.Millisecond)
}

func (m *Manifest) validate() error {
	if len(m.Frames) == 0 {
		return ErrNoFrames
	}
	for i, f := range m.Frames {
		if f.Image != "" {
			if err := security.ValidateRelativePath(f.Image); err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
		}
		if i > 0 && f.OffsetMs < m.Frames[i-1].OffsetMs {
			return fmt.Errorf("frame %d: t_ms %d precedes frame %d (%d)",
				i, m.Frames[i].OffsetMs, i-1, m.Frames[i-1].OffsetMs)
		}
	}
	return nil
}

// Recorder writes frames into a recording directory. Images are stored as
// PNG; the manifest is written on Close.
type Recorder struct {
	fs       fsutil.FileSystem
	dir      string
	manifest Manifest
	start    time.Time

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates dir on disk if needed and starts a recording. If dir
// is empty, a timestamped directory is created under the system temp dir.
func NewRecorder(dir, name string) (*Recorder, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("survey_%s_%d", security.SanitizeFilename(name), time.Now().UnixNano()))
	}
	return NewRecorderFS(fsutil.OSFileSystem{}, dir, name)
}

// NewRecorderFS starts a recording in dir on fsys.
func NewRecorderFS(fsys fsutil.FileSystem, dir, name string) (*Recorder, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &Recorder{
		fs:  fsys,
		dir: dir,
		manifest: Manifest{Header: Header{
			Version:   FormatVersion,
			Name:      name,
			CreatedNs: time.Now().UnixNano(),
		}},
	}, nil
}

// Record appends f. The first frame fixes the recording start; later frames
// must not go back in time.
func (r *Recorder) Record(f pipeline.Frame, capture bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder is closed")
	}
	if r.start.IsZero() {
		r.start = f.Timestamp
		r.manifest.Header.StartNs = f.Timestamp.UnixNano()
	}
	offset := f.Timestamp.Sub(r.start).Milliseconds()
	if n := len(r.manifest.Frames); n > 0 && offset < r.manifest.Frames[n-1].OffsetMs {
		return fmt.Errorf("frame at %s precedes previous frame", f.Timestamp.Format(time.RFC3339Nano))
	}

	entry := FrameEntry{OffsetMs: offset, Markers: f.Markers, Capture: capture}
	if f.Image != nil {
		entry.Image = fmt.Sprintf("frame_%06d.png", len(r.manifest.Frames))
		if err := writePNG(r.fs, filepath.Join(r.dir, entry.Image), f.Image); err != nil {
			return err
		}
		if r.manifest.Header.FrameWidth == 0 {
			b := f.Image.Bounds()
			r.manifest.Header.FrameWidth, r.manifest.Header.FrameHeight = b.Dx(), b.Dy()
		}
	}
	r.manifest.Frames = append(r.manifest.Frames, entry)
	r.manifest.Header.EndNs = f.Timestamp.UnixNano()
	return nil
}

// FrameCount returns the number of frames recorded so far.
func (r *Recorder) FrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.manifest.Frames)
}

// Path returns the recording directory.
func (r *Recorder) Path() string {
	return r.dir
}

// Close writes the manifest.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.manifest.Header.TotalFrames = len(r.manifest.Frames)
	return writeManifest(r.fs, filepath.Join(r.dir, ManifestName), &r.manifest)
}

func writePNG(fsys fsutil.FileSystem, path string, img image.Image) (err error) {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create frame file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func decodeImage(fsys fsutil.FileSystem, path string) (image.Image, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

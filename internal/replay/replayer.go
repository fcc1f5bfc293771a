package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/surface.report/internal/fsutil"
	"github.com/banshee-data/surface.report/internal/security"
	"github.com/banshee-data/surface.report/internal/survey/pipeline"
)

// Replayer reads frames back from a recording in order.
type Replayer struct {
	fs       fsutil.FileSystem
	dir      string
	manifest Manifest

	mu           sync.Mutex
	currentFrame int
	lastCapture  bool
}

// NewReplayer opens a recording on disk. path is either the recording
// directory or its manifest file.
func NewReplayer(path string) (*Replayer, error) {
	return NewReplayerFS(fsutil.OSFileSystem{}, path)
}

// NewReplayerFS opens a recording on fsys.
func NewReplayerFS(fsys fsutil.FileSystem, path string) (*Replayer, error) {
	manifestPath := path
	if info, err := fsys.Stat(path); err == nil && info.IsDir() {
		manifestPath = filepath.Join(path, ManifestName)
	}
	m, err := readManifest(fsys, manifestPath)
	if err != nil {
		return nil, err
	}
	return &Replayer{fs: fsys, dir: filepath.Dir(manifestPath), manifest: *m}, nil
}

func readManifest(fsys fsutil.FileSystem, path string) (*Manifest, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("manifest must have .json extension, got %q", ext)
	}
	info, err := fsys.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, fmt.Errorf("manifest too large: %d bytes (max %d)", info.Size(), maxManifestSize)
	}
	data, err := fsys.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	return &m, nil
}

func writeManifest(fsys fsutil.FileSystem, path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Header returns the recording header.
func (r *Replayer) Header() Header {
	return r.manifest.Header
}

// Manifest returns the loaded manifest.
func (r *Replayer) Manifest() *Manifest {
	return &r.manifest
}

// TotalFrames returns the number of frames in the recording.
func (r *Replayer) TotalFrames() int {
	return len(r.manifest.Frames)
}

// CurrentFrame returns the index of the next frame ReadFrame will return.
func (r *Replayer) CurrentFrame() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentFrame
}

// Seek moves to frame idx.
func (r *Replayer) Seek(idx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.manifest.Frames) {
		return fmt.Errorf("frame index out of range: %d not in [0, %d)", idx, len(r.manifest.Frames))
	}
	r.currentFrame = idx
	return nil
}

// SeekToTime moves to the first frame at or after t. A time beyond the
// recording moves to the last frame.
func (r *Replayer) SeekToTime(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.manifest.Frames)
	i := sort.Search(n, func(i int) bool {
		return !r.manifest.Timestamp(i).Before(t)
	})
	if i == n {
		i = n - 1
	}
	r.currentFrame = i
}

// ReadFrame decodes the current frame and advances. It returns io.EOF after
// the last frame. capture reports whether the operator requested a capture
// on this frame.
func (r *Replayer) ReadFrame() (f pipeline.Frame, capture bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentFrame >= len(r.manifest.Frames) {
		return pipeline.Frame{}, false, io.EOF
	}
	idx := r.currentFrame
	entry := r.manifest.Frames[idx]
	f = pipeline.Frame{
		Markers:   entry.Markers,
		Timestamp: r.manifest.Timestamp(idx),
	}
	if entry.Image != "" {
		path := filepath.Join(r.dir, entry.Image)
		if _, onDisk := r.fs.(fsutil.OSFileSystem); onDisk {
			if err := security.ValidatePathWithinDirectory(path, r.dir); err != nil {
				return pipeline.Frame{}, false, fmt.Errorf("frame %d: %w", idx, err)
			}
		}
		img, err := decodeImage(r.fs, path)
		if err != nil {
			return pipeline.Frame{}, false, fmt.Errorf("frame %d: %w", idx, err)
		}
		f.Image = img
	}
	r.currentFrame++
	r.lastCapture = entry.Capture
	return f, entry.Capture, nil
}

// NextFrame implements pipeline.FrameSource. Frames keep their recorded
// timestamps regardless of the tick time.
func (r *Replayer) NextFrame(ctx context.Context, _ time.Time) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}
	f, _, err := r.ReadFrame()
	return f, err
}

// takeCapture reports and clears the capture request of the frame last
// returned by ReadFrame.
func (r *Replayer) takeCapture() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lastCapture
	r.lastCapture = false
	return c
}

package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"
)

const (
	// DefaultStreamThreshold is the size at or above which reads stream
	// instead of buffering whole.
	DefaultStreamThreshold = 1 << 20

	// Under pressure the threshold drops, but never below these floors.
	CriticalStreamFloor = 256 << 10
	WarningStreamFloor  = 512 << 10

	MinChunkSize = 4 << 10
	MaxChunkSize = 1 << 20

	// Below this throughput a healthy system grows its chunks.
	slowThroughputBps = 5 << 20

	// A checkpoint is captured after every fifth chunk.
	checkpointInterval = 5
)

// ShouldStream decides buffered versus streamed for a file of the given
// size. Memory pressure lowers the effective threshold so large-ish reads
// stop piling onto the heap exactly when the heap is the problem.
func ShouldStream(size, threshold int64, level PressureLevel) bool {
	if threshold <= 0 {
		threshold = DefaultStreamThreshold
	}
	switch level {
	case PressureCritical:
		if threshold > CriticalStreamFloor {
			threshold = CriticalStreamFloor
		}
	case PressureWarning:
		if threshold > WarningStreamFloor {
			threshold = WarningStreamFloor
		}
	}
	return size >= threshold
}

// BaseChunkSize picks the unadjusted chunk size for a file size.
func BaseChunkSize(size int64) int {
	switch {
	case size < 1<<20:
		return 32 << 10
	case size < 10<<20:
		return 64 << 10
	case size < 100<<20:
		return 128 << 10
	default:
		return 256 << 10
	}
}

// AdaptiveChunkSize scales the base chunk for current conditions: halve
// under critical pressure, three-quarters under warning, and grow by a
// fifth when the system is healthy but the stream is running slow.
// The result is clamped to [MinChunkSize, MaxChunkSize].
func AdaptiveChunkSize(size int64, level PressureLevel, throughputBps float64) int {
	chunk := float64(BaseChunkSize(size))
	switch level {
	case PressureCritical:
		chunk *= 0.5
	case PressureWarning:
		chunk *= 0.75
	default:
		if throughputBps > 0 && throughputBps < slowThroughputBps {
			chunk *= 1.2
		}
	}
	if chunk < MinChunkSize {
		chunk = MinChunkSize
	}
	if chunk > MaxChunkSize {
		chunk = MaxChunkSize
	}
	return int(chunk)
}

// Chunk is one delivered span of file content. Index is zero-based.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
}

// Checkpoint captures enough progress to resume an interrupted stream:
// file identity (path, size, mtime), position, and a hash of everything
// read so far so a silent rewrite cannot splice mismatched halves.
type Checkpoint struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"modTime"`
	BytesRead  int64     `json:"bytesRead"`
	ChunkIndex int       `json:"chunkIndex"`
	HashPrefix string    `json:"hashPrefix"`
}

// Reader streams one file as a pull iterator: every Next call performs
// one read, so cancellation between chunks costs at most one chunk of
// work. The controller admits the stream, paces it, and observes its
// chunk timings.
type Reader struct {
	path string
	file *os.File
	ctrl *Controller

	size    int64
	modTime time.Time

	offset     int64
	chunksDone int
	digest     hash.Hash
	checkpoint *Checkpoint

	startedAt time.Time
	closed    bool
}

// NewReader opens path for streaming. The controller may refuse admission
// under pressure; that error carries a retry-after hint and no file handle
// is left open.
func NewReader(path string, ctrl *Controller) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := ctrl.StreamStarted(); err != nil {
		return nil, err
	}
	f, err := os.Open(path) // nolint:gosec // path was resolved and validated by the caller
	if err != nil {
		ctrl.StreamEnded()
		return nil, err
	}
	return &Reader{
		path:      path,
		file:      f,
		ctrl:      ctrl,
		size:      info.Size(),
		modTime:   info.ModTime(),
		digest:    sha256.New(),
		startedAt: time.Now(),
	}, nil
}

// ResumeReader reopens a stream from cp. It refuses with ErrFileChanged
// when the file's size or mtime moved, or when re-reading the consumed
// prefix yields a different hash than the checkpoint recorded.
func ResumeReader(cp *Checkpoint, ctrl *Controller) (*Reader, error) {
	info, err := os.Stat(cp.Path)
	if err != nil {
		return nil, err
	}
	if info.Size() != cp.Size || !info.ModTime().Equal(cp.ModTime) {
		return nil, fmt.Errorf("%w: %s", ErrFileChanged, cp.Path)
	}
	if err := ctrl.StreamStarted(); err != nil {
		return nil, err
	}
	f, err := os.Open(cp.Path) // nolint:gosec // path comes from a checkpoint this process issued
	if err != nil {
		ctrl.StreamEnded()
		return nil, err
	}
	digest := sha256.New()
	if _, err := io.CopyN(digest, f, cp.BytesRead); err != nil {
		_ = f.Close()
		ctrl.StreamEnded()
		return nil, err
	}
	if got := hex.EncodeToString(digest.Sum(nil)); got != cp.HashPrefix {
		_ = f.Close()
		ctrl.StreamEnded()
		return nil, fmt.Errorf("%w: content before offset %d differs", ErrFileChanged, cp.BytesRead)
	}
	return &Reader{
		path:       cp.Path,
		file:       f,
		ctrl:       ctrl,
		size:       cp.Size,
		modTime:    cp.ModTime,
		offset:     cp.BytesRead,
		chunksDone: cp.ChunkIndex,
		digest:     digest,
		checkpoint: cp,
		startedAt:  time.Now(),
	}, nil
}

// Size returns the file size captured at open.
func (r *Reader) Size() int64 { return r.size }

// BytesRead returns the offset the next chunk starts at.
func (r *Reader) BytesRead() int64 { return r.offset }

// Checkpoint returns the most recent progress snapshot, or nil before the
// first one is captured.
func (r *Reader) Checkpoint() *Checkpoint { return r.checkpoint }

// Next returns the next chunk, or io.EOF after the last one. Cancellation
// closes the reader and returns the context error; the latest checkpoint
// stays available for a later resume.
func (r *Reader) Next(ctx context.Context) (*Chunk, error) {
	if r.closed {
		return nil, os.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		_ = r.Close()
		return nil, err
	}
	if r.offset >= r.size {
		return nil, io.EOF
	}
	if err := r.pace(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}

	want := AdaptiveChunkSize(r.size, r.ctrl.Level(), r.throughput())
	if remaining := r.size - r.offset; int64(want) > remaining {
		want = int(remaining)
	}
	buf := make([]byte, want)

	begin := time.Now()
	n, err := io.ReadFull(r.file, buf)
	r.ctrl.RecordChunkTime(time.Since(begin))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	buf = buf[:n]

	chunk := &Chunk{Index: r.chunksDone, Offset: r.offset, Data: buf}
	r.digest.Write(buf)
	r.offset += int64(n)
	r.chunksDone++
	if r.chunksDone%checkpointInterval == 0 {
		r.snapshotCheckpoint()
	}
	return chunk, nil
}

// pace applies the controller's inter-chunk delay, honoring cancellation.
func (r *Reader) pace(ctx context.Context) error {
	delay := r.ctrl.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// throughput reports observed bytes per second for this stream so far.
func (r *Reader) throughput() float64 {
	elapsed := time.Since(r.startedAt).Seconds()
	if elapsed <= 0 || r.offset == 0 {
		return 0
	}
	return float64(r.offset) / elapsed
}

func (r *Reader) snapshotCheckpoint() {
	r.checkpoint = &Checkpoint{
		Path:       r.path,
		Size:       r.size,
		ModTime:    r.modTime,
		BytesRead:  r.offset,
		ChunkIndex: r.chunksDone,
		HashPrefix: hex.EncodeToString(r.digest.Sum(nil)),
	}
}

// Close releases the file handle and the controller's stream slot. It is
// idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.file.Close()
	r.ctrl.StreamEnded()
	return err
}

// ReadAll drains the reader into memory. The caller still owns Close.
func (r *Reader) ReadAll(ctx context.Context) ([]byte, error) {
	out := make([]byte, 0, r.size-r.offset)
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, chunk.Data...)
	}
}

// ReadArtifact reads path wholesale, streaming with checkpoint recovery
// when the size or current pressure calls for it. The second return
// reports whether the streamed path was taken. Retryable failures resume
// from the latest checkpoint up to MaxRetryAttempts times with backoff;
// without a checkpoint the read restarts from the top.
func ReadArtifact(ctx context.Context, path string, ctrl *Controller, threshold int64) ([]byte, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	if !ShouldStream(info.Size(), threshold, ctrl.Level()) {
		data, err := os.ReadFile(path) // nolint:gosec // path was resolved and validated by the caller
		return data, false, err
	}

	var (
		out []byte
		cp  *Checkpoint
	)
	for attempt := 0; ; attempt++ {
		var r *Reader
		if cp != nil {
			r, err = ResumeReader(cp, ctrl)
		} else {
			out = out[:0]
			r, err = NewReader(path, ctrl)
		}
		if err == nil {
			var chunk *Chunk
			for {
				chunk, err = r.Next(ctx)
				if errors.Is(err, io.EOF) {
					err = nil
					break
				}
				if err != nil {
					break
				}
				out = append(out, chunk.Data...)
			}
			cp = r.Checkpoint()
			_ = r.Close()
			if err == nil {
				return out, true, nil
			}
		}
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		class := Classify(err)
		if !class.Retryable() || attempt+1 >= MaxRetryAttempts {
			return nil, true, err
		}
		if cp != nil {
			out = out[:cp.BytesRead]
		}
		select {
		case <-ctx.Done():
			return nil, true, ctx.Err()
		case <-time.After(RetryDelay(attempt + 1)):
		}
	}
}

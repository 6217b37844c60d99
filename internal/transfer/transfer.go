// Package transfer streams a package from an HTTP source to disk, starting at an arbitrary offset.
package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/pkgdl/internal/bufferpool"
	"github.com/cenkalti/pkgdl/internal/logger"
	"github.com/cenkalti/pkgdl/internal/storage"
	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"
)

const (
	// DefaultChunkSize is the maximum number of bytes read from the response at once.
	DefaultChunkSize = 64 * 1024
	// DefaultUpdateInterval is the minimum time between two progress updates.
	DefaultUpdateInterval = 500 * time.Millisecond
)

// State of a transfer. It is shared by the Engine and the progress reporter.
type State struct {
	// Bytes of the package placed on disk. Never decreases.
	Offset int64
	// Size of the package. Zero until the response length is known.
	Total int64
	// Offset at the time the request was sent.
	InitialOffset int64
	// True until the first request of a resumed download is sent.
	Resuming bool
	// Time the request was sent.
	StartTime time.Time
	// Progress must not be reported before this time.
	NextUpdate time.Time
}

// Transport opens range requests to a package source.
type Transport interface {
	// Open requests url starting at byte offset.
	Open(ctx context.Context, url, contentID string, offset int64) (Response, error)
}

// Response is the body of a range request.
type Response interface {
	// Length returns the number of bytes the server declared it will send.
	// Negative values mean the length is unknown.
	Length() (int64, error)
	io.Reader
	io.Closer
}

// Options for creating a new Engine.
type Options struct {
	URL       string
	ContentID string
	Transport Transport
	// Opens the file received bytes are appended to. Called once, after the server
	// accepted the request and free space is checked. Nothing is created on disk
	// before that.
	Open func() (storage.File, error)
	// Received bytes are written to Hash in stream order.
	Hash io.Writer
	// Called once with the response length before any bytes are read.
	CheckFreeSpace func(n int64) error
	// Polled once per chunk.
	Cancelled func() bool
	// Persists resume data. Called when the transfer is aborted while streaming and
	// every CheckpointInterval bytes.
	Checkpoint func() error
	// Called once per chunk before reading.
	Progress func(*State)
	// Zero disables periodic checkpoints.
	CheckpointInterval int64
	// Read buffer is taken from Buffers if set. Otherwise a buffer of ChunkSize is allocated.
	Buffers        *bufferpool.Pool
	ChunkSize      int
	UpdateInterval time.Duration
	// Optional download speed limit.
	Bucket *ratelimit.Bucket
	// Optional meter for received bytes.
	Meter metrics.Meter
	Log   logger.Logger
}

// Engine downloads a single package with one HTTP request.
type Engine struct {
	opts           Options
	phase          Phase
	resp           Response
	out            storage.File
	buf            []byte
	pooled         *bufferpool.Buffer
	lastCheckpoint int64
	log            logger.Logger
}

// New returns a new Engine. It does not send any request until Run is called.
func New(o Options) *Engine {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = DefaultUpdateInterval
	}
	if o.CheckFreeSpace == nil {
		o.CheckFreeSpace = func(int64) error { return nil }
	}
	l := o.Log
	if l == nil {
		l = logger.New("transfer")
	}
	e := &Engine{
		opts: o,
		log:  l,
	}
	if o.Buffers != nil {
		e.pooled = o.Buffers.Get()
		e.buf = e.pooled.Data()
	} else {
		e.buf = make([]byte, o.ChunkSize)
	}
	return e
}

// Phase returns the current phase of the Engine.
func (e *Engine) Phase() Phase {
	return e.phase
}

// Run downloads bytes starting at s.Offset until s.Total bytes are on disk.
// Cancellation is checked between chunks; a read in progress is never interrupted.
func (e *Engine) Run(ctx context.Context, s *State) error {
	if e.phase != Unstarted || e.buf == nil {
		return errors.New("transfer engine can only run once")
	}
	e.lastCheckpoint = s.Offset
	for {
		if e.resp != nil && s.Offset >= s.Total {
			break
		}
		if e.cancelled(ctx) {
			e.phase = Cancelled
			e.log.Infof("cancelled at offset %d", s.Offset)
			e.persist()
			return ErrCancelled
		}
		if e.opts.Progress != nil {
			e.opts.Progress(s)
		}
		if e.resp == nil {
			err := e.request(ctx, s)
			if err != nil {
				e.phase = Failed
				return err
			}
			if s.Offset >= s.Total {
				break
			}
		}
		err := e.readChunk(ctx, s)
		if err != nil {
			e.phase = Failed
			return err
		}
	}
	e.phase = Complete
	e.log.Debugf("transfer complete, %d bytes", s.Total)
	return nil
}

// Close releases the response and the read buffer. The output file is not closed.
// It is safe to call more than once.
func (e *Engine) Close() error {
	if e.pooled != nil {
		e.pooled.Release()
		e.pooled = nil
		e.buf = nil
	}
	if e.resp == nil {
		return nil
	}
	err := e.resp.Close()
	e.resp = nil
	return err
}

func (e *Engine) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return e.opts.Cancelled != nil && e.opts.Cancelled()
}

func (e *Engine) request(ctx context.Context, s *State) error {
	e.phase = Requesting
	s.InitialOffset = s.Offset
	e.log.Debugf("requesting %s @ %d", e.opts.URL, s.Offset)
	// Reads must not be interrupted by cancellation of ctx.
	resp, err := e.opts.Transport.Open(context.WithoutCancel(ctx), e.opts.URL, e.opts.ContentID, s.Offset)
	if err != nil {
		return &RequestError{Err: err}
	}
	e.resp = resp
	length, err := resp.Length()
	if err != nil {
		return &ResponseError{Err: err}
	}
	if length < 0 {
		return ErrUnknownLength
	}
	s.Total = s.Offset + length
	err = e.opts.CheckFreeSpace(length)
	if err != nil {
		return err
	}
	e.out, err = e.opts.Open()
	if err != nil {
		return err
	}
	e.log.Debugf("http response length = %d, total pkg size = %d", length, s.Total)
	now := time.Now()
	s.Resuming = false
	s.StartTime = now
	s.NextUpdate = now.Add(e.opts.UpdateInterval)
	e.phase = Streaming
	return nil
}

func (e *Engine) readChunk(ctx context.Context, s *State) error {
	size := int64(len(e.buf))
	if remaining := s.Total - s.Offset; remaining < size {
		size = remaining
	}
	e.wait(ctx, size)
	n, err := e.resp.Read(e.buf[:size])
	if n > 0 {
		data := e.buf[:n]
		s.Offset += int64(n)
		if _, herr := e.opts.Hash.Write(data); herr != nil {
			return herr
		}
		if _, werr := e.out.Write(data); werr != nil {
			return &WriteError{Path: e.out.Name(), Err: werr}
		}
		if e.opts.Meter != nil {
			e.opts.Meter.Mark(int64(n))
		}
		if e.opts.CheckpointInterval > 0 && s.Offset-e.lastCheckpoint >= e.opts.CheckpointInterval {
			e.persist()
			e.lastCheckpoint = s.Offset
		}
	}
	if n > 0 && (err == nil || err == io.EOF && s.Offset == s.Total) {
		return nil
	}
	e.persist()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		e.log.Errorf("connection closed at offset %d of %d", s.Offset, s.Total)
		return ErrConnectionClosed
	}
	e.log.Errorf("read error at offset %d: %s", s.Offset, err)
	return newReadError(err)
}

// wait blocks until the speed limit allows reading n bytes.
func (e *Engine) wait(ctx context.Context, n int64) {
	if e.opts.Bucket == nil {
		return
	}
	d := e.opts.Bucket.Take(n)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// persist syncs the output file and saves resume data.
// There is nothing to save if the output file is not opened yet.
func (e *Engine) persist() {
	if e.opts.Checkpoint == nil || e.out == nil {
		return
	}
	if err := e.out.Sync(); err != nil {
		e.log.Errorln("cannot sync output file:", err)
		return
	}
	if err := e.opts.Checkpoint(); err != nil {
		e.log.Errorln("cannot save resume data:", err)
	}
}

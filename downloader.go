// Package pkgdl downloads packages over HTTP with resume support and verifies their SHA-256 digest.
package pkgdl

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/pkgdl/internal/bufferpool"
	"github.com/cenkalti/pkgdl/internal/httptransport"
	"github.com/cenkalti/pkgdl/internal/logger"
	"github.com/cenkalti/pkgdl/internal/resumer"
	"github.com/cenkalti/pkgdl/internal/resumer/boltdbresumer"
	"github.com/cenkalti/pkgdl/internal/resumer/fileresumer"
	"github.com/cenkalti/pkgdl/internal/storage/filestorage"
	"github.com/cenkalti/pkgdl/internal/transfer"
	"github.com/cenkalti/pkgdl/internal/verifier"
	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"
)

// DigestSize is the length of a SHA-256 digest in bytes.
const DigestSize = verifier.Size

// Downloader downloads packages into the folders given in Config.
// Downloads must not run concurrently.
type Downloader struct {
	config    Config
	ui        UI
	transport transfer.Transport
	storage   *filestorage.FileStorage
	resumer   resumer.Resumer
	closers   []func() error
	buffers   *bufferpool.Pool
	bucket    *ratelimit.Bucket
	metrics   *downloaderMetrics
	log       logger.Logger
}

// Option changes the default behavior of Downloader.
type Option func(*Downloader)

// WithTransport makes the Downloader use t instead of the HTTP transport.
func WithTransport(t transfer.Transport) Option {
	return func(d *Downloader) {
		d.transport = t
	}
}

// WithResumer makes the Downloader keep resume records in r instead of the backend in Config.
func WithResumer(r resumer.Resumer) Option {
	return func(d *Downloader) {
		d.resumer = r
	}
}

// New returns a new Downloader. Progress and errors are reported to ui.
func New(cfg Config, ui UI, opts ...Option) (*Downloader, error) {
	err := cfg.expandPaths()
	if err != nil {
		return nil, err
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	if ui == nil {
		ui = NewLogUI()
	}
	d := &Downloader{
		config: cfg,
		ui:     ui,
		log:    logger.New("downloader"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.storage, err = filestorage.New(cfg.PackageDir)
	if err != nil {
		return nil, err
	}
	if d.resumer == nil {
		err = d.openResumer()
		if err != nil {
			return nil, err
		}
	}
	if d.transport == nil {
		tr := httptransport.New(httptransport.Config{
			ConnectTimeout:        cfg.HTTP.ConnectTimeout,
			ResponseHeaderTimeout: cfg.HTTP.ResponseHeaderTimeout,
			UserAgent:             cfg.HTTP.UserAgent,
		})
		d.transport = tr
		d.closers = append(d.closers, func() error { tr.CloseIdleConnections(); return nil })
	}
	if cfg.SpeedLimit > 0 {
		rate := cfg.SpeedLimit * 1024
		d.bucket = ratelimit.NewBucketWithRate(float64(rate), rate)
	}
	d.buffers = bufferpool.New(cfg.ChunkSize)
	d.metrics = newMetrics()
	return d, nil
}

func (d *Downloader) openResumer() error {
	switch d.config.ResumeBackend {
	case "bolt":
		err := os.MkdirAll(filepath.Dir(d.config.Database), 0750)
		if err != nil {
			return err
		}
		r, err := boltdbresumer.Open(d.config.Database, verifier.RecordSize)
		if err != nil {
			return err
		}
		d.resumer = r
		d.closers = append(d.closers, r.Close)
	default:
		r, err := fileresumer.New(d.config.TempDir, verifier.RecordSize)
		if err != nil {
			return err
		}
		d.resumer = r
	}
	return nil
}

// Close releases the resources used by the Downloader.
func (d *Downloader) Close() error {
	var err error
	for _, c := range d.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	d.metrics.Close()
	return err
}

// Metrics returns the registry holding download counters and speed meter.
func (d *Downloader) Metrics() metrics.Registry {
	return d.metrics.registry
}

// Config returns the effective configuration with folder paths expanded.
func (d *Downloader) Config() Config {
	return d.config
}

// Download is the same as Fetch but only reports whether the package is complete and verified.
func (d *Downloader) Download(ctx context.Context, contentID, url string, license []byte, digest *[DigestSize]byte) bool {
	return d.Fetch(ctx, contentID, url, license, digest) == nil
}

// Fetch downloads the package at url to "<PackageDir>/<title id>.pkg".
// If a previous download of the same title was interrupted, it continues from where it stopped.
// The package is verified against digest unless digest is nil.
// If license is not nil, it is saved as "<LicenseDir>/<contentID>.rap" after verification.
//
// Failures other than cancellation are reported once to the UI. The returned error is an *Error.
func (d *Downloader) Fetch(ctx context.Context, contentID, url string, license []byte, digest *[DigestSize]byte) error {
	s := d.newSession(contentID, url, license, digest)
	s.log.Infof("downloading %s from %s", contentID, url)
	start := time.Now()
	err := s.run(ctx)
	if err == nil {
		d.metrics.DownloadsSucceeded.Inc(1)
		s.log.Infof("download completed in %s", time.Since(start).Truncate(time.Millisecond))
		return nil
	}
	derr := err.(*Error)
	if derr.Kind == Cancelled {
		s.log.Infoln("download cancelled")
		return derr
	}
	d.metrics.DownloadsFailed.Inc(1)
	s.log.Errorln(derr.Detail())
	d.ui.ShowError(derr.Error())
	return derr
}

// PendingDownload is an interrupted download that can be resumed.
type PendingDownload struct {
	TitleID string
	// Empty if the resume backend does not store download info.
	ContentID string
	URL       string
	SavedAt   time.Time
}

// Pending returns the downloads that have a resume record.
func (d *Downloader) Pending() ([]PendingDownload, error) {
	l, ok := d.resumer.(resumer.Lister)
	if !ok {
		return nil, nil
	}
	entries, err := l.List()
	if err != nil {
		return nil, err
	}
	ret := make([]PendingDownload, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, PendingDownload{
			TitleID:   e.ID,
			ContentID: e.Info.ContentID,
			URL:       e.Info.URL,
			SavedAt:   e.SavedAt,
		})
	}
	return ret, nil
}

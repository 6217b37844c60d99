package pkgdl

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/pkgdl/internal/license"
	"github.com/cenkalti/pkgdl/internal/logger"
	"github.com/cenkalti/pkgdl/internal/progress"
	"github.com/cenkalti/pkgdl/internal/resumer"
	"github.com/cenkalti/pkgdl/internal/storage"
	"github.com/cenkalti/pkgdl/internal/storage/filestorage"
	"github.com/cenkalti/pkgdl/internal/transfer"
	"github.com/cenkalti/pkgdl/internal/verifier"
	"github.com/hashicorp/go-multierror"
)

// session holds the state of a single Fetch call.
type session struct {
	d         *Downloader
	contentID string
	url       string
	titleID   string
	name      string
	license   []byte
	digest    *[DigestSize]byte
	hash      *verifier.Accumulator
	state     transfer.State
	// Partial file is continued instead of created.
	resumed  bool
	file     storage.File
	progress *progress.Reporter
	log      logger.Logger
}

func (d *Downloader) newSession(contentID, url string, lic []byte, digest *[DigestSize]byte) *session {
	titleID := TitleID(contentID)
	name := packageName(titleID)
	return &session{
		d:         d,
		contentID: contentID,
		url:       url,
		titleID:   titleID,
		name:      name,
		license:   lic,
		digest:    digest,
		hash:      verifier.New(),
		progress:  progress.New(name, d.config.UpdateInterval),
		log:       logger.New("download " + titleID),
	}
}

func (s *session) run(ctx context.Context) error {
	err := s.download(ctx)
	if err != nil {
		return newError("download", err)
	}
	s.log.Debugf("package digest: %x", s.hash.Sum())
	err = s.hash.Verify(s.digest)
	if err != nil {
		s.d.metrics.IntegrityFailures.Inc(1)
		s.removeDownload()
		return newError("verify", err)
	}
	if s.license != nil {
		// Keep the complete package resumable until the license is saved.
		err = s.saveResume()
		if err != nil {
			s.log.Warningln("cannot save resume data:", err)
		}
		s.d.ui.UpdateProgress("Creating RAP file", "", "", 1)
		err = license.Write(s.d.config.LicenseDir, s.contentID, s.license)
		if err != nil {
			return newError("license", err)
		}
	}
	err = s.d.resumer.Clear(s.titleID)
	if err != nil {
		s.log.Warningln("cannot remove resume data:", err)
	}
	return nil
}

// download places the package on disk and feeds it to the hash.
func (s *session) download(ctx context.Context) (err error) {
	err = s.prepare()
	if err != nil {
		return err
	}
	e := transfer.New(transfer.Options{
		URL:                s.url,
		ContentID:          s.contentID,
		Transport:          s.d.transport,
		Open:               s.openOutput,
		Hash:               s.hash,
		CheckFreeSpace:     s.d.storage.CheckFreeSpace,
		Cancelled:          s.d.ui.IsCancelled,
		Checkpoint:         s.saveResume,
		Progress:           s.tick,
		CheckpointInterval: s.d.config.CheckpointInterval,
		Buffers:            s.d.buffers,
		UpdateInterval:     s.d.config.UpdateInterval,
		Bucket:             s.d.bucket,
		Meter:              s.d.metrics.SpeedDownload,
		Log:                s.log,
	})
	defer func() {
		var result *multierror.Error
		if cerr := e.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		var ferr error
		if s.file != nil {
			ferr = s.file.Close()
			if ferr != nil {
				result = multierror.Append(result, ferr)
			}
		}
		if cerr := result.ErrorOrNil(); cerr != nil {
			s.log.Errorln("cannot close download:", cerr)
		}
		if ferr != nil && err == nil {
			err = &transfer.WriteError{Path: s.file.Name(), Err: ferr}
		}
	}()
	return e.Run(ctx, &s.state)
}

// prepare sets the initial transfer state. The partial file is continued if there
// is a valid resume record for it.
func (s *session) prepare() error {
	now := time.Now()
	s.state = transfer.State{
		StartTime:  now,
		NextUpdate: now.Add(2 * s.d.config.UpdateInterval),
	}
	record, err := s.d.resumer.Load(s.titleID)
	if err != nil {
		s.log.Warningln("cannot load resume data:", err)
	} else if record != nil {
		s.resumed, err = s.resume(record)
		if err != nil {
			return err
		}
	}
	if s.resumed {
		s.log.Infof("resuming download at offset %d", s.state.Offset)
		s.d.metrics.DownloadsResumed.Inc(1)
		s.d.ui.SetProgressTitle("Resuming")
		return nil
	}
	s.log.Infoln("starting new download")
	s.hash.Reset()
	s.d.ui.SetProgressTitle("Downloading")
	return nil
}

// resume checks the partial file against the record. It returns false if they
// do not match and the download must start over.
func (s *session) resume(record []byte) (bool, error) {
	err := s.hash.UnmarshalBinary(record)
	if err != nil {
		s.log.Warningln("invalid resume data:", err)
		s.clearResume()
		return false, nil
	}
	n := s.hash.Len()
	size, err := s.d.storage.Size(s.name)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warningln("partial file is missing, starting over")
		s.clearResume()
		return false, nil
	}
	if err != nil {
		return false, &filestorage.FileError{Op: "resume", Name: s.name, Err: err}
	}
	if size < n {
		s.log.Warningf("partial file has %d bytes but resume data has %d, starting over", size, n)
		s.clearResume()
		return false, nil
	}
	if size > n {
		s.log.Warningf("truncating partial file from %d to %d bytes", size, n)
		err = s.d.storage.Truncate(s.name, n)
		if err != nil {
			return false, &filestorage.FileError{Op: "resume", Name: s.name, Err: err}
		}
	}
	s.state.Offset = n
	s.state.Resuming = true
	return true, nil
}

// openOutput is called by the engine once the server has accepted the request.
func (s *session) openOutput() (storage.File, error) {
	var err error
	if s.resumed {
		s.file, err = s.d.storage.Append(s.name)
	} else {
		s.file, err = s.d.storage.Create(s.name)
	}
	if err != nil {
		s.file = nil
		return nil, err
	}
	return s.file, nil
}

func (s *session) tick(st *transfer.State) {
	u, ok := s.progress.Tick(time.Now(), st)
	if ok {
		s.d.ui.UpdateProgress(u.Label, u.Extra, u.ETA, u.Fraction)
	}
}

// saveResume writes the hash state to the resume record.
func (s *session) saveResume() error {
	b, err := s.hash.MarshalBinary()
	if err != nil {
		return err
	}
	err = s.d.resumer.Save(s.titleID, b)
	if err != nil {
		return err
	}
	if w, ok := s.d.resumer.(resumer.InfoWriter); ok {
		err = w.WriteInfo(s.titleID, resumer.Info{ContentID: s.contentID, URL: s.url})
		if err != nil {
			return err
		}
	}
	s.log.Debugf("saved resume data at offset %d", s.hash.Len())
	return nil
}

func (s *session) clearResume() {
	s.hash.Reset()
	err := s.d.resumer.Clear(s.titleID)
	if err != nil {
		s.log.Warningln("cannot remove resume data:", err)
	}
}

// removeDownload deletes the package file and its resume record.
func (s *session) removeDownload() {
	err := s.d.storage.Remove(s.name)
	if err != nil {
		s.log.Errorln("cannot remove package file:", err)
	}
	err = s.d.resumer.Clear(s.titleID)
	if err != nil {
		s.log.Errorln("cannot remove resume data:", err)
	}
}

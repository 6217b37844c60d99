package pkgdl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/pkgdl/internal/resumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	contentID = "UP0000-TEST00000_00-0000000000000000"
	titleID   = "TEST00000"
)

var (
	data   = randomData(100000)
	digest = sha256.Sum256(data)
	rap    = bytes.Repeat([]byte{0x42}, 16)
)

func randomData(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(b)
	return b
}

type testUI struct {
	titles    []string
	fractions []float32
	errors    []string
	// IsCancelled returns true starting from this poll. Zero means never.
	cancelAt int
	polls    int
}

func (u *testUI) SetProgressTitle(title string) { u.titles = append(u.titles, title) }

func (u *testUI) UpdateProgress(label, extra, eta string, fraction float32) {
	u.fractions = append(u.fractions, fraction)
}

func (u *testUI) IsCancelled() bool {
	u.polls++
	return u.cancelAt > 0 && u.polls >= u.cancelAt
}

func (u *testUI) ShowError(msg string) { u.errors = append(u.errors, msg) }

type testServer struct {
	*httptest.Server
	mu     sync.Mutex
	ranges []string
}

func newTestServer(h http.HandlerFunc) *testServer {
	s := &testServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.ranges = append(s.ranges, r.Header.Get("Range"))
		s.mu.Unlock()
		h(w, r)
	}))
	return s
}

func serveData(w http.ResponseWriter, r *http.Request) {
	http.ServeContent(w, r, "a.pkg", time.Time{}, bytes.NewReader(data))
}

// serveShort declares the full length but closes the connection after n bytes.
func serveShort(n int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write(data[:n])
	}
}

func (s *testServer) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	cfg := DefaultConfig
	cfg.PackageDir = filepath.Join(dir, "pkg")
	cfg.LicenseDir = filepath.Join(dir, "rap")
	cfg.TempDir = filepath.Join(dir, "tmp")
	cfg.Database = filepath.Join(dir, "resume.db")
	cfg.ChunkSize = 1000
	cfg.UpdateInterval = time.Millisecond
	return cfg
}

func newDownloader(t *testing.T, cfg Config, ui UI) *Downloader {
	d, err := New(cfg, ui)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func packagePath(cfg Config) string {
	return filepath.Join(cfg.PackageDir, titleID+".pkg")
}

func readPackage(t *testing.T, cfg Config) []byte {
	b, err := os.ReadFile(packagePath(cfg))
	require.NoError(t, err)
	return b
}

func loadRecord(t *testing.T, d *Downloader) []byte {
	b, err := d.resumer.Load(titleID)
	require.NoError(t, err)
	return b
}

// interrupt starts a download that is cancelled after receiving a few chunks.
func interrupt(t *testing.T, cfg Config, url string) {
	ui := &testUI{cancelAt: 3}
	d := newDownloader(t, cfg, ui)
	err := d.Fetch(context.Background(), contentID, url, nil, &digest)
	require.ErrorIs(t, err, ErrCancelled)
	require.NoError(t, d.Close())
}

func TestDownloadNew(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)

	ok := d.Download(context.Background(), contentID, srv.URL, rap, &digest)
	require.True(t, ok, "%v", ui.errors)

	assert.Equal(t, data, readPackage(t, cfg))
	b, err := os.ReadFile(filepath.Join(cfg.LicenseDir, contentID+".rap"))
	require.NoError(t, err)
	assert.Equal(t, rap, b)
	assert.Nil(t, loadRecord(t, d))
	assert.Empty(t, ui.errors)
	assert.Equal(t, []string{"Downloading"}, ui.titles)
	assert.Equal(t, []string{""}, srv.Ranges())
	assert.Equal(t, int64(1), d.metrics.DownloadsSucceeded.Count())
	assert.Equal(t, int64(len(data)), d.metrics.SpeedDownload.Count())
	require.NotEmpty(t, ui.fractions)
	assert.Equal(t, float32(1), ui.fractions[len(ui.fractions)-1])
	for i := 1; i < len(ui.fractions); i++ {
		assert.GreaterOrEqual(t, ui.fractions[i], ui.fractions[i-1])
	}
}

func TestDownloadWithoutDigest(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)

	err := d.Fetch(context.Background(), contentID, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
	_, err = os.Stat(cfg.LicenseDir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCancelAndResume(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)

	interrupt(t, cfg, srv.URL)

	partial := readPackage(t, cfg)
	require.NotEmpty(t, partial)
	require.Less(t, len(partial), len(data))
	assert.Equal(t, data[:len(partial)], partial)

	ui := &testUI{}
	d := newDownloader(t, cfg, ui)
	record := loadRecord(t, d)
	require.NotNil(t, record)

	err := d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
	assert.Nil(t, loadRecord(t, d))
	assert.Equal(t, []string{"Resuming"}, ui.titles)
	ranges := srv.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, "", ranges[0])
	assert.Equal(t, "bytes="+strconv.Itoa(len(partial))+"-", ranges[1])
	assert.Equal(t, int64(1), d.metrics.DownloadsResumed.Count())
}

func TestCancelIsNotReported(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	ui := &testUI{cancelAt: 1}
	d := newDownloader(t, cfg, ui)

	err := d.Fetch(context.Background(), contentID, srv.URL, nil, nil)
	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, Cancelled, derr.Kind)
	assert.Empty(t, ui.errors)
	assert.Empty(t, srv.Ranges())
}

func TestConnectionClosedAndResume(t *testing.T) {
	short := newTestServer(serveShort(40000))
	defer short.Close()
	cfg := testConfig(t)
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)

	err := d.Fetch(context.Background(), contentID, short.URL, nil, &digest)
	require.ErrorIs(t, err, ErrConnectionClosed)
	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, Transport, derr.Kind)
	assert.True(t, derr.Temporary())
	assert.Equal(t, []string{"HTTP connection closed"}, ui.errors)
	assert.Equal(t, data[:40000], readPackage(t, cfg))
	assert.NotNil(t, loadRecord(t, d))
	assert.Equal(t, int64(1), d.metrics.DownloadsFailed.Count())

	srv := newTestServer(serveData)
	defer srv.Close()
	err = d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
	assert.Equal(t, []string{"bytes=40000-"}, srv.Ranges())
}

func TestRequestError(t *testing.T) {
	srv := newTestServer(serveData)
	url := srv.URL
	srv.Close()
	cfg := testConfig(t)
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)

	ok := d.Download(context.Background(), contentID, url, nil, &digest)
	assert.False(t, ok)
	assert.Equal(t, []string{"cannot send HTTP request"}, ui.errors)
	assert.Nil(t, loadRecord(t, d))
	_, err := os.Stat(packagePath(cfg))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(http.NotFound)
	defer srv.Close()
	cfg := testConfig(t)
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)

	ok := d.Download(context.Background(), contentID, srv.URL, nil, &digest)
	assert.False(t, ok)
	assert.Equal(t, []string{"HTTP request failed"}, ui.errors)
	assert.Nil(t, loadRecord(t, d))
	_, err := os.Stat(packagePath(cfg))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestIntegrityFailure(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)

	wrong := digest
	wrong[0] ^= 0xff
	err := d.Fetch(context.Background(), contentID, srv.URL, rap, &wrong)
	require.ErrorIs(t, err, ErrIntegrity)
	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, Integrity, derr.Kind)
	assert.Equal(t, "verify", derr.Op)

	_, err = os.Stat(packagePath(cfg))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Nil(t, loadRecord(t, d))
	_, err = os.Stat(filepath.Join(cfg.LicenseDir, contentID+".rap"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.Len(t, ui.errors, 1)
	assert.True(t, strings.HasPrefix(ui.errors[0], "pkg integrity failed, try downloading again"))
	assert.Equal(t, int64(1), d.metrics.IntegrityFailures.Count())
}

func TestLicenseFailureThenComplete(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	// A file where the license folder should be.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(cfg.LicenseDir), "blocker"), nil, 0640))
	bad := cfg
	bad.LicenseDir = filepath.Join(filepath.Dir(cfg.LicenseDir), "blocker", "rap")
	ui := &testUI{}
	d := newDownloader(t, bad, ui)

	err := d.Fetch(context.Background(), contentID, srv.URL, rap, &digest)
	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, License, derr.Kind)
	require.Len(t, ui.errors, 1)
	assert.True(t, strings.HasPrefix(ui.errors[0], "cannot save RAP to "))
	assert.Equal(t, data, readPackage(t, bad))
	assert.NotNil(t, loadRecord(t, d))
	require.NoError(t, d.Close())

	// The package is already complete. The server responds 416 to the range request.
	d = newDownloader(t, cfg, &testUI{})
	err = d.Fetch(context.Background(), contentID, srv.URL, rap, &digest)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(cfg.LicenseDir, contentID+".rap"))
	require.NoError(t, err)
	assert.Equal(t, rap, b)
	assert.Nil(t, loadRecord(t, d))
	assert.Equal(t, "bytes=100000-", srv.Ranges()[1])
}

func TestResumeMissingFile(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	interrupt(t, cfg, srv.URL)
	require.NoError(t, os.Remove(packagePath(cfg)))

	ui := &testUI{}
	d := newDownloader(t, cfg, ui)
	err := d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
	assert.Equal(t, []string{"Downloading"}, ui.titles)
	assert.Equal(t, "", srv.Ranges()[1])
}

func TestResumeTruncatesLongerFile(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	interrupt(t, cfg, srv.URL)
	partial := readPackage(t, cfg)
	f, err := os.OpenFile(packagePath(cfg), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d := newDownloader(t, cfg, &testUI{})
	err = d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
	assert.Equal(t, "bytes="+strconv.Itoa(len(partial))+"-", srv.Ranges()[1])
}

func TestResumeShorterFile(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	interrupt(t, cfg, srv.URL)
	require.NoError(t, os.Truncate(packagePath(cfg), 1))

	d := newDownloader(t, cfg, &testUI{})
	err := d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
	assert.Equal(t, "", srv.Ranges()[1])
}

func TestBoltBackendPending(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	cfg.ResumeBackend = "bolt"
	interrupt(t, cfg, srv.URL)

	d := newDownloader(t, cfg, &testUI{})
	pending, err := d.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, titleID, pending[0].TitleID)
	assert.Equal(t, contentID, pending[0].ContentID)
	assert.Equal(t, srv.URL, pending[0].URL)

	err = d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
	pending, err = d.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSpeedLimit(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	cfg.SpeedLimit = 1000 // KiB/s
	d := newDownloader(t, cfg, &testUI{})

	err := d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.NoError(t, err)
	assert.Equal(t, data, readPackage(t, cfg))
}

func TestCheckpointInterval(t *testing.T) {
	short := newTestServer(serveShort(40000))
	defer short.Close()
	cfg := testConfig(t)
	cfg.CheckpointInterval = 5000
	d := newDownloader(t, cfg, &testUI{})

	var saves int
	d.resumer = &countingResumer{Resumer: d.resumer, saves: &saves}
	err := d.Fetch(context.Background(), contentID, short.URL, nil, &digest)
	require.ErrorIs(t, err, ErrConnectionClosed)
	// Periodic checkpoints plus the one after the connection is closed.
	assert.Greater(t, saves, 1)
	assert.NotNil(t, loadRecord(t, d))
}

func TestUnknownLengthCreatesNothing(t *testing.T) {
	srv := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before the handler returns makes the response chunked.
		w.Write(data[:1000])
		w.(http.Flusher).Flush()
		w.Write(data[1000:2000])
	})
	defer srv.Close()
	cfg := testConfig(t)
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)

	err := d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
	require.ErrorIs(t, err, ErrUnknownLength)
	assert.Equal(t, []string{"HTTP response has unknown length"}, ui.errors)
	_, err = os.Stat(packagePath(cfg))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Nil(t, loadRecord(t, d))
}

func TestResumeUnsatisfiableWithoutSize(t *testing.T) {
	srv := newTestServer(serveData)
	defer srv.Close()
	cfg := testConfig(t)
	interrupt(t, cfg, srv.URL)
	partial := readPackage(t, cfg)

	bare := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	})
	defer bare.Close()
	ui := &testUI{}
	d := newDownloader(t, cfg, ui)
	err := d.Fetch(context.Background(), contentID, bare.URL, nil, nil)
	var derr *Error
	require.True(t, errors.As(err, &derr), "%v", err)
	assert.Equal(t, Transport, derr.Kind)
	assert.Equal(t, []string{"HTTP request failed"}, ui.errors)
	assert.Equal(t, partial, readPackage(t, cfg))
	assert.NotNil(t, loadRecord(t, d))
}

func TestResumeEquivalence(t *testing.T) {
	for _, k := range []int{1, 999, 1000, 1001, 40000, len(data) - 1} {
		t.Run(strconv.Itoa(k), func(t *testing.T) {
			short := newTestServer(serveShort(k))
			defer short.Close()
			srv := newTestServer(serveData)
			defer srv.Close()
			cfg := testConfig(t)
			d := newDownloader(t, cfg, &testUI{})

			err := d.Fetch(context.Background(), contentID, short.URL, nil, &digest)
			require.ErrorIs(t, err, ErrConnectionClosed)
			assert.Equal(t, data[:k], readPackage(t, cfg))
			require.NotNil(t, loadRecord(t, d))
			require.NoError(t, d.Close())

			d = newDownloader(t, cfg, &testUI{})
			err = d.Fetch(context.Background(), contentID, srv.URL, nil, &digest)
			require.NoError(t, err)
			assert.Equal(t, data, readPackage(t, cfg))
			assert.Equal(t, []string{"bytes=" + strconv.Itoa(k) + "-"}, srv.Ranges())
			assert.Nil(t, loadRecord(t, d))
		})
	}
}

func TestMegabytePackage(t *testing.T) {
	const id = "ABCD12345XXXXXXXXXX"
	big := randomData(1000000)
	bigDigest := sha256.Sum256(big)
	serveBig := func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.pkg", time.Time{}, bytes.NewReader(big))
	}

	t.Run("new", func(t *testing.T) {
		srv := newTestServer(serveBig)
		defer srv.Close()
		cfg := testConfig(t)
		cfg.ChunkSize = 64 * 1024
		d := newDownloader(t, cfg, &testUI{})

		err := d.Fetch(context.Background(), id, srv.URL, nil, &bigDigest)
		require.NoError(t, err)
		fi, err := os.Stat(filepath.Join(cfg.PackageDir, "45XXXXXXX.pkg"))
		require.NoError(t, err)
		assert.Equal(t, int64(1000000), fi.Size())
		assert.Equal(t, []string{""}, srv.Ranges())
		record, err := d.resumer.Load("45XXXXXXX")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("resume after crash", func(t *testing.T) {
		short := newTestServer(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "1000000")
			w.Write(big[:400000])
		})
		defer short.Close()
		srv := newTestServer(serveBig)
		defer srv.Close()
		cfg := testConfig(t)
		cfg.ChunkSize = 64 * 1024
		d := newDownloader(t, cfg, &testUI{})

		err := d.Fetch(context.Background(), id, short.URL, nil, &bigDigest)
		require.ErrorIs(t, err, ErrConnectionClosed)
		require.NoError(t, d.Close())

		d = newDownloader(t, cfg, &testUI{})
		err = d.Fetch(context.Background(), id, srv.URL, nil, &bigDigest)
		require.NoError(t, err)
		assert.Equal(t, []string{"bytes=400000-"}, srv.Ranges())
		b, err := os.ReadFile(filepath.Join(cfg.PackageDir, "45XXXXXXX.pkg"))
		require.NoError(t, err)
		assert.Equal(t, bigDigest, sha256.Sum256(b))
	})
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ResumeBackend = "redis"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestTitleID(t *testing.T) {
	assert.Equal(t, "NPUB31154", TitleID("UP0001-NPUB31154_00-0000000000000001"))
	assert.Equal(t, "ABCDEFGHI", TitleID("ABCDEFGHIJKL"))
	assert.Equal(t, "SHORT", TitleID("SHORT"))
	assert.Equal(t, "45XXXXXXX", TitleID("ABCD12345XXXXXXXXXX"))
}

type countingResumer struct {
	resumer.Resumer
	saves *int
}

func (r *countingResumer) Save(id string, state []byte) error {
	*r.saves++
	return r.Resumer.Save(id, state)
}

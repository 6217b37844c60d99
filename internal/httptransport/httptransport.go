// Package httptransport sends range requests for package files over HTTP.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/pkgdl/internal/logger"
	"github.com/cenkalti/pkgdl/internal/transfer"
)

// ErrRangeIgnored is returned when the server sends the whole file for a range request.
var ErrRangeIgnored = errors.New("server does not support range requests")

// StatusError is returned for responses with unexpected status code.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "unexpected status: " + e.Status
}

// RangeError is returned when the server sends a range different than requested.
type RangeError struct {
	Requested    int64
	ContentRange string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("requested range starts at %d but server sent %q", e.Requested, e.ContentRange)
}

// Config for the HTTP transport.
type Config struct {
	// Time limit for establishing TCP and TLS connection.
	ConnectTimeout time.Duration
	// Time limit for receiving response headers after sending the request.
	ResponseHeaderTimeout time.Duration
	// Sent in User-Agent header of requests. Go default is used if empty.
	UserAgent string
}

// Transport opens package responses with a shared http.Client.
type Transport struct {
	client    *http.Client
	transport *http.Transport
	userAgent string
	log       logger.Logger
}

var _ transfer.Transport = (*Transport)(nil)

// New returns a new Transport.
func New(cfg Config) *Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		// Content-Length must be the length of bytes on disk.
		DisableCompression: true,
	}
	return &Transport{
		client:    &http.Client{Transport: transport},
		transport: transport,
		userAgent: cfg.UserAgent,
		log:       logger.New("http"),
	}
}

// Open sends a GET request for url. A Range header is added if offset is not zero.
// The body of the response is not read until Read is called on the returned Response.
func (t *Transport) Open(ctx context.Context, url, contentID string, offset int64) (transfer.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	t.log.Debugf("GET %s (%s) offset=%d", url, contentID, offset)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	t.log.Debugf("%s: %s, content-length=%d", contentID, resp.Status, resp.ContentLength)
	return &Response{resp: resp, offset: offset}, nil
}

// CloseIdleConnections closes keep-alive connections that are not in use.
func (t *Transport) CloseIdleConnections() {
	t.transport.CloseIdleConnections()
}

// Response is the HTTP response of a package request.
type Response struct {
	resp   *http.Response
	offset int64
}

var _ transfer.Response = (*Response)(nil)

// Length checks the status of the response and returns the number of bytes in the body.
// It returns -1 if the server did not declare a length.
func (r *Response) Length() (int64, error) {
	switch r.resp.StatusCode {
	case http.StatusOK:
		if r.offset > 0 {
			return 0, ErrRangeIgnored
		}
		return r.resp.ContentLength, nil
	case http.StatusPartialContent:
		cr := r.resp.Header.Get("Content-Range")
		start, end, _, ok := parseContentRange(cr)
		if !ok || start != r.offset {
			return 0, &RangeError{Requested: r.offset, ContentRange: cr}
		}
		if r.resp.ContentLength >= 0 {
			return r.resp.ContentLength, nil
		}
		return end - start + 1, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// The file is already complete if the server confirms the range starts at its end.
		if r.offset > 0 {
			size, ok := parseUnsatisfiedRange(r.resp.Header.Get("Content-Range"))
			if ok && size == r.offset {
				return 0, nil
			}
		}
	}
	return 0, &StatusError{Code: r.resp.StatusCode, Status: r.resp.Status}
}

// Read reads from the response body.
func (r *Response) Read(p []byte) (int, error) {
	return r.resp.Body.Read(p)
}

// Close closes the response body.
func (r *Response) Close() error {
	return r.resp.Body.Close()
}

// parseContentRange parses header values in "bytes start-end/size" form.
// Size is -1 if it is given as "*".
func parseContentRange(s string) (start, end, size int64, ok bool) {
	s, found := strings.CutPrefix(s, "bytes ")
	if !found {
		return
	}
	rng, sizeStr, found := strings.Cut(s, "/")
	if !found {
		return
	}
	startStr, endStr, found := strings.Cut(rng, "-")
	if !found {
		return
	}
	var err error
	if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return
	}
	if end, err = strconv.ParseInt(endStr, 10, 64); err != nil || end < start {
		return
	}
	size = -1
	if sizeStr != "*" {
		if size, err = strconv.ParseInt(sizeStr, 10, 64); err != nil {
			return
		}
	}
	ok = true
	return
}

// parseUnsatisfiedRange parses header values in "bytes */size" form.
func parseUnsatisfiedRange(s string) (size int64, ok bool) {
	sizeStr, found := strings.CutPrefix(s, "bytes */")
	if !found {
		return 0, false
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	return size, err == nil
}

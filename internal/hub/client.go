// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hub is a minimal client for the remote model hub: it probes file
// metadata before a download is accepted and opens the streaming GET the
// download worker consumes.
package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
)

// DefaultEndpoint is the default hub URL. Can be overridden for mirrors
// or enterprise deployments.
const DefaultEndpoint = "https://huggingface.co"

// SizeUnknown is returned by Probe when the hub does not report a size.
const SizeUnknown int64 = -1

const requestTimeout = 60 * time.Second

// Client talks to the remote model hub.
type Client struct {
	endpoint    string
	httpc       *http.Client
	idleTimeout time.Duration
}

// NewClient creates a Client for the given endpoint. An empty endpoint
// selects DefaultEndpoint.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		endpoint:    strings.TrimSuffix(endpoint, "/"),
		httpc:       &http.Client{Transport: tr},
		idleTimeout: requestTimeout,
	}
}

// FileURL builds the resolve URL for a file in a repository.
// repoID contains "/" which must not be escaped.
func (c *Client) FileURL(repoID, filename string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", c.endpoint, repoID, pathEscapeAll(filename))
}

func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "jarvis-core/1")
}

// Probe checks that the remote file exists and is accessible, returning its
// size in bytes or SizeUnknown. Access denials map to 403, missing files to
// 404, transport failures to 502.
func (c *Client) Probe(ctx context.Context, repoID, filename, token string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.FileURL(repoID, filename), nil)
	if err != nil {
		return SizeUnknown, httperror.Validation("invalid hub request: %v", err)
	}
	addAuth(req, token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return SizeUnknown, httperror.Upstream("model hub error: %v", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, resp.Status); err != nil {
		return SizeUnknown, err
	}

	size := SizeUnknown
	// Resolve endpoints report the artifact size through either header.
	for _, h := range []string{"X-Linked-Size", "Content-Length"} {
		if v := resp.Header.Get(h); v != "" {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil && n >= 0 {
				size = n
				break
			}
		}
	}
	return size, nil
}

// Fetch opens a streaming GET for the remote file. The caller owns the
// response body. Non-2xx statuses are mapped to typed errors and the body
// is closed before returning. Body reads carry an idle timeout: a hub that
// stalls mid-stream surfaces a 502 instead of hanging the download.
func (c *Client) Fetch(ctx context.Context, repoID, filename, token string) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FileURL(repoID, filename), nil)
	if err != nil {
		cancel()
		return nil, httperror.Validation("invalid hub request: %v", err)
	}
	addAuth(req, token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, httperror.Upstream("download failed: %v", err)
	}
	if err := statusError(resp.StatusCode, resp.Status); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}
	resp.Body = newIdleTimeoutBody(resp.Body, c.idleTimeout, cancel)
	return resp, nil
}

// idleTimeoutBody wraps a response body so each read must arrive within the
// idle timeout. On expiry the request context is cancelled and subsequent
// reads report an upstream error rather than the cancellation.
type idleTimeoutBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	stalled atomic.Bool
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{rc: rc, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, func() {
		b.stalled.Store(true)
		cancel()
	})
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && b.stalled.Load() {
		return n, httperror.Upstream("model hub stalled: no data received for %s", b.timeout)
	}
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.rc.Close()
}

func statusError(code int, status string) error {
	switch {
	case code == 401 || code == 403:
		return httperror.Forbidden("unauthorized to access this model")
	case code == 404:
		return httperror.NotFound("model file not found on the model hub")
	case code >= 400:
		return httperror.Upstream("model hub error: %s", status)
	}
	return nil
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}

// Package clients holds the upstream intelligence-API client. The API is the
// browser-facing one, so requests carry captured session headers (cookie,
// x-payload, x-timestamp) that operators rotate at runtime.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const previewLimit = 200

// ErrBadShape marks an upstream response whose content type or body shape
// is not a JSON document.
var ErrBadShape = errors.New("upstream returned a non-document body")

// HTTPError is a non-200 upstream response.
type HTTPError struct {
	Status  int
	Preview string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Status, e.Preview)
}

// Headers are the captured session headers required by the upstream API.
type Headers struct {
	Cookie     string
	XPayload   string
	XTimestamp string
	UserAgent  string
	Origin     string
	Referer    string
	Accept     string
	Extra      map[string]string
}

// HeaderUpdate carries rotated session headers; empty fields keep the
// current value. XPayload and XTimestamp must stay paired from the same
// captured request, rotating one without the other breaks signing.
type HeaderUpdate struct {
	Cookie     string `json:"cookie"`
	XPayload   string `json:"xPayload"`
	XTimestamp string `json:"xTimestamp"`
}

// HeaderStatus reports which session headers are present.
type HeaderStatus struct {
	Cookie     bool  `json:"cookie"`
	XPayload   bool  `json:"xPayload"`
	XTimestamp bool  `json:"xTimestamp"`
	AgeSec     int64 `json:"lastUpdateSec"`
}

// ArkhamClient fetches balance and transfer documents for one entity.
type ArkhamClient struct {
	baseURL      string
	balancesPath string
	entity       string
	httpClient   *http.Client
	logger       *zap.Logger

	mu               sync.RWMutex
	headers          Headers
	lastHeaderUpdate time.Time
}

// Option configures an ArkhamClient.
type Option func(*ArkhamClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *ArkhamClient) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ArkhamClient) {
		c.httpClient = hc
	}
}

// NewArkhamClient creates a client for the given entity.
func NewArkhamClient(baseURL, balancesPath, entity string, headers Headers, logger *zap.Logger, opts ...Option) *ArkhamClient {
	c := &ArkhamClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		balancesPath:     balancesPath,
		entity:           entity,
		httpClient:       &http.Client{Timeout: 20 * time.Second},
		logger:           logger,
		headers:          headers,
		lastHeaderUpdate: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchBalances retrieves the raw balance document. Non-200 responses map to
// HTTPError; non-JSON or non-document bodies map to ErrBadShape.
func (c *ArkhamClient) FetchBalances(ctx context.Context) (any, error) {
	return c.getDocument(ctx, c.balancesPath)
}

// FetchTransfers retrieves one page of the transfer feed, newest first.
func (c *ArkhamClient) FetchTransfers(ctx context.Context, limit, offset int) (any, error) {
	path := fmt.Sprintf("/transfers?base=%s&flow=all&usdGte=1&sortKey=time&sortDir=desc&limit=%d&offset=%d",
		url.QueryEscape(c.entity), limit, offset)
	return c.getDocument(ctx, path)
}

func (c *ArkhamClient) getDocument(ctx context.Context, path string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "upstream request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read upstream body")
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > previewLimit {
			preview = preview[:previewLimit]
		}
		return nil, &HTTPError{Status: resp.StatusCode, Preview: preview}
	}

	if ctype := resp.Header.Get("Content-Type"); !strings.Contains(ctype, "application/json") {
		c.logger.Error("upstream returned non-JSON content type", zap.String("contentType", ctype))
		return nil, ErrBadShape
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, ErrBadShape
	}
	switch doc.(type) {
	case map[string]any, []any:
		return doc, nil
	default:
		c.logger.Error("upstream returned unexpected body type")
		return nil, ErrBadShape
	}
}

func (c *ArkhamClient) applyHeaders(req *http.Request) {
	c.mu.RLock()
	h := c.headers
	c.mu.RUnlock()

	set := func(key, value string) {
		if value != "" {
			req.Header.Set(key, value)
		}
	}
	set("cookie", h.Cookie)
	set("x-payload", h.XPayload)
	set("user-agent", h.UserAgent)
	set("origin", h.Origin)
	set("referer", h.Referer)
	set("accept", h.Accept)
	for key, value := range h.Extra {
		set(key, value)
	}

	// a fresh x-timestamp is acceptable only when none was captured
	if h.XTimestamp != "" {
		req.Header.Set("x-timestamp", h.XTimestamp)
	} else {
		req.Header.Set("x-timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	}
}

// HasCompleteHeaders reports whether the full captured header triple is set.
func (c *ArkhamClient) HasCompleteHeaders() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headers.Cookie != "" && c.headers.XPayload != "" && c.headers.XTimestamp != ""
}

// UpdateHeaders applies rotated session headers.
func (c *ArkhamClient) UpdateHeaders(upd HeaderUpdate) {
	c.mu.Lock()
	if upd.Cookie != "" {
		c.headers.Cookie = upd.Cookie
	}
	if upd.XPayload != "" {
		c.headers.XPayload = upd.XPayload
	}
	if upd.XTimestamp != "" {
		c.headers.XTimestamp = upd.XTimestamp
	}
	c.lastHeaderUpdate = time.Now()
	status := c.headerStatusLocked()
	c.mu.Unlock()

	c.logger.Info("updated upstream headers",
		zap.Bool("hasCookie", status.Cookie),
		zap.Bool("hasPayload", status.XPayload),
		zap.Bool("hasTimestamp", status.XTimestamp))
}

// HeaderStatus reports header presence and the age of the last rotation.
func (c *ArkhamClient) HeaderStatus() HeaderStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headerStatusLocked()
}

func (c *ArkhamClient) headerStatusLocked() HeaderStatus {
	return HeaderStatus{
		Cookie:     c.headers.Cookie != "",
		XPayload:   c.headers.XPayload != "",
		XTimestamp: c.headers.XTimestamp != "",
		AgeSec:     int64(time.Since(c.lastHeaderUpdate).Seconds()),
	}
}

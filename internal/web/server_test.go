package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkuzmin/entitytrack/internal/clients"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"github.com/vkuzmin/entitytrack/internal/services/retention"
	"github.com/vkuzmin/entitytrack/internal/storage/journal"
	"go.uber.org/zap"
)

type stubResults struct {
	res  *domain.CurrentResult
	next time.Time
}

func (s *stubResults) Latest() (*domain.CurrentResult, error) {
	if s.res == nil {
		return nil, domain.ErrNoData
	}
	return s.res, nil
}

func (s *stubResults) NextPrimaryAt() time.Time { return s.next }

type stubHeaders struct {
	status  clients.HeaderStatus
	updates []clients.HeaderUpdate
}

func (s *stubHeaders) UpdateHeaders(upd clients.HeaderUpdate) {
	s.updates = append(s.updates, upd)
	s.status = clients.HeaderStatus{
		Cookie:     upd.Cookie != "" || s.status.Cookie,
		XPayload:   upd.XPayload != "" || s.status.XPayload,
		XTimestamp: upd.XTimestamp != "" || s.status.XTimestamp,
	}
}

func (s *stubHeaders) HeaderStatus() clients.HeaderStatus { return s.status }

type stubHistory struct {
	recs []journal.TickRecord
	err  error
}

func (s *stubHistory) Recent(limit int) ([]journal.TickRecord, error) { return s.recs, s.err }

func newTestServer() *Server {
	return &Server{
		Addr:    ":0",
		Results: &stubResults{},
		Headers: &stubHeaders{},
		History: &stubHistory{},
		Info: Info{
			Entity:            "acme",
			BalancesInterval:  5 * time.Minute,
			TransfersInterval: 30 * time.Second,
			OlderBaselineMin:  30,
		},
		Logger: zap.NewNop(),
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleLatest(t *testing.T) {
	t.Run("404 before first tick", func(t *testing.T) {
		srv := newTestServer()
		rec := httptest.NewRecorder()
		srv.handleLatest(rec, httptest.NewRequest(http.MethodGet, "/api/latest", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["ok"])
		assert.Equal(t, "No data available yet", body["message"])
	})

	t.Run("serves the live result", func(t *testing.T) {
		srv := newTestServer()
		srv.Results = &stubResults{res: &domain.CurrentResult{
			Entity:       "acme",
			TS:           "2026-03-01T12:00:00.000Z",
			TotalAssets:  7,
			CountdownSec: 120,
		}}

		rec := httptest.NewRecorder()
		srv.handleLatest(rec, httptest.NewRequest(http.MethodGet, "/api/latest", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		body := decodeBody(t, rec)
		assert.Equal(t, "acme", body["entity"])
		assert.Equal(t, float64(7), body["totalAssets"])
		assert.Equal(t, float64(120), body["countdownSec"])
	})
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer()
	srv.Results = &stubResults{next: time.Now().Add(2 * time.Minute)}
	srv.Headers = &stubHeaders{status: clients.HeaderStatus{Cookie: true}}

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "acme", body["entity"])
	assert.Equal(t, false, body["dbReady"], "no store wired in this test")

	intervals, ok := body["intervals"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(300_000), intervals["balancesMs"])
	assert.Equal(t, float64(30_000), intervals["transfersMs"])

	lookback, ok := body["lookback"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(30), lookback["olderBaselineMin"])

	headers, ok := body["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, headers["cookie"])

	assert.Contains(t, body, "nextBalancesAtMs")
}

type stubRetention struct {
	stats retention.Stats
	err   error
}

func (s *stubRetention) GetStats(ctx context.Context, entity string) (retention.Stats, error) {
	return s.stats, s.err
}

func TestHandleHealth_RetentionStats(t *testing.T) {
	srv := newTestServer()
	srv.Hub = NewHub(zap.NewNop(), nil)
	srv.Retention = &stubRetention{stats: retention.Stats{Current: 42, Max: 100, Min: 10}}

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["connections"])

	stats, ok := body["retention"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), stats["current"])
	assert.Equal(t, float64(100), stats["max"])
}

func TestHandleHealth_NoNextTickYet(t *testing.T) {
	srv := newTestServer()

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	body := decodeBody(t, rec)
	assert.NotContains(t, body, "nextBalancesAtMs")
}

func TestHandleHistory(t *testing.T) {
	t.Run("returns recent ticks", func(t *testing.T) {
		srv := newTestServer()
		srv.History = &stubHistory{recs: []journal.TickRecord{
			{Entity: "acme", Rows: 12, Persisted: true},
		}}

		rec := httptest.NewRecorder()
		srv.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["ok"])
		ticks, ok := body["ticks"].([]any)
		require.True(t, ok)
		assert.Len(t, ticks, 1)
	})

	t.Run("journal read failure", func(t *testing.T) {
		srv := newTestServer()
		srv.History = &stubHistory{err: errors.New("corrupt segment")}

		rec := httptest.NewRecorder()
		srv.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandleHeaders(t *testing.T) {
	t.Run("GET reports status", func(t *testing.T) {
		srv := newTestServer()
		srv.Headers = &stubHeaders{status: clients.HeaderStatus{Cookie: true, XPayload: true}}

		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, httptest.NewRequest(http.MethodGet, "/api/arkham/headers", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		has, ok := body["has"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, has["cookie"])
		assert.Equal(t, true, has["xPayload"])
		assert.Equal(t, false, has["xTimestamp"])
	})

	t.Run("POST applies the update", func(t *testing.T) {
		srv := newTestServer()
		headers := &stubHeaders{}
		srv.Headers = headers

		req := httptest.NewRequest(http.MethodPost, "/api/arkham/headers",
			strings.NewReader(`{"cookie":"session=abc","xPayload":"p","xTimestamp":"123"}`))
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, headers.updates, 1)
		assert.Equal(t, "session=abc", headers.updates[0].Cookie)
	})

	t.Run("POST with bad body", func(t *testing.T) {
		srv := newTestServer()
		req := httptest.NewRequest(http.MethodPost, "/api/arkham/headers", strings.NewReader("{broken"))
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsupported method", func(t *testing.T) {
		srv := newTestServer()
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, httptest.NewRequest(http.MethodDelete, "/api/arkham/headers", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
	})
}

func TestHandleHeaders_Signature(t *testing.T) {
	body := `{"cookie":"session=abc"}`

	newReq := func() *http.Request {
		return httptest.NewRequest(http.MethodPost, "/api/arkham/headers", strings.NewReader(body))
	}

	t.Run("missing signature rejected", func(t *testing.T) {
		srv := newTestServer()
		srv.SharedSecret = "hunter2"

		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, newReq())
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong signature rejected", func(t *testing.T) {
		srv := newTestServer()
		srv.SharedSecret = "hunter2"

		req := newReq()
		req.Header.Set("x-sig", "nope")
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("x-sig header accepted", func(t *testing.T) {
		srv := newTestServer()
		srv.SharedSecret = "hunter2"

		req := newReq()
		req.Header.Set("x-sig", "hunter2")
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("x-signature header accepted", func(t *testing.T) {
		srv := newTestServer()
		srv.SharedSecret = "hunter2"

		req := newReq()
		req.Header.Set("x-signature", "hunter2")
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("sig query parameter accepted", func(t *testing.T) {
		srv := newTestServer()
		srv.SharedSecret = "hunter2"

		req := httptest.NewRequest(http.MethodPost, "/api/arkham/headers?sig=hunter2", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("empty secret leaves the endpoint open", func(t *testing.T) {
		srv := newTestServer()
		rec := httptest.NewRecorder()
		srv.handleHeaders(rec, newReq())
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

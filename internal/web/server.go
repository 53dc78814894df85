// Package web serves the tracker's HTTP surface: the polling API, health,
// tick history, header rotation and the websocket subscription endpoint.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vkuzmin/entitytrack/internal/clients"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"github.com/vkuzmin/entitytrack/internal/services/retention"
	"github.com/vkuzmin/entitytrack/internal/storage/journal"
	"go.uber.org/zap"
)

// ResultSource serves the live payload and the next primary tick instant.
type ResultSource interface {
	Latest() (*domain.CurrentResult, error)
	NextPrimaryAt() time.Time
}

// HeaderManager rotates and reports upstream session headers.
type HeaderManager interface {
	UpdateHeaders(upd clients.HeaderUpdate)
	HeaderStatus() clients.HeaderStatus
}

// HistorySource lists recent tick records.
type HistorySource interface {
	Recent(limit int) ([]journal.TickRecord, error)
}

// StorePinger reports snapshot store reachability.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// RetentionSource reports snapshot history utilization.
type RetentionSource interface {
	GetStats(ctx context.Context, entity string) (retention.Stats, error)
}

// Info is the static configuration surfaced by the health endpoint.
type Info struct {
	Entity            string
	BalancesInterval  time.Duration
	TransfersInterval time.Duration
	ForceLookbackMin  int
	OlderBaselineMin  int
}

// Server exposes the HTTP endpoints and the websocket hub.
type Server struct {
	Addr      string
	Results   ResultSource
	Hub       *Hub
	Headers   HeaderManager
	History   HistorySource
	Store     StorePinger
	Retention RetentionSource
	Info      Info

	// SharedSecret guards header rotation; empty disables the check.
	SharedSecret string
	Logger       *zap.Logger
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/arkham/headers", s.handleHeaders)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.Logger.Info("web server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	res, err := s.Results.Latest()
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"ok":      false,
			"message": "No data available yet",
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbReady := false
	if s.Store != nil {
		dbReady = s.Store.Ping(r.Context()) == nil
	}

	health := map[string]any{
		"ok":      true,
		"dbReady": dbReady,
		"entity":  s.Info.Entity,
		"now":     time.Now().UTC().Format(time.RFC3339),
		"intervals": map[string]any{
			"balancesMs":  s.Info.BalancesInterval.Milliseconds(),
			"transfersMs": s.Info.TransfersInterval.Milliseconds(),
		},
		"lookback": map[string]any{
			"forceLookbackMin": s.Info.ForceLookbackMin,
			"olderBaselineMin": s.Info.OlderBaselineMin,
		},
	}
	if s.Headers != nil {
		health["headers"] = s.Headers.HeaderStatus()
	}
	if s.Hub != nil {
		health["connections"] = s.Hub.ConnectionCount()
	}
	if s.Retention != nil {
		if stats, err := s.Retention.GetStats(r.Context(), s.Info.Entity); err == nil {
			health["retention"] = stats
		}
	}
	if next := s.Results.NextPrimaryAt(); !next.IsZero() {
		health["nextBalancesAtMs"] = next.UnixMilli()
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": "tick journal not available",
		})
		return
	}

	records, err := s.History.Recent(50)
	if err != nil {
		s.Logger.Error("failed to read tick journal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":    false,
			"error": "failed to read tick history",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"ticks": records,
	})
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	if s.Headers == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": "upstream client not available",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeHeaderStatus(w)

	case http.MethodPost:
		if !s.validSignature(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok":    false,
				"error": "Invalid or missing signature",
			})
			return
		}

		var upd clients.HeaderUpdate
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<10)).Decode(&upd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": "invalid request body",
			})
			return
		}

		s.Headers.UpdateHeaders(upd)
		s.writeHeaderStatus(w)

	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"ok":    false,
			"error": "method not allowed",
		})
	}
}

func (s *Server) writeHeaderStatus(w http.ResponseWriter) {
	status := s.Headers.HeaderStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"has": map[string]bool{
			"cookie":     status.Cookie,
			"xPayload":   status.XPayload,
			"xTimestamp": status.XTimestamp,
		},
		"ageSec": status.AgeSec,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var latest *domain.CurrentResult
	if res, err := s.Results.Latest(); err == nil {
		latest = res
	}
	s.Hub.ServeWS(w, r, latest)
}

// validSignature checks the rotation secret from the x-sig / x-signature
// headers or the sig query parameter. An unset secret leaves the endpoint
// open, matching single-operator deployments behind a private network.
func (s *Server) validSignature(r *http.Request) bool {
	if s.SharedSecret == "" {
		return true
	}
	sig := r.Header.Get("x-sig")
	if sig == "" {
		sig = r.Header.Get("x-signature")
	}
	if sig == "" {
		sig = r.URL.Query().Get("sig")
	}
	return sig == s.SharedSecret
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/core"
	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// API - HTTP control surface
// ═══════════════════════════════════════════════════════════════════════════════
//
// Thin adapter over the engine:
//
//   POST /api/v1/engine/start    configure and start a session
//   POST /api/v1/engine/stop     stop loops, leave positions open
//   POST /api/v1/engine/panic    flatten everything, then stop
//   GET  /api/v1/engine/status   position book + risk snapshot
//   GET  /health                 healthy | degraded | critical
//   POST /webhook/tradingview    external signals (shared passphrase)
//   GET  /metrics                Prometheus exposition
//
// ═══════════════════════════════════════════════════════════════════════════════

// Server exposes the engine over HTTP.
type Server struct {
	engine     *core.Engine
	passphrase string
	httpServer *http.Server
}

// apiResponse is the envelope for control-endpoint results.
type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// webhookPayload matches the TradingView alert template. Quantity is
// accepted for wire compatibility but sizing is always the engine's call.
type webhookPayload struct {
	Passphrase string          `json:"passphrase"`
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Quantity   int64           `json:"quantity,omitempty"`
	Price      decimal.Decimal `json:"price"`
}

// NewServer builds the mux. An empty passphrase disables the webhook
// entirely rather than leaving it open.
func NewServer(addr string, engine *core.Engine, passphrase string) *Server {
	s := &Server{engine: engine, passphrase: passphrase}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/engine/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/engine/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/engine/panic", s.handlePanic)
	mux.HandleFunc("GET /api/v1/engine/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook/tradingview", s.handleWebhook)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("🌐 API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("❌ API server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var ec core.EngineConfig
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "invalid payload: " + err.Error()})
		return
	}
	if err := s.engine.ConfigureAndStart(r.Context(), ec); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, core.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		writeJSON(w, code, apiResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Message: "engine started"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.engine.Stop()
	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Message: "engine stopped, positions left open"})
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.PanicSquareOff(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotRunning) {
			code = http.StatusConflict
		}
		writeJSON(w, code, apiResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Message: "square-off complete, engine stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleHealth maps the report onto HTTP codes so load balancers and
// uptime monitors can read it without parsing the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.engine.Health()
	code := http.StatusOK
	if report.Status == "critical" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var sig webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "invalid payload"})
		return
	}

	if s.passphrase == "" || sig.Passphrase != s.passphrase {
		log.Warn().Str("symbol", sig.Symbol).Msg("🚫 Webhook rejected, bad passphrase")
		writeJSON(w, http.StatusUnauthorized, apiResponse{Status: "error", Message: "invalid passphrase"})
		return
	}

	var side types.Side
	switch strings.ToUpper(strings.TrimSpace(sig.Action)) {
	case "BUY":
		side = types.SideBuy
	case "SELL":
		side = types.SideSell
	default:
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "action must be BUY or SELL"})
		return
	}

	log.Info().Str("symbol", sig.Symbol).Str("action", string(side)).Msg("📨 Webhook received")
	err := s.engine.WebhookSignal(r.Context(), sig.Symbol, side, sig.Price)
	switch {
	case errors.Is(err, core.ErrNotRunning):
		writeJSON(w, http.StatusConflict, apiResponse{Status: "error", Message: err.Error()})
	case errors.Is(err, core.ErrUnknownSymbol):
		log.Warn().Str("symbol", sig.Symbol).Msg("⚠️ Webhook ignored, no strategy for symbol")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "signal": string(side)})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/posvoice/internal/capture"
	"github.com/MrWong99/posvoice/internal/health"
	"github.com/MrWong99/posvoice/internal/mcp"
	"github.com/MrWong99/posvoice/internal/observe"
	"github.com/MrWong99/posvoice/internal/session"
)

// maxBody bounds JSON request bodies on the control surface.
const maxBody = 1 << 16

// sessionResponse is returned by every session endpoint.
type sessionResponse struct {
	session.State
	Error string `json:"error,omitempty"`
}

// routes builds the control surface.
//
//	POST /api/session/connect     start, or stop when already connected
//	POST /api/session/disconnect  stop and forget the conversation
//	POST /api/session/mute        {"muted": bool}
//	GET  /api/session             status, speaking flags, transcript, logs
//	PUT  /api/credential          {"apiKey": "..."}
//	POST /api/network/online      reconnect hint after connectivity returns
//	GET  /api/quota               remaining allowance
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/session/connect", a.handleConnect)
	mux.HandleFunc("POST /api/session/disconnect", a.handleDisconnect)
	mux.HandleFunc("POST /api/session/mute", a.handleMute)
	mux.HandleFunc("GET /api/session", a.handleState)
	mux.HandleFunc("PUT /api/credential", a.handleCredential)
	mux.HandleFunc("POST /api/network/online", a.handleNetworkOnline)
	mux.HandleFunc("GET /api/quota", a.handleQuota)

	health.New(a.readiness()...).Register(mux)
	if a.metricsRoute != nil {
		mux.Handle("GET /metrics", a.metricsRoute)
	}
	if a.cfg.MCP.Enabled {
		mux.Handle("/mcp", mcp.Handler(mcp.NewServer(a.backOffice, Version)))
		slog.Info("mcp tool server mounted", "path", "/mcp")
	}

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	// The session outlives the request; only the dial is bounded.
	err := a.manager.Connect(context.WithoutCancel(r.Context()))
	a.writeSession(w, err)
}

func (a *App) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := a.manager.Disconnect(context.WithoutCancel(r.Context()))
	a.writeSession(w, err)
}

func (a *App) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.manager.SetMuted(req.Muted)
	a.writeSession(w, nil)
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	a.writeSession(w, nil)
}

func (a *App) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.SetCredential(req.APIKey)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleNetworkOnline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"scheduled": a.manager.NetworkOnline()})
}

func (a *App) handleQuota(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.quota.Status())
}

// writeSession answers with the current session state. Refusals map to 409,
// a missing microphone to 503 and transport failures to 502. The state is
// included either way.
func (a *App) writeSession(w http.ResponseWriter, err error) {
	resp := sessionResponse{State: a.manager.State()}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, session.ErrMissingCredential), errors.Is(err, session.ErrUsageLimit):
			status = http.StatusConflict
		case errors.Is(err, capture.ErrNoMicrophone):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

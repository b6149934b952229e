package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"hotspotd/services/engine"
)

func (a *API) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	mac, _, ok := a.caller(w, r, chi.URLParam(r, "mac"), "")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.GetSessionStatus(ctx, mac)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), SessionStatusOf(res))
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	mac, ip, ok := a.caller(w, r, chi.URLParam(r, "mac"), req.IP)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.Connect(ctx, engine.ConnectRequest{
		MAC:         mac,
		IP:          ip,
		SessionID:   req.SessionID,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), connectOf(res))
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	mac, _, ok := a.caller(w, r, chi.URLParam(r, "mac"), "")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.Pause(ctx, mac)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), CommandOf(res, a.config.Now()))
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	mac, ip, ok := a.caller(w, r, chi.URLParam(r, "mac"), req.IP)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.Resume(ctx, mac, ip)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), CommandOf(res, a.config.Now()))
}

package api

import (
	"net/http"
)

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.Apply(ctx, req.command())
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), CommandOf(res, a.config.Now()))
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.Sweep(ctx)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), SweepOf(res))
}

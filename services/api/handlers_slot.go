package api

import (
	"context"
	"net/http"

	"hotspotd/services/engine"
)

func (a *API) handleSlotStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, _, ok := a.caller(w, r, r.URL.Query().Get("device_id"), "")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.SlotStatus(ctx, deviceID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Result.Status), SlotView{
		Message:         messageOf(res.Result),
		Availability:    string(res.Availability),
		TotalCoins:      res.Queue.TotalCoins,
		TimeSeconds:     seconds(res.Time),
		ValiditySeconds: seconds(res.Validity),
	})
}

func (a *API) handleClaimSlot(w http.ResponseWriter, r *http.Request) {
	a.slotAction(w, r, a.engine.ClaimSlot)
}

func (a *API) handleReleaseSlot(w http.ResponseWriter, r *http.Request) {
	a.slotAction(w, r, a.engine.ReleaseSlot)
}

func (a *API) slotAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, deviceID string) (engine.SlotResult, error)) {
	var req SlotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	deviceID, _, ok := a.caller(w, r, req.DeviceID, "")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := op(ctx, deviceID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), slotResponseOf(res))
}

func (a *API) handleSlotTimer(w http.ResponseWriter, r *http.Request) {
	var req TimerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Action == "" {
		req.Action = engine.TimerUpdate
	}
	deviceID, _, ok := a.caller(w, r, req.DeviceID, "")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.UpdateSlotTimer(ctx, deviceID, req.RemainingSeconds, req.Action)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), slotResponseOf(res))
}

func (a *API) handleInsertCoin(w http.ResponseWriter, r *http.Request) {
	var req CoinRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	deviceID, _, ok := a.caller(w, r, req.DeviceID, "")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var (
		res engine.CoinResult
		err error
	)
	if req.Pulses > 0 {
		res, err = a.engine.InsertPulses(ctx, deviceID, req.Pulses)
	} else {
		res, err = a.engine.InsertCoin(ctx, deviceID, req.Denomination)
	}
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), CoinResponse{
		Message:                messageOf(res.Result),
		Accepted:               res.Accepted,
		TotalCoins:             res.TotalCoins,
		PendingTimeSeconds:     seconds(res.PendingTime),
		PendingValiditySeconds: seconds(res.PendingValidity),
	})
}

func slotResponseOf(res engine.SlotResult) SlotResponse {
	return SlotResponse{Message: messageOf(res.Result), Granted: res.Granted, Released: res.Released}
}

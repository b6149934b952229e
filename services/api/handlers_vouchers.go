package api

import (
	"net/http"
)

func (a *API) handleRedeemVoucher(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	mac, ip, ok := a.caller(w, r, req.MAC, req.IP)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.engine.RedeemVoucher(ctx, req.Code, mac, ip)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, statusCode(res.Status), voucherOf(res))
}

func (a *API) handleIssueVoucher(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
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

	res, err := a.engine.IssueVoucher(ctx, deviceID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	status := statusCode(res.Status)
	if res.Success {
		status = http.StatusCreated
	}
	respondJSON(w, status, voucherOf(res))
}

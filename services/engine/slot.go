package engine

import (
	"context"
	"errors"

	"hotspotd/pkg/apperr"
	"hotspotd/services/identity"
	"hotspotd/services/slot"
)

// TimerAction is what the portal countdown reports alongside the remaining seconds.
type TimerAction string

const (
	TimerUpdate  TimerAction = "update"
	TimerExpired TimerAction = "expired"
)

// ClaimSlot gives the coin acceptor to deviceID unless another fresh holder has it.
func (e *Engine) ClaimSlot(ctx context.Context, deviceID string) (out SlotResult, err error) {
	ctx, span := e.start(ctx, "ClaimSlot", deviceID)
	defer func() { e.finish(span, "ClaimSlot", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return SlotResult{}, err
	}
	mac, verr := identity.NormalizeMAC(deviceID)
	if verr != nil {
		return SlotResult{Result: e.invalid(verr.Error())}, nil
	}
	dev, err := e.identify(ctx, mac, nil)
	if err != nil {
		return SlotResult{}, err
	}
	if b, blocked, err := e.escalator.IsBlocked(ctx, dev.MACs()...); err != nil {
		return SlotResult{}, err
	} else if blocked {
		e.metrics.claim("blocked")
		return SlotResult{Result: e.blocked(b, e.now())}, nil
	}

	err = e.arbiter.Claim(ctx, settings, mac)
	switch {
	case errors.Is(err, slot.ErrBusy):
		e.metrics.claim("busy")
		return SlotResult{Result: e.result(StatusBusy, "busy", messageData{})}, nil
	case err != nil:
		return SlotResult{}, err
	}

	e.metrics.claim("granted")
	e.publish(ctx, EventSlotClaimed, actorPortal, mac, nil)
	return SlotResult{Result: e.result(StatusOK, "slot_claimed", messageData{}), Granted: true}, nil
}

// ReleaseSlot frees the acceptor if deviceID holds it.
func (e *Engine) ReleaseSlot(ctx context.Context, deviceID string) (out SlotResult, err error) {
	ctx, span := e.start(ctx, "ReleaseSlot", deviceID)
	defer func() { e.finish(span, "ReleaseSlot", out.Result, err) }()

	if _, err = e.snapshot(ctx); err != nil {
		return SlotResult{}, err
	}
	mac, verr := identity.NormalizeMAC(deviceID)
	if verr != nil {
		return SlotResult{Result: e.invalid(verr.Error())}, nil
	}
	if err = e.arbiter.Release(ctx, mac); err != nil {
		return SlotResult{}, err
	}
	e.publish(ctx, EventSlotReleased, actorPortal, mac, nil)
	return SlotResult{Result: e.result(StatusOK, "slot_released", messageData{}), Released: true}, nil
}

// UpdateSlotTimer syncs the holder's freshness with its countdown; an expired or finished
// countdown releases the acceptor.
func (e *Engine) UpdateSlotTimer(ctx context.Context, deviceID string, remaining int, action TimerAction) (out SlotResult, err error) {
	ctx, span := e.start(ctx, "UpdateSlotTimer", deviceID)
	defer func() { e.finish(span, "UpdateSlotTimer", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return SlotResult{}, err
	}
	mac, verr := identity.NormalizeMAC(deviceID)
	if verr != nil {
		return SlotResult{Result: e.invalid(verr.Error())}, nil
	}
	switch action {
	case "", TimerUpdate, TimerExpired:
	default:
		return SlotResult{Result: e.invalid("Unknown timer action.")}, nil
	}

	released, err := e.arbiter.UpdateTimer(ctx, settings, mac, remaining, action == TimerExpired)
	switch {
	case errors.Is(err, slot.ErrNotHolder):
		return SlotResult{Result: e.notFound("This device does not hold the coin slot.")}, nil
	case err != nil:
		return SlotResult{}, err
	}
	if released {
		e.publish(ctx, EventSlotReleased, actorPortal, mac, map[string]any{"reason": "timer"})
		return SlotResult{Result: e.result(StatusOK, "slot_released", messageData{}), Released: true}, nil
	}
	return SlotResult{Result: e.result(StatusOK, "ok", messageData{}), Granted: true}, nil
}

// SlotStatus reports acceptor availability for deviceID and its pending credit.
func (e *Engine) SlotStatus(ctx context.Context, deviceID string) (out SlotView, err error) {
	ctx, span := e.start(ctx, "SlotStatus", deviceID)
	defer func() { e.finish(span, "SlotStatus", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return SlotView{}, err
	}
	var mac string
	if deviceID != "" {
		var verr error
		if mac, verr = identity.NormalizeMAC(deviceID); verr != nil {
			return SlotView{Result: e.invalid(verr.Error())}, nil
		}
	}
	st, err := e.arbiter.Status(ctx, settings, mac)
	if err != nil {
		return SlotView{}, err
	}
	return SlotView{Result: e.result(StatusOK, "ok", messageData{}), Status: st}, nil
}

// InsertCoin credits a detected coin to deviceID, which must hold the acceptor.
func (e *Engine) InsertCoin(ctx context.Context, deviceID string, denomination int) (out CoinResult, err error) {
	ctx, span := e.start(ctx, "InsertCoin", deviceID)
	defer func() { e.finish(span, "InsertCoin", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return CoinResult{}, err
	}
	mac, verr := identity.NormalizeMAC(deviceID)
	if verr != nil {
		return CoinResult{Result: e.invalid(verr.Error())}, nil
	}

	q, err := e.arbiter.InsertCoin(ctx, settings, mac, denomination)
	switch {
	case errors.Is(err, slot.ErrUnknownDenomination):
		return CoinResult{Result: e.result(StatusUnknownDenomination, "unknown_denomination", messageData{})}, nil
	case errors.Is(err, slot.ErrBusy):
		return CoinResult{Result: e.result(StatusBusy, "busy", messageData{})}, nil
	case err != nil:
		return CoinResult{}, err
	}

	e.metrics.coin(denomination)
	pending, validity := settings.Rates.Convert(q.TotalCoins)
	e.publish(ctx, EventCoinInserted, actorPortal, mac, map[string]any{
		"denomination": denomination, "total_coins": q.TotalCoins, "pending_seconds": int(pending.Seconds()),
	})
	return CoinResult{
		Result:          e.result(StatusOK, "coin_accepted", messageData{TimeLeft: pending}),
		Accepted:        true,
		TotalCoins:      q.TotalCoins,
		PendingTime:     pending,
		PendingValidity: validity,
	}, nil
}

// InsertPulses credits the coin whose acceptor pulse train is pulses long.
func (e *Engine) InsertPulses(ctx context.Context, deviceID string, pulses int) (CoinResult, error) {
	settings, err := e.snapshot(ctx)
	if err != nil {
		return CoinResult{}, err
	}
	rate, ok := settings.Rates.LookupPulse(pulses)
	if !ok {
		e.logger.Warn().Str("device_id", deviceID).Int("pulses", pulses).Msg("pulse count matches no coin")
		return CoinResult{Result: e.result(StatusUnknownDenomination, "unknown_denomination", messageData{})}, nil
	}
	return e.InsertCoin(ctx, deviceID, rate.Denomination)
}

// IssueVoucher converts deviceID's pending coins into a voucher and releases the acceptor.
func (e *Engine) IssueVoucher(ctx context.Context, deviceID string) (out VoucherResult, err error) {
	ctx, span := e.start(ctx, "IssueVoucher", deviceID)
	defer func() { e.finish(span, "IssueVoucher", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return VoucherResult{}, err
	}
	mac, verr := identity.NormalizeMAC(deviceID)
	if verr != nil {
		return VoucherResult{Result: e.invalid(verr.Error())}, nil
	}
	if !settings.Voucher.Enabled {
		return VoucherResult{Result: e.invalid("Vouchers are disabled on this hotspot.")}, nil
	}

	q, purchased, validity, err := e.arbiter.Drain(ctx, settings, mac)
	if err != nil {
		return VoucherResult{}, err
	}
	if purchased <= 0 {
		return VoucherResult{Result: e.notFound("Insert coins before creating a voucher.")}, nil
	}

	v, err := e.vouchers.Issue(ctx, settings, mac, purchased, validity)
	if err != nil {
		e.logger.Error().Err(err).Str("mac", mac).Int("coins", q.TotalCoins).Msg("drained coins not issued as voucher")
		if errors.Is(err, apperr.ErrValidation) {
			return VoucherResult{Result: e.invalid(err.Error())}, nil
		}
		return VoucherResult{}, err
	}
	if err := e.arbiter.Release(ctx, mac); err != nil {
		return VoucherResult{}, err
	}

	e.publish(ctx, EventVoucherIssued, actorPortal, mac, map[string]any{
		"code": v.Code, "coins": q.TotalCoins, "time_value_seconds": int(purchased.Seconds()),
	})
	return VoucherResult{
		Result:   e.result(StatusOK, "voucher_issued", messageData{TimeLeft: purchased, Code: v.Code}),
		Success:  true,
		Code:     v.Code,
		Granted:  purchased,
		Validity: validity,
	}, nil
}

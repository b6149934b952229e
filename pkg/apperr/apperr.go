// Package apperr defines the error categories shared by the engine packages.
//
// Callers wrap one of the sentinels with context and classify with errors.Is:
//
//	return fmt.Errorf("%w: slot held by %s", apperr.ErrConflict, holder)
package apperr

import "errors"

var (
	// ErrValidation reports malformed input such as a bad MAC, IP, voucher code or denomination.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound reports a missing session, slot holder, voucher or record.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports contention on a shared resource, typically a busy coin slot.
	ErrConflict = errors.New("conflict")
	// ErrExpired reports a passed validity window, a stale voucher or a stale enforcement record.
	ErrExpired = errors.New("expired")
	// ErrEnforcement reports that a network-level countermeasure could not be applied or removed.
	ErrEnforcement = errors.New("enforcement failed")
	// ErrProbeTimeout reports an unanswered TTL probe.
	ErrProbeTimeout = errors.New("probe timeout")
)

// Is reports whether err belongs to any of the given categories.
func Is(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package delivery

import (
	"errors"

	"dripline/internal/scenario"
	"dripline/internal/storage"
	"dripline/internal/transport"
)

// ErrPermanent marks a record problem that no retry can fix.
var ErrPermanent = errors.New("permanent delivery error")

// Permanent reports whether err should fail the record instead of retrying it.
func Permanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, scenario.ErrInvalidMessage),
		transport.IsNoRetry(err):
		return true
	}
	return false
}

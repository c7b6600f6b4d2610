package association

import (
	"errors"

	"probefleet/internal/identity"
)

// Reason codes returned to probes and operators. They are part of the
// external interface and must not change.
const (
	ReasonSuccess            = "success"
	ReasonInvalidMAC         = "invalid-mac"
	ReasonUnknownMAC         = "unknown-mac"
	ReasonNoRegisteredKey    = "no-registered-key"
	ReasonInvalidPubKey      = "invalid-pub-key"
	ReasonInvalidHostKey     = "invalid-host-key"
	ReasonAlreadyRegistered  = "already-registered"
	ReasonPeriodExpired      = "association-period-expired"
	ReasonPortSpaceExhausted = "port-space-exhausted"
	ReasonInternalError      = "internal-error"
)

// Reason maps an error from this package or the allocator to its reason code
func Reason(err error) string {
	switch {
	case err == nil:
		return ReasonSuccess
	case errors.Is(err, ErrInvalidMAC), errors.Is(err, identity.ErrDuplicateOrInvalidIdentity):
		return ReasonInvalidMAC
	case errors.Is(err, ErrUnknownDevice):
		return ReasonUnknownMAC
	case errors.Is(err, ErrNoRegisteredKey):
		return ReasonNoRegisteredKey
	case errors.Is(err, ErrInvalidPublicKey):
		return ReasonInvalidPubKey
	case errors.Is(err, ErrInvalidHostKey):
		return ReasonInvalidHostKey
	case errors.Is(err, ErrAlreadyRegistered):
		return ReasonAlreadyRegistered
	case errors.Is(err, ErrAssociationPeriodExpired):
		return ReasonPeriodExpired
	case errors.Is(err, identity.ErrPortSpaceExhausted):
		return ReasonPortSpaceExhausted
	default:
		return ReasonInternalError
	}
}

package pairing

import (
	"strings"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
)

// classify maps a transport rejection onto a failure kind. A structured code
// is authoritative when present. The substring heuristics below are a
// compatibility shim for links that only surface free-form messages; they are
// not a correctness guarantee and new transports should always set a code.
func classify(message, code string) models.FailureRecord {
	rec := models.FailureRecord{
		Kind:    models.FailureConnectionFailed,
		Message: message,
		Code:    code,
	}

	switch code {
	case transport.CodeAuthFailed:
		rec.Kind = models.FailureInvalidPasscode
		return rec
	case transport.CodeConnectTimeout:
		rec.Kind = models.FailureConnectionTimeout
		return rec
	case transport.CodeDeviceIncompatible:
		rec.Kind = models.FailureDeviceIncompatible
		return rec
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "password"),
		strings.Contains(lower, "passcode"),
		strings.Contains(lower, "authentication"):
		rec.Kind = models.FailureInvalidPasscode
	case strings.Contains(lower, "timeout"):
		rec.Kind = models.FailureConnectionTimeout
	}

	return rec
}

package pairing

import (
	"testing"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
)

func TestClassifyMessageHeuristics(t *testing.T) {
	tests := []struct {
		message string
		want    models.FailureKind
	}{
		{"Device rejected passcode", models.FailureInvalidPasscode},
		{"wrong password provided", models.FailureInvalidPasscode},
		{"Authentication handshake failed", models.FailureInvalidPasscode},
		{"connect Timeout after 10s", models.FailureConnectionTimeout},
		{"operation timeout exceeded", models.FailureConnectionTimeout},
		{"GATT error 133", models.FailureConnectionFailed},
		{"le-connection-abort-by-local", models.FailureConnectionFailed},
	}

	for _, tt := range tests {
		rec := classify(tt.message, "")
		if rec.Kind != tt.want {
			t.Errorf("classify(%q) = %s, want %s", tt.message, rec.Kind, tt.want)
		}
		if rec.Message != tt.message {
			t.Errorf("classify(%q) lost the message: %q", tt.message, rec.Message)
		}
	}
}

func TestClassifyStructuredCodeWins(t *testing.T) {
	// 带结构化错误码时不再做子串猜测
	rec := classify("authentication gateway unreachable", transport.CodeConnectTimeout)
	if rec.Kind != models.FailureConnectionTimeout {
		t.Fatalf("code ignored: got %s", rec.Kind)
	}

	rec = classify("anything at all", transport.CodeAuthFailed)
	if rec.Kind != models.FailureInvalidPasscode {
		t.Fatalf("auth code not honored: got %s", rec.Kind)
	}

	rec = classify("device lacks telemetry service", transport.CodeDeviceIncompatible)
	if rec.Kind != models.FailureDeviceIncompatible {
		t.Fatalf("incompatible code not honored: got %s", rec.Kind)
	}
	if rec.Code != transport.CodeDeviceIncompatible {
		t.Fatalf("code not carried into record: %q", rec.Code)
	}

	// 未知错误码退回子串判断
	rec = classify("pairing timeout", "E_UNKNOWN")
	if rec.Kind != models.FailureConnectionTimeout {
		t.Fatalf("unknown code must fall back to heuristics: got %s", rec.Kind)
	}
}

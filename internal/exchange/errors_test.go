package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		msg  string
		want Kind
	}{
		{-1111, "Precision is over the maximum defined for this asset.", KindPrecision},
		{-4164, "Order's notional must be no smaller than 5.0", KindNotional},
		{-2018, "Balance is insufficient", KindInsufficientBalance},
		{-2019, "Margin is insufficient", KindInsufficientBalance},
		{-1121, "Invalid symbol", KindSymbolUnknown},
		{-1003, "Too many requests", KindRateLimited},
		{-1015, "Too many new orders", KindRateLimited},
		{-4061, "Order's position side does not match user's setting", KindPositionModeMismatch},
		{-2022, "ReduceOnly Order is rejected", KindReduceOnlyReject},
		{-2021, "Order would immediately trigger", KindOrderWouldTrigger},
		{-1021, "Timestamp outside of recvWindow", KindInvalidCredentials},
		{-1022, "Signature for this request is not valid", KindInvalidCredentials},
		{-2014, "API-key format invalid", KindInvalidCredentials},
		{-2015, "Invalid API-key, IP, or permissions", KindInvalidCredentials},
		{-1013, "Filter failure: MIN_NOTIONAL", KindNotional},
		{-1013, "Filter failure: PRICE_FILTER", KindPrecision},
		{-1013, "Filter failure: LOT_SIZE", KindPrecision},
		{-9999, "???", KindProtocol},
	}
	for _, tt := range tests {
		if got := classifyCode(tt.code, tt.msg); got != tt.want {
			t.Errorf("classifyCode(%d, %q) = %v, want %v", tt.code, tt.msg, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	ae := newAPIError("placeOrder", "BTCUSDT", -4164, "too small")
	wrapped := fmt.Errorf("entry failed: %w", ae)

	if got := KindOf(wrapped); got != KindNotional {
		t.Errorf("KindOf(wrapped) = %v, want notional", got)
	}
	if got := KindOf(errors.New("plain")); got != KindProtocol {
		t.Errorf("KindOf(plain) = %v, want protocol", got)
	}
}

func TestIsRecoverablePlacement(t *testing.T) {
	t.Parallel()
	recoverable := []Kind{KindPrecision, KindOrderWouldTrigger, KindNetwork, KindProtocol}
	for _, k := range recoverable {
		if !IsRecoverablePlacement(&APIError{Kind: k}) {
			t.Errorf("kind %v should allow market fallback", k)
		}
	}
	final := []Kind{KindNotional, KindInsufficientBalance, KindInvalidCredentials, KindRateLimited}
	for _, k := range final {
		if IsRecoverablePlacement(&APIError{Kind: k}) {
			t.Errorf("kind %v must not be retried as market", k)
		}
	}
}

func TestDefaultSeverity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		want Severity
	}{
		{KindInvalidCredentials, SeverityCritical},
		{KindConfiguration, SeverityCritical},
		{KindNotional, SeverityHigh},
		{KindInsufficientBalance, SeverityHigh},
		{KindRateLimited, SeverityMedium},
		{KindNetwork, SeverityMedium},
		{KindParse, SeverityLow},
	}
	for _, tt := range tests {
		if got := (&APIError{Kind: tt.kind}).DefaultSeverity(); got != tt.want {
			t.Errorf("severity of %v = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := netError("markPrice", "BTCUSDT", cause)
	if !errors.Is(err, cause) {
		t.Error("netError must wrap its cause")
	}
}

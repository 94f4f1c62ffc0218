// errors.go translates venue error responses into typed kinds.
//
// Every non-2xx REST response carries a JSON {code, msg} body. The
// classifier maps known codes onto a closed set of Kinds so callers can
// branch on errors.As without string matching. Unknown codes fall through
// to KindProtocol.
package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed error taxonomy of the engine.
type Kind string

const (
	KindNotional             Kind = "notional"
	KindPrecision            Kind = "precision"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindSymbolUnknown        Kind = "symbol_unknown"
	KindRateLimited          Kind = "rate_limited"
	KindPositionModeMismatch Kind = "position_mode_mismatch"
	KindReduceOnlyReject     Kind = "reduce_only_reject"
	KindOrderWouldTrigger    Kind = "order_would_trigger"
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindNetwork              Kind = "network"
	KindParse                Kind = "parse"
	KindProtocol             Kind = "protocol"
	KindConfiguration        Kind = "configuration"
)

// Severity buckets errors for the persistent log.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// APIError is a classified venue or transport failure. Op and Symbol attach
// the operation context at the call site.
type APIError struct {
	Kind       Kind
	Code       int
	Msg        string
	Op         string
	Symbol     string
	RetryAfter time.Duration // hint carried on rate-limit errors
	wrapped    error
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d, kind %s)", e.Op, e.Msg, e.Code, e.Kind)
	}
	return fmt.Sprintf("%s: %s (kind %s)", e.Op, e.Msg, e.Kind)
}

func (e *APIError) Unwrap() error { return e.wrapped }

// DefaultSeverity derives the log severity from the kind per the engine's
// propagation policy.
func (e *APIError) DefaultSeverity() Severity {
	switch e.Kind {
	case KindInvalidCredentials, KindConfiguration:
		return SeverityCritical
	case KindNotional, KindInsufficientBalance, KindReduceOnlyReject, KindPositionModeMismatch:
		return SeverityHigh
	case KindRateLimited, KindNetwork, KindPrecision, KindOrderWouldTrigger:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Venue error codes the classifier recognizes.
const (
	codeTooManyRequests   = -1003
	codeServerBusy        = -1015
	codeTimestampSkew     = -1021
	codeInvalidSignature  = -1022
	codeFilterFailure     = -1013
	codeBadPrecision      = -1111
	codeUnknownSymbol     = -1121
	codeBadAPIKeyFmt      = -2014
	codeRejectedKey       = -2015
	codeNoSuchOrder       = -2013
	codeBalanceShort      = -2018
	codeMarginShort       = -2019
	codeWouldTrigger      = -2021
	codeReduceOnlyReject  = -2022
	codePositionSideErr   = -4061
	codeMinNotional       = -4164
)

// classifyCode maps a venue error code (optionally with its message) to a
// Kind. Filter failures share one code; the message disambiguates.
func classifyCode(code int, msg string) Kind {
	switch code {
	case codeBadPrecision:
		return KindPrecision
	case codeMinNotional:
		return KindNotional
	case codeBalanceShort, codeMarginShort:
		return KindInsufficientBalance
	case codeUnknownSymbol:
		return KindSymbolUnknown
	case codeTooManyRequests, codeServerBusy:
		return KindRateLimited
	case codePositionSideErr:
		return KindPositionModeMismatch
	case codeReduceOnlyReject:
		return KindReduceOnlyReject
	case codeWouldTrigger:
		return KindOrderWouldTrigger
	case codeTimestampSkew, codeInvalidSignature, codeBadAPIKeyFmt, codeRejectedKey:
		return KindInvalidCredentials
	case codeFilterFailure:
		switch {
		case containsFold(msg, "NOTIONAL"):
			return KindNotional
		case containsFold(msg, "PRICE_FILTER"), containsFold(msg, "LOT_SIZE"), containsFold(msg, "PERCENT_PRICE"):
			return KindPrecision
		default:
			return KindPrecision
		}
	default:
		return KindProtocol
	}
}

func containsFold(s, sub string) bool {
	n := len(sub)
	if n == 0 {
		return true
	}
	for i := 0; i+n <= len(s); i++ {
		match := true
		for j := 0; j < n; j++ {
			a, b := s[i+j], sub[j]
			if 'a' <= a && a <= 'z' {
				a -= 'a' - 'A'
			}
			if 'a' <= b && b <= 'z' {
				b -= 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// newAPIError builds a classified error from a venue {code,msg} body.
func newAPIError(op, symbol string, code int, msg string) *APIError {
	return &APIError{
		Kind:   classifyCode(code, msg),
		Code:   code,
		Msg:    msg,
		Op:     op,
		Symbol: symbol,
	}
}

// netError wraps a transport failure.
func netError(op, symbol string, err error) *APIError {
	return &APIError{Kind: KindNetwork, Msg: err.Error(), Op: op, Symbol: symbol, wrapped: err}
}

// parseError wraps a malformed-payload failure.
func parseError(op string, err error) *APIError {
	return &APIError{Kind: KindParse, Msg: err.Error(), Op: op, wrapped: err}
}

// KindOf extracts the Kind of any error, or KindProtocol for untyped ones.
func KindOf(err error) Kind {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindProtocol
}

// IsRecoverablePlacement reports whether a failed limit placement may be
// retried once as a market order. Notional and balance failures are final.
func IsRecoverablePlacement(err error) bool {
	switch KindOf(err) {
	case KindPrecision, KindOrderWouldTrigger, KindNetwork, KindProtocol:
		return true
	default:
		return false
	}
}

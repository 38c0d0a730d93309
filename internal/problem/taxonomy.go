package problem

import "net/http"

// Kind is one of the gateway's stable error taxonomy entries (spec.md §7).
// Each Kind carries a fixed HTTP status and a fixed "type" URI suffix so
// clients can branch on type without string-matching titles.
type Kind string

const (
	KindRouteNotFound    Kind = "route-not-found"
	KindServiceNotFound  Kind = "service-not-found"
	KindValidationError  Kind = "validation-error"
	KindUnauthorized     Kind = "unauthorized"
	KindForbidden        Kind = "forbidden"
	KindConflict         Kind = "conflict"
	KindPayloadTooLarge  Kind = "payload-too-large"
	KindHeaderTooLarge   Kind = "header-too-large"
	KindTooManyRequests  Kind = "too-many-requests"
	KindBadGateway       Kind = "bad-gateway"
	KindGatewayTimeout   Kind = "gateway-timeout"
	KindInternalError    Kind = "internal-error"
)

// typeBase prefixes every Kind's "type" URI. Not resolvable — RFC 7807
// only requires the URI to be a stable identifier, not dereferenceable.
const typeBase = "https://aussiehq.dev/problems/"

// statusFor maps each Kind to its fixed HTTP status (spec.md §7 table).
var statusFor = map[Kind]int{
	KindRouteNotFound:   http.StatusNotFound,
	KindServiceNotFound: http.StatusNotFound,
	KindValidationError: http.StatusBadRequest,
	KindUnauthorized:    http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindConflict:        http.StatusConflict,
	KindPayloadTooLarge: http.StatusRequestEntityTooLarge,
	KindHeaderTooLarge:  http.StatusRequestHeaderFieldsTooLarge,
	KindTooManyRequests: http.StatusTooManyRequests,
	KindBadGateway:      http.StatusBadGateway,
	KindGatewayTimeout:  http.StatusGatewayTimeout,
	KindInternalError:   http.StatusInternalServerError,
}

// Status returns k's fixed HTTP status.
func (k Kind) Status() int { return statusFor[k] }

// Of builds a Problem for k with detail, using k's fixed status and a
// "type" URI derived from k itself.
func Of(k Kind, detail string) Problem {
	return New(typeBase+string(k), k.Status(), detail)
}

// WriteKind writes a Problem for k directly to w.
func WriteKind(w http.ResponseWriter, k Kind, detail string) {
	Write(w, Of(k, detail))
}

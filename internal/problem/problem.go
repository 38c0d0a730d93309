// Package problem implements RFC 7807 application/problem+json error
// responses (spec.md §4.7/§7), generalizing the teacher's internal/api/
// router.go APIError/errorJSON/errorTypeFromStatus bespoke envelope into
// the type/title/status/detail shape spec.md's error taxonomy requires.
package problem

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ContentType is the media type RFC 7807 mandates for problem responses.
const ContentType = "application/problem+json"

// Problem is an RFC 7807 problem detail, with Extensions carrying any
// taxonomy-specific members (e.g. "retryAfterSeconds", "requestId").
type Problem struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Instance   string         `json:"instance,omitempty"`
	Extensions map[string]any `json:"-"`
}

// MarshalJSON flattens Extensions alongside the standard members, since
// RFC 7807 extension members live at the top level of the object.
func (p Problem) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"type":   p.Type,
		"title":  p.Title,
		"status": p.Status,
	}
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	if p.Instance != "" {
		out["instance"] = p.Instance
	}
	for k, v := range p.Extensions {
		out[k] = v
	}
	return json.Marshal(out)
}

// titleForStatus mirrors the teacher's errorTypeFromStatus mapping table,
// generalized to RFC 7807 titles instead of the teacher's bespoke error
// type strings.
func titleForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Bad Request"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusTooManyRequests:
		return "Too Many Requests"
	case http.StatusServiceUnavailable:
		return "Service Unavailable"
	case http.StatusGatewayTimeout:
		return "Gateway Timeout"
	case http.StatusBadGateway:
		return "Bad Gateway"
	default:
		if status >= 500 {
			return "Internal Server Error"
		}
		return http.StatusText(status)
	}
}

// New builds a Problem with the given type URI, a title derived from status
// via titleForStatus, and detail.
func New(typ string, status int, detail string) Problem {
	return Problem{
		Type:   typ,
		Title:  titleForStatus(status),
		Status: status,
		Detail: detail,
	}
}

// Write serializes p as application/problem+json to w.
func Write(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("problem: failed to encode response", "error", err)
	}
}

// WriteStatus is a convenience for the common case of no extension members.
func WriteStatus(w http.ResponseWriter, typ string, status int, detail string) {
	Write(w, New(typ, status, detail))
}

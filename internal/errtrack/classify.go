package errtrack

import "strings"

type Type string

const (
	TypeInvalidEndpoint    Type = "invalid_endpoint"
	TypePayloadTooLarge    Type = "payload_too_large"
	TypeRateLimited        Type = "rate_limited"
	TypeServiceUnavailable Type = "service_unavailable"
	TypeClientError        Type = "client_error"
	TypeTimeout            Type = "timeout"
	TypeNetworkError       Type = "network_error"
	TypeUnknown            Type = "unknown_error"
)

var byStatus = map[int]Type{
	404: TypeInvalidEndpoint,
	410: TypeInvalidEndpoint,
	413: TypePayloadTooLarge,
	429: TypeRateLimited,
	500: TypeServiceUnavailable,
	502: TypeServiceUnavailable,
	503: TypeServiceUnavailable,
}

// Classify maps a delivery failure to its category. Pure; the tracker and
// tests both lean on it.
func Classify(statusCode int, message string) Type {
	if t, ok := byStatus[statusCode]; ok {
		return t
	}
	if statusCode >= 400 && statusCode < 500 {
		return TypeClientError
	}
	msg := strings.ToLower(message)
	if strings.Contains(msg, "timeout") {
		return TypeTimeout
	}
	if strings.Contains(msg, "network") {
		return TypeNetworkError
	}
	return TypeUnknown
}

package ephem

import "errors"

// Sentinel errors shared by providers, the resolver and the query client.
// Callers match them with errors.Is; the wrapping error carries the detail.
var (
	ErrRequestTimeout    = errors.New("request timed out")
	ErrTargetNotFound    = errors.New("target not found")
	ErrServiceStatus     = errors.New("unexpected service status")
	ErrMalformedResponse = errors.New("malformed service response")
	ErrInvalidQuery      = errors.New("invalid query")
)

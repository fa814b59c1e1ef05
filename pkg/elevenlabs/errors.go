package elevenlabs

import "fmt"

// UpstreamAuthError indicates the provider rejected the request with a
// non-success HTTP status (bad API key, unknown agent, revoked access).
type UpstreamAuthError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("elevenlabs: signed-url request rejected (%d): %s", e.StatusCode, e.Body)
}

// UpstreamUnavailableError indicates a network-level failure reaching the
// provider, including a setup deadline expiring.
type UpstreamUnavailableError struct {
	Err error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("elevenlabs: provider unreachable: %v", e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// MalformedResponseError indicates the provider answered with a success
// status but the expected field was missing from the body.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("elevenlabs: malformed response: %s", e.Reason)
}

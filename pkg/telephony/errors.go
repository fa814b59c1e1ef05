package telephony

import "fmt"

// ValidationError indicates bad client input on the call-placement API.
// Handlers map it to a 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

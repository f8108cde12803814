package convo

import "fmt"

// ErrHTTP is a non-2xx response from the completion service. 4xx statuses are
// client errors and never retried; 429 and 5xx are transient.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter int64 // seconds, from the Retry-After header; 0 = absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrTransport is returned after all retry attempts against the completion
// service are exhausted. It wraps the last transient error.
type ErrTransport struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("%s: transport failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *ErrTransport) Unwrap() error { return e.Err }

// ErrConfig is a missing or invalid required setting. Fatal; surfaced before
// any conversation work starts.
type ErrConfig struct {
	Setting string
	Reason  string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Setting, e.Reason)
}

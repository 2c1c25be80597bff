package chat

import "strconv"

// modelNotFoundError signals an unknown model id for 404 mapping.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// modelNotReadyError signals an activation attempt against a model
// whose provisioner has not reached Finished, for 409 mapping.
type modelNotReadyError struct{ id string }

func (e modelNotReadyError) Error() string { return "model not ready: " + e.id }

func ErrModelNotReady(id string) error { return modelNotReadyError{id: id} }

// IsModelNotReady reports whether the error indicates an unprovisioned model.
func IsModelNotReady(err error) bool {
	_, ok := err.(modelNotReadyError)
	return ok
}

// engineUnavailableError signals a missing engine runtime (e.g. a build
// without llama support) so the HTTP layer can return 503.
type engineUnavailableError struct{ msg string }

func (e engineUnavailableError) Error() string { return e.msg }

func ErrEngineUnavailable(msg string) error { return engineUnavailableError{msg: msg} }

// IsEngineUnavailable reports whether err indicates a missing/failed engine runtime.
func IsEngineUnavailable(err error) bool {
	_, ok := err.(engineUnavailableError)
	return ok
}

// noBackendError signals a send with neither an active local model nor
// a configured remote endpoint.
type noBackendError struct{}

func (noBackendError) Error() string { return "no active model and no remote endpoint configured" }

func ErrNoBackend() error { return noBackendError{} }

func IsNoBackend(err error) bool {
	_, ok := err.(noBackendError)
	return ok
}

// httpStatusError carries a non-success upstream status code.
type httpStatusError struct{ code int }

func (e httpStatusError) Error() string { return "unexpected status " + strconv.Itoa(e.code) }

// StatusCode returns the upstream HTTP status.
func (e httpStatusError) StatusCode() int { return e.code }

// IsHTTPStatus extracts the status code from a remote-endpoint error.
func IsHTTPStatus(err error) (int, bool) {
	e, ok := err.(httpStatusError)
	if !ok {
		return 0, false
	}
	return e.code, true
}

// errMessageNotFound is returned by stores when updating an unknown id.
type errMessageNotFound struct{ id string }

func (e errMessageNotFound) Error() string { return "message not found: " + e.id }

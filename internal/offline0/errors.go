package offline0

import "errors"

var (
	// ErrInstallFailed is returned when a precache asset could not be fetched
	// or stored. The installing worker becomes redundant.
	ErrInstallFailed = errors.New("install failed")

	// ErrNetwork wraps transport failures reaching the origin.
	ErrNetwork = errors.New("network request failed")

	ErrNotFound       = errors.New("not found")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownSyncTag = errors.New("unknown sync tag")
	ErrNoClient       = errors.New("no client available")
	ErrNotActive      = errors.New("no active worker")
	ErrStorageClosed  = errors.New("storage closed")

	errRelativeURL = errors.New("url must be absolute")
)

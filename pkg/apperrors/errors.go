package apperrors

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrSyncInProgress          = errors.New("sync already running for this entity")
	ErrMappingDisabled         = errors.New("entity mapping is disabled")
	ErrConnectorNotRegistered  = errors.New("no connector registered for source")
	ErrConnectionNotConfigured = errors.New("connection is not configured")
	ErrInvalidInstanceURL      = errors.New("invalid instance URL")
	ErrMissingKeyField         = errors.New("entity mapping has no key field")
	ErrCredentialsKeyMismatch  = errors.New("connection credentials were encrypted with a different key")
)

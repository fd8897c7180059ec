package domain

import "go.trai.ch/zerr"

var (
	// ErrMutationInFlight is returned when a toggle is requested for a flag key that already has an
	// outstanding optimistic mutation.
	ErrMutationInFlight = zerr.New("mutation already in flight")

	// ErrReauthRequired is returned when the session could not be healed and the user must sign in again.
	ErrReauthRequired = zerr.New("re-authentication required")

	// ErrToggleFailed is returned when a toggle was rolled back.
	ErrToggleFailed = zerr.New("toggle failed")

	// ErrNoCredential is returned when an operation needs a credential and none is held.
	ErrNoCredential = zerr.New("no credential")

	// ErrCredentialInvalid is returned by stores when the presented credential is rejected.
	ErrCredentialInvalid = zerr.New("credential invalid")

	// ErrRefreshFailed is returned when the credential refresher cannot mint a new credential.
	ErrRefreshFailed = zerr.New("credential refresh failed")

	// ErrReadFailed is returned when an authoritative re-read of a subject fails.
	ErrReadFailed = zerr.New("failed to read engagement")

	// ErrNoRows is returned by stores when a single-row operation matched nothing.
	ErrNoRows = zerr.New("no rows")

	// ErrInvalidCacheKey is returned when a cache key string cannot be parsed.
	ErrInvalidCacheKey = zerr.New("invalid cache key")

	// ErrUnknownRelation is returned when no relation is configured for a subject type.
	ErrUnknownRelation = zerr.New("no relation configured for subject type")

	// ErrUnknownTable is returned when a store is asked to operate on a table it does not serve.
	ErrUnknownTable = zerr.New("unknown table")

	// ErrInvalidRow is returned when a row payload is missing required columns.
	ErrInvalidRow = zerr.New("invalid row")

	// ErrSubscriptionClosed is returned when a subscription channel ends unexpectedly.
	ErrSubscriptionClosed = zerr.New("subscription closed")

	// ErrUnknownStoreScheme is returned when the store DSN uses an unsupported scheme.
	ErrUnknownStoreScheme = zerr.New("unsupported store scheme")

	// ErrStoreOpenFailed is returned when a store backend cannot be opened.
	ErrStoreOpenFailed = zerr.New("failed to open store")

	// ErrConfigReadFailed is returned when the config file cannot be read.
	ErrConfigReadFailed = zerr.New("failed to read config file")

	// ErrConfigParseFailed is returned when the config file cannot be parsed.
	ErrConfigParseFailed = zerr.New("failed to parse config file")

	// ErrConfigInvalid is returned when the config file parses but holds invalid values.
	ErrConfigInvalid = zerr.New("invalid configuration")

	// ErrSessionReadFailed is returned when the persisted session cannot be read.
	ErrSessionReadFailed = zerr.New("failed to read session")

	// ErrSessionWriteFailed is returned when the session cannot be persisted.
	ErrSessionWriteFailed = zerr.New("failed to write session")

	// ErrSessionUnmarshalFailed is returned when the persisted session is corrupt.
	ErrSessionUnmarshalFailed = zerr.New("failed to unmarshal session")

	// ErrMissingArgument is returned when a CLI command is missing a required argument.
	ErrMissingArgument = zerr.New("missing argument")
)

// Fail reports cause as an instance of sentinel. errors.Is matches both, and
// the message reads "sentinel: cause".
func Fail(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &failure{sentinel: sentinel, cause: cause}
}

type failure struct {
	sentinel error
	cause    error
}

func (f *failure) Error() string {
	return f.sentinel.Error() + ": " + f.cause.Error()
}

func (f *failure) Unwrap() error {
	return f.cause
}

func (f *failure) Is(target error) bool {
	return target == f.sentinel
}

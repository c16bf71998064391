package service

import "errors"

// Error kinds surfaced to the HTTP/CLI layer. Wrapped with %w so callers
// classify with errors.Is; decode failures carry *audio.DecodeError and
// are classified with errors.As.
var (
	// ErrInvalidArgument marks a malformed request: missing owner_id,
	// out-of-range top_k, missing file.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEmptyLibrary marks a search against an owner with no beats. It is
	// distinct from a valid search that happens to match nothing.
	ErrEmptyLibrary = errors.New("no beats in library")

	// ErrDependencyMissing marks an upload rejected because key detection
	// is required by policy but its external tool is unavailable.
	ErrDependencyMissing = errors.New("key detection dependency missing")
)

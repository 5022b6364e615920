package config

import "errors"

// Validation errors returned by Config.Validate.
var (
	// ErrNoTarget is returned when no URL was given.
	ErrNoTarget = errors.New("no target specified: provide a URL argument or set target in the config file")

	// ErrNoProxyAddress is returned when external Tor is selected without
	// a proxy address.
	ErrNoProxyAddress = errors.New("external Tor selected but no proxy address given")

	// ErrInvalidTimeout is returned when any timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidBodyDeadline is returned when the body deadline is not positive.
	ErrInvalidBodyDeadline = errors.New("invalid body deadline: must be positive")

	// ErrInvalidChannelCapacity is returned when the event channel would be
	// unbuffered or negative.
	ErrInvalidChannelCapacity = errors.New("invalid channel capacity: must be at least 1")

	// ErrInvalidRenderInterval is returned when the refresh period is not positive.
	ErrInvalidRenderInterval = errors.New("invalid render interval: must be positive")

	// ErrConflictingReportFormats is returned when both --json and --markdown
	// are set.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json and --markdown cannot be used together")

	// ErrNoHistoryDir is returned when history is enabled without a directory.
	ErrNoHistoryDir = errors.New("history enabled but no history directory set")
)

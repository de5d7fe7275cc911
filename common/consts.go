package common

import "time"

const (
	// DefaultTimeout bounds find and switch operations unless overridden.
	DefaultTimeout time.Duration = 30 * time.Second

	// DefaultPollInterval is the sleep between element query attempts.
	DefaultPollInterval time.Duration = 100 * time.Millisecond
)

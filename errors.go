package mailverify

import (
	"errors"

	"github.com/optimode/mailverify/internal/dedup"
	"github.com/optimode/mailverify/internal/jobs"
)

var (
	// ErrInvalidOptions is returned by New when the options do not validate.
	ErrInvalidOptions = errors.New("mailverify: invalid options")

	ErrClosed     = errors.New("mailverify: engine closed")
	ErrEmptyBatch = errors.New("mailverify: empty batch")

	// ErrCancelled is the failure reason of a job stopped by Cancel.
	ErrCancelled = errors.New("mailverify: job cancelled")

	// ErrStorage marks a job that failed because its state could not be
	// persisted.
	ErrStorage = errors.New("mailverify: storage failure")

	// ErrNotRunning is returned by Cancel for a job this engine is not running.
	ErrNotRunning = errors.New("mailverify: job is not running in this process")

	ErrJobNotFound    = jobs.ErrJobNotFound
	ErrRecordNotFound = dedup.ErrNotFound
)

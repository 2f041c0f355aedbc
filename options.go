package mailverify

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/internal/config"
	"github.com/optimode/mailverify/internal/dnscache"
	"github.com/optimode/mailverify/internal/jobs"
)

// Options configures an Engine.
type Options struct {
	// Config holds the tunables, usually loaded with config.Load.
	Config config.Config

	// TypoThreshold is the Levenshtein distance for domain typo
	// suggestions. Default: 2. Negative disables suggestions.
	TypoThreshold int

	// PollInterval is how often SubscribeProgress and Wait reload a job
	// that no local run publishes for. Default: 1s
	PollInterval time.Duration

	Logger zerolog.Logger
	// Registerer receives the engine's collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Resolver replaces the miekg/dns resolver built from Config.Nameservers.
	Resolver dnscache.Resolver
	// Dial replaces the TCP dialer used for SMTP connections.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// JobStore replaces the job store chosen from Config.
	JobStore jobs.Store
}

// DefaultOptions returns the built-in configuration with logging disabled.
func DefaultOptions() Options {
	return Options{
		Config:        config.Default(),
		TypoThreshold: 2,
		PollInterval:  time.Second,
		Logger:        zerolog.Nop(),
	}
}

func (o *Options) applyDefaults() error {
	if err := o.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if o.Config.DatabasePath == "" {
		return fmt.Errorf("%w: database_path is required", ErrInvalidOptions)
	}
	if o.TypoThreshold == 0 {
		o.TypoThreshold = 2
	}
	if o.TypoThreshold < 0 {
		o.TypoThreshold = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return nil
}

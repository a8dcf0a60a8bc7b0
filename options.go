package tidepool

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/indexes"
	"github.com/louisbranch/tidepool/message"
	"github.com/louisbranch/tidepool/status"
)

// PartialMarkers supplies per-feed partial-sync markers to the status
// aggregator. Replication plumbing owns the markers; the database only
// reads them.
type PartialMarkers = status.MarkerSource

// config collects Open-time settings.
type config struct {
	log     feedlog.Log
	keypair *message.Keypair
	markers PartialMarkers
	maxHops int

	debounce       time.Duration
	maxCPU         int
	maxCPUWait     time.Duration
	maxCPUMaxPause time.Duration

	logger zerolog.Logger
}

// Option configures Open.
type Option func(*config)

// WithLog substitutes the record log. The default opens a sqlitelog under
// the database directory. The database takes ownership and closes the log
// on Close.
func WithLog(log feedlog.Log) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithKeypair pins the local feed identity instead of loading or creating
// the secret file under the database directory.
func WithKeypair(kp *message.Keypair) Option {
	return func(c *config) {
		c.keypair = kp
	}
}

// WithMarkers supplies the partial-sync marker source consulted by Status.
func WithMarkers(m PartialMarkers) Option {
	return func(c *config) {
		c.markers = m
	}
}

// WithMaxHops bounds the contact-graph walk in Status. Defaults to
// status.DefaultMaxHops.
func WithMaxHops(hops int) Option {
	return func(c *config) {
		c.maxHops = hops
	}
}

// WithAddBatchDebounce sets how long index runners coalesce staged writes
// before committing. Defaults to indexes.DefaultDebounce.
func WithAddBatchDebounce(d time.Duration) Option {
	return func(c *config) {
		c.debounce = d
	}
}

// WithMaxCPU throttles background indexing once its duty cycle exceeds the
// given percentage. Zero or >= 100 disables the guard. Log writes are
// never throttled.
func WithMaxCPU(percent int) Option {
	return func(c *config) {
		c.maxCPU = percent
	}
}

// WithMaxCPUWait sets the initial indexing pause once MaxCPU trips.
// Defaults to indexes.DefaultMaxCPUWait.
func WithMaxCPUWait(d time.Duration) Option {
	return func(c *config) {
		c.maxCPUWait = d
	}
}

// WithMaxCPUMaxPause caps the indexing pause growth. Defaults to
// indexes.DefaultMaxCPUMaxPause.
func WithMaxCPUMaxPause(d time.Duration) Option {
	return func(c *config) {
		c.maxCPUMaxPause = d
	}
}

// WithLogger routes database and indexing diagnostics to l. The default
// discards them.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func defaultConfig() config {
	return config{
		maxHops:  status.DefaultMaxHops,
		debounce: indexes.DefaultDebounce,
		logger:   zerolog.Nop(),
	}
}

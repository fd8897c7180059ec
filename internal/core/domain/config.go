package domain

import "time"

const (
	// ConfigFileName is the name of the configuration file searched for from the working directory upward.
	ConfigFileName = "tally.yaml"

	// DefaultInteractiveDeadline bounds calls a user is waiting on.
	DefaultInteractiveDeadline = 1500 * time.Millisecond
	// DefaultBulkDeadline bounds authoritative re-reads.
	DefaultBulkDeadline = 4 * time.Second
	// DefaultRefreshDeadline bounds credential refreshes.
	DefaultRefreshDeadline = 3 * time.Second
	// DefaultPollInterval is the fallback polling period of a degraded subscription.
	DefaultPollInterval = 10 * time.Second

	// DirPerm is the permission used for directories created by tally.
	DirPerm = 0o700
	// FilePerm is the permission used for files created by tally.
	FilePerm = 0o600
)

// CallClass selects a deadline.
type CallClass uint8

const (
	// CallInteractive is a call the user is waiting on.
	CallInteractive CallClass = iota
	// CallBulk is a background or bulk read.
	CallBulk
	// CallRefresh is a credential refresh.
	CallRefresh
)

// Deadlines holds the timeout of each call class.
type Deadlines struct {
	Interactive time.Duration
	Bulk        time.Duration
	Refresh     time.Duration
}

// DefaultDeadlines returns the built-in deadlines.
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Interactive: DefaultInteractiveDeadline,
		Bulk:        DefaultBulkDeadline,
		Refresh:     DefaultRefreshDeadline,
	}
}

// For returns the deadline of class c, falling back to the defaults for unset values.
func (d Deadlines) For(c CallClass) time.Duration {
	var v, def time.Duration
	switch c {
	case CallBulk:
		v, def = d.Bulk, DefaultBulkDeadline
	case CallRefresh:
		v, def = d.Refresh, DefaultRefreshDeadline
	default:
		v, def = d.Interactive, DefaultInteractiveDeadline
	}
	if v <= 0 {
		return def
	}
	return v
}

// Config is the resolved runtime configuration.
type Config struct {
	Actor     string
	Store     StoreConfig
	Realtime  RealtimeConfig
	Deadlines Deadlines
	Session   SessionConfig
	Relations Relations
	Metrics   MetricsConfig
}

// StoreConfig selects the remote store.
type StoreConfig struct {
	// DSN is memory://, sqlite://<path> or postgres://...
	DSN string
}

// RealtimeConfig configures push delivery.
type RealtimeConfig struct {
	// URL of a websocket feed. Empty means the store's own push channel.
	URL          string
	PollInterval time.Duration
}

// SessionConfig configures credential persistence and refresh.
type SessionConfig struct {
	Path       string
	RefreshURL string
	Watch      bool
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Listen string
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	return Config{
		Store:     StoreConfig{DSN: "memory://"},
		Realtime:  RealtimeConfig{PollInterval: DefaultPollInterval},
		Deadlines: DefaultDeadlines(),
		Relations: DefaultRelations(),
		Session:   SessionConfig{Watch: true},
	}
}

package config

// File represents the structure of the tally.yaml configuration file.
type File struct {
	Version   string            `yaml:"version"`
	Actor     string            `yaml:"actor"`
	Store     StoreDTO          `yaml:"store"`
	Realtime  RealtimeDTO       `yaml:"realtime"`
	Deadlines DeadlinesDTO      `yaml:"deadlines"`
	Session   SessionDTO        `yaml:"session"`
	Relations map[string]string `yaml:"relations"`
	Metrics   MetricsDTO        `yaml:"metrics"`
}

// StoreDTO selects the remote store.
type StoreDTO struct {
	DSN string `yaml:"dsn"`
}

// RealtimeDTO configures the push feed.
type RealtimeDTO struct {
	URL          string `yaml:"url"`
	PollInterval string `yaml:"pollInterval"`
}

// DeadlinesDTO holds per call class deadlines as Go duration strings.
type DeadlinesDTO struct {
	Interactive string `yaml:"interactive"`
	Bulk        string `yaml:"bulk"`
	Refresh     string `yaml:"refresh"`
}

// SessionDTO configures credential persistence and refresh.
type SessionDTO struct {
	Path       string `yaml:"path"`
	RefreshURL string `yaml:"refreshURL"`
	Watch      *bool  `yaml:"watch"`
}

// MetricsDTO configures the metrics endpoint.
type MetricsDTO struct {
	Listen string `yaml:"listen"`
}

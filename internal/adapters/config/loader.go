// Package config provides the configuration loader for tally.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// StoreSchemes lists the DSN schemes a store can be opened with.
var StoreSchemes = []string{"memory", "sqlite", "postgres", "postgresql"}

var feedSchemes = []string{"ws", "wss", "http", "https"}

// Loader implements ports.ConfigLoader using a YAML file.
type Loader struct {
	Logger ports.Logger
}

var _ ports.ConfigLoader = (*Loader)(nil)

// NewLoader creates a new Loader with the given logger.
func NewLoader(logger ports.Logger) *Loader {
	return &Loader{Logger: logger}
}

// Load reads the configuration. An explicit path is resolved against cwd. Without
// one, tally.yaml is searched from cwd upwards and defaults apply when none exists.
func (l *Loader) Load(cwd, path string) (domain.Config, error) {
	if path == "" {
		found, ok := findConfiguration(cwd)
		if !ok {
			l.Logger.Info("no " + domain.ConfigFileName + " found, using defaults")
			return domain.DefaultConfig(), nil
		}
		path = found
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}

	var file File
	if err := readAndUnmarshalYAML(path, &file); err != nil {
		return domain.Config{}, zerr.With(err, "path", path)
	}

	cfg, err := file.toDomain()
	if err != nil {
		return domain.Config{}, zerr.With(err, "path", path)
	}
	return cfg, nil
}

func findConfiguration(cwd string) (string, bool) {
	currentDir := cwd
	for {
		candidate := filepath.Join(currentDir, domain.ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return "", false
		}
		currentDir = parentDir
	}
}

// readAndUnmarshalYAML reads a YAML file and unmarshals it into the target struct.
func readAndUnmarshalYAML[T any](configPath string, target *T) error {
	// #nosec G304 -- configPath comes from discovery or an explicit flag
	configFile, err := os.ReadFile(configPath)
	if err != nil {
		return domain.Fail(domain.ErrConfigReadFailed, err)
	}

	if parseErr := yaml.Unmarshal(configFile, target); parseErr != nil {
		return domain.Fail(domain.ErrConfigParseFailed, parseErr)
	}
	return nil
}

func (f *File) toDomain() (domain.Config, error) {
	cfg := domain.DefaultConfig()

	if f.Version != "" && f.Version != "1" {
		return domain.Config{}, invalid("unsupported version", "version", f.Version)
	}
	cfg.Actor = f.Actor

	if f.Store.DSN != "" {
		if err := validateDSN(f.Store.DSN); err != nil {
			return domain.Config{}, err
		}
		cfg.Store.DSN = f.Store.DSN
	}

	if f.Realtime.URL != "" {
		u, err := url.Parse(f.Realtime.URL)
		if err != nil || !slices.Contains(feedSchemes, u.Scheme) {
			return domain.Config{}, invalid("realtime url must be ws, wss, http or https", "realtime.url", f.Realtime.URL)
		}
		cfg.Realtime.URL = f.Realtime.URL
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"realtime.pollInterval", f.Realtime.PollInterval, &cfg.Realtime.PollInterval},
		{"deadlines.interactive", f.Deadlines.Interactive, &cfg.Deadlines.Interactive},
		{"deadlines.bulk", f.Deadlines.Bulk, &cfg.Deadlines.Bulk},
		{"deadlines.refresh", f.Deadlines.Refresh, &cfg.Deadlines.Refresh},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return domain.Config{}, invalid("duration must be positive", d.field, d.raw)
		}
		*d.dst = v
	}

	cfg.Session = domain.SessionConfig{
		Path:       f.Session.Path,
		RefreshURL: f.Session.RefreshURL,
		Watch:      f.Session.Watch == nil || *f.Session.Watch,
	}

	for subjectType, relation := range f.Relations {
		if subjectType == "" || relation == "" {
			return domain.Config{}, invalid("relation must not be empty", "relations."+subjectType, relation)
		}
		cfg.Relations[domain.SubjectType(subjectType)] = domain.Relation(relation)
	}

	cfg.Metrics.Listen = f.Metrics.Listen
	return cfg, nil
}

func validateDSN(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "malformed store dsn"), "store.dsn", dsn)
	}
	if !slices.Contains(StoreSchemes, u.Scheme) {
		err := domain.Fail(domain.ErrUnknownStoreScheme, domain.ErrConfigInvalid)
		return zerr.With(err, "scheme", u.Scheme)
	}
	return nil
}

func invalid(msg, field, value string) error {
	return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, msg), field, value)
}

package publish

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"
	"time"
)

const (
	defaultTool         = "anaconda"
	defaultLockDirname  = ".lock"
	defaultLockTimeout  = 5 * time.Minute
	defaultLockInterval = 5 * time.Second
	defaultDialTimeout  = 30 * time.Second
	anacondaCloudURI    = "https://conda.anaconda.org"
)

var validID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsValidID checks if the given source ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Source describes one remote channel to publish to.
type Source struct {
	PkgName string `toml:"pkg_name"`
	URI     string `toml:"uri"`
	Channel string `toml:"channel"`
	User    string `toml:"user,omitempty"`
	Pass    string `toml:"pass,omitempty"`
	Regex   string `toml:"regex,omitempty"`
}

// Map renders the source as the flat configuration record Connect
// validates. Optional keys are present only when set.
func (s *Source) Map() map[string]string {
	m := map[string]string{
		"pkg_name": s.PkgName,
		"uri":      s.URI,
		"channel":  s.Channel,
	}
	if s.User != "" {
		m["user"] = s.User
	}
	if s.Pass != "" {
		m["pass"] = s.Pass
	}
	if s.Regex != "" {
		m["regex"] = s.Regex
	}
	return m
}

// RegistryConfig configures the HTTP registry variant.
type RegistryConfig struct {
	// URIs lists extra exact-match registry endpoints in addition to
	// the public registry.
	URIs []string `toml:"uris"`

	// Tool is the external publishing executable.
	Tool string `toml:"tool"`
}

// Endpoints returns the full exact-match endpoint set.
func (rc *RegistryConfig) Endpoints() []string {
	return append([]string{anacondaCloudURI}, rc.URIs...)
}

// LockConfig configures the remote directory lock.
type LockConfig struct {
	Dirname       string       `toml:"dirname"`
	Timeout       tomlDuration `toml:"timeout"`
	RetryInterval tomlDuration `toml:"retry_interval"`
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := publish.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir         string             `toml:"dir"`
	DialTimeout tomlDuration       `toml:"dial_timeout"`
	Log         LogConfig          `toml:"log"`
	TLS         TLSConfig          `toml:"tls"`
	Registry    RegistryConfig     `toml:"registry"`
	Lock        LockConfig         `toml:"lock"`
	Sources     map[string]*Source `toml:"sources"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.Lock.Dirname == "" || strings.ContainsAny(c.Lock.Dirname, "/") {
		return errors.New("lock dirname must be a bare directory name")
	}
	if c.Lock.Timeout.Duration <= 0 {
		return errors.New("lock timeout must be positive")
	}
	if c.Lock.RetryInterval.Duration <= 0 {
		return errors.New("lock retry_interval must be positive")
	}
	if c.Registry.Tool == "" {
		return errors.New("registry tool is not set")
	}
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		DialTimeout: tomlDuration{defaultDialTimeout},
		Registry: RegistryConfig{
			Tool: defaultTool,
		},
		Lock: LockConfig{
			Dirname:       defaultLockDirname,
			Timeout:       tomlDuration{defaultLockTimeout},
			RetryInterval: tomlDuration{defaultLockInterval},
		},
	}
}

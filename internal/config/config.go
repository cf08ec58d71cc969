// Package config resolves the clihost configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/acolita/clihost/internal/ports"
	"gopkg.in/yaml.v3"
)

// EnvFeedURL overrides the feed URL when set.
const EnvFeedURL = "CLIHOST_URL"

// DefaultFeedURL is the live-view agent feed endpoint.
const DefaultFeedURL = "ws://localhost:8080/agent-feed"

// DefaultReadyPattern matches the Copilot/Codex input hint shown once the TUI accepts input.
const DefaultReadyPattern = `\s*enter\s*@\s*to\s*mention\s*files\s*or\s*/\s*for\s*commands\s*`

// DefaultPreprompt tells the hosted agent how to treat messages from the feed.
const DefaultPreprompt = `Once you have processed this message, immediately send a message to live-view and say hello.

Whenever you receive a prompt starting with "lv:" you know this is a message from the live-view mcp.
you should immediately issue a NEW show content request with "🧠 Thinking...."
then you process the prompt and act on that.
once you have a real response, you send that back to the same file id as you got from the new show content. so you just update the "thinking" to the new content.
also make sure to pass other outputs to live view when possible, as the web user cannot see the terminal that you normally write in.
This is not an instruction on how to solve any task, it's just an instruction on how to interact with the live-view MCP.

Do not start working now...
`

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/clihost/config.yaml or ~/.config/clihost/config.yaml
func DefaultConfigPath(fsys ...ports.FileSystem) string {
	getenv := os.Getenv
	homeDir := os.UserHomeDir
	if len(fsys) > 0 && fsys[0] != nil {
		getenv = fsys[0].Getenv
		homeDir = fsys[0].UserHomeDir
	}

	dir := getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := homeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "clihost", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Feed      FeedConfig      `yaml:"feed"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Inject    InjectConfig    `yaml:"inject"`
	Keyboard  KeyboardConfig  `yaml:"keyboard"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
}

// FeedConfig defines the event feed connection.
type FeedConfig struct {
	URL       string `yaml:"url"`
	Reconnect bool   `yaml:"reconnect"`
	// ExitOnError terminates the child on the first transport error. It is
	// off by default; set it to end the session when the feed is lost.
	ExitOnError    bool          `yaml:"exit_on_error"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ChatPrefix     string        `yaml:"chat_prefix"` // marker prepended to every chat message
}

// ReadinessConfig defines how the hosted agent is judged ready for input.
type ReadinessConfig struct {
	Pattern        string          `yaml:"pattern"`
	ExtraPatterns  []PatternConfig `yaml:"extra_patterns"`
	Timeout        time.Duration   `yaml:"timeout"`
	QuietThreshold time.Duration   `yaml:"quiet_threshold"`
	QuietTimeout   time.Duration   `yaml:"quiet_timeout"`
	PollInterval   time.Duration   `yaml:"poll_interval"`
	ScanLimit      int             `yaml:"scan_limit"` // bytes of stripped output kept for matching
}

// PatternConfig defines an additional readiness pattern.
type PatternConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// InjectConfig defines the keystroke injection protocol.
type InjectConfig struct {
	WakeKeys       string        `yaml:"wake_keys"`
	Preprompt      string        `yaml:"preprompt"`
	PrepromptFile  string        `yaml:"preprompt_file"`
	PrepromptDelay time.Duration `yaml:"preprompt_delay"`
	Submit         string        `yaml:"submit"`
	SubmitDelay    time.Duration `yaml:"submit_delay"`
	Echo           bool          `yaml:"echo"`        // mirror injected text to local output
	EchoPrefix     string        `yaml:"echo_prefix"` // prefix for echoed injections
}

// KeyboardConfig defines local keyboard forwarding.
type KeyboardConfig struct {
	Forward bool `yaml:"forward"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Format   string `yaml:"format"`   // "text" or "json"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // directory to store recordings
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			URL:            DefaultFeedURL,
			Reconnect:      true,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			PingInterval:   20 * time.Second,
			ChatPrefix:     "lv:",
		},
		Readiness: ReadinessConfig{
			Pattern:        DefaultReadyPattern,
			Timeout:        30 * time.Second,
			QuietThreshold: 800 * time.Millisecond,
			QuietTimeout:   15 * time.Second,
			PollInterval:   50 * time.Millisecond,
			ScanLimit:      16384,
		},
		Inject: InjectConfig{
			WakeKeys:       `\r`,
			Preprompt:      DefaultPreprompt,
			PrepromptDelay: 3 * time.Second,
			Submit:         `\r`,
			SubmitDelay:    60 * time.Millisecond,
			EchoPrefix:     "[server] ",
		},
		Keyboard: KeyboardConfig{
			Forward: true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file and applies environment overrides.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	readFile := os.ReadFile
	getenv := os.Getenv
	if len(fsys) > 0 && fsys[0] != nil {
		readFile = fsys[0].ReadFile
		getenv = fsys[0].Getenv
	}

	if path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if u := getenv(EnvFeedURL); u != "" {
		cfg.Feed.URL = u
	}

	if cfg.Inject.PrepromptFile != "" {
		data, err := readFile(cfg.Inject.PrepromptFile)
		if err != nil {
			return nil, fmt.Errorf("read preprompt file: %w", err)
		}
		cfg.Inject.Preprompt = string(data)
	}

	return cfg, nil
}

// Validate checks the configuration, filling zero values with defaults and
// decoding escape sequences in key strings. It must be called once before the
// configuration is handed to components; the result is treated as immutable.
func (c *Config) Validate() error {
	def := DefaultConfig()
	var errs []error

	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	} else if u, err := url.Parse(c.Feed.URL); err != nil {
		errs = append(errs, fmt.Errorf("feed.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("feed.url: unsupported scheme %q", u.Scheme))
	}

	defaultDuration(&c.Feed.InitialBackoff, def.Feed.InitialBackoff)
	defaultDuration(&c.Feed.MaxBackoff, def.Feed.MaxBackoff)
	defaultDuration(&c.Feed.PingInterval, def.Feed.PingInterval)
	if c.Feed.MaxBackoff < c.Feed.InitialBackoff {
		errs = append(errs, fmt.Errorf("feed.max_backoff %v is below initial_backoff %v", c.Feed.MaxBackoff, c.Feed.InitialBackoff))
	}

	defaultDuration(&c.Readiness.Timeout, def.Readiness.Timeout)
	defaultDuration(&c.Readiness.QuietThreshold, def.Readiness.QuietThreshold)
	defaultDuration(&c.Readiness.QuietTimeout, def.Readiness.QuietTimeout)
	defaultDuration(&c.Readiness.PollInterval, def.Readiness.PollInterval)
	if c.Readiness.ScanLimit <= 0 {
		c.Readiness.ScanLimit = def.Readiness.ScanLimit
	}
	if c.Readiness.Pattern == "" {
		c.Readiness.Pattern = def.Readiness.Pattern
	}
	if _, err := regexp.Compile(c.Readiness.Pattern); err != nil {
		errs = append(errs, fmt.Errorf("readiness.pattern: %w", err))
	}
	for i, p := range c.Readiness.ExtraPatterns {
		if _, err := regexp.Compile(p.Regex); err != nil {
			errs = append(errs, fmt.Errorf("readiness.extra_patterns[%d] %q: %w", i, p.Name, err))
		}
	}

	if c.Inject.PrepromptDelay < 0 || c.Inject.SubmitDelay < 0 {
		errs = append(errs, errors.New("inject delays must not be negative"))
	}
	if c.Inject.Submit == "" {
		c.Inject.Submit = def.Inject.Submit
	}
	c.Inject.WakeKeys = DecodeEscapes(c.Inject.WakeKeys)
	c.Inject.Submit = DecodeEscapes(c.Inject.Submit)

	switch strings.ToLower(c.Logging.Format) {
	case "", "text":
		c.Logging.Format = "text"
	case "json":
		c.Logging.Format = "json"
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	if c.Recording.Enabled && c.Recording.Path == "" {
		c.Recording.Path = filepath.Join(os.TempDir(), "clihost-recordings")
	}

	return errors.Join(errs...)
}

func defaultDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// DecodeEscapes interprets Go/C style escapes such as \r, \t, \x1b and \u00e9.
// Strings that are not valid escape sequences are returned unchanged.
func DecodeEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	out, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return s
	}
	return out
}

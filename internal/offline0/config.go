package offline0

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Sync tags understood by the worker.
const (
	TagAnalyticsSync  = "analytics-sync"
	TagFormSubmission = "form-submission"
	TagContentUpdate  = "content-update"
)

type Config struct {
	App struct {
		Name    string `yaml:"name" validate:"required,excludesall=/"`
		Version string `yaml:"version" validate:"required,excludesall=/"`
	} `yaml:"app"`

	Server struct {
		Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin        string `yaml:"origin" validate:"required,url"`
		PublicOrigin  string `yaml:"publicOrigin" validate:"required,url"`
		ControlPrefix string `yaml:"controlPrefix" validate:"required,startswith=/"`
	} `yaml:"server"`

	Storage StorageConfig `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Install struct {
		Concurrency int `yaml:"concurrency" validate:"gte=1"`
	} `yaml:"install"`

	// Precache is the install manifest: absolute paths fetched and stored
	// before a version may activate.
	Precache []string `yaml:"precache" validate:"required,min=1,dive,startswith=/"`

	Offline struct {
		Page  string `yaml:"page" validate:"omitempty,startswith=/"`
		Image string `yaml:"image" validate:"omitempty,startswith=/"`
	} `yaml:"offline"`

	Rules  []Rule        `yaml:"rules"`
	Queues []QueueConfig `yaml:"queues" validate:"dive"`

	Replay ReplayConfig `yaml:"replay"`

	Content struct {
		Pages         []string `yaml:"pages" validate:"dive,startswith=/"`
		UpdateEvery   string   `yaml:"updateEvery"`
		Sitemaps      []string `yaml:"sitemaps"`
		MaxDiscovered int      `yaml:"maxDiscovered" validate:"gte=0"`

		updateEveryDur time.Duration
	} `yaml:"content"`

	Connectivity struct {
		ProbePath  string `yaml:"probePath" validate:"startswith=/"`
		CheckEvery string `yaml:"checkEvery"`

		checkEveryDur time.Duration
	} `yaml:"connectivity"`

	Push PushConfig `yaml:"push"`

	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory leveldb badger"`
	Path    string `yaml:"path"`
	RAM     struct {
		Max string `yaml:"max"`
	} `yaml:"ram"`
	Disk struct {
		Max string `yaml:"max"`
	} `yaml:"disk"`

	ramMax  int64
	diskMax int64
}

type QueueConfig struct {
	Tag    string `yaml:"tag" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
	Match  string `yaml:"match"`

	matchers []pathMatcher
}

type ReplayConfig struct {
	MaxAttempts     int     `yaml:"maxAttempts" validate:"gte=1"`
	InitialInterval string  `yaml:"initialInterval"`
	MaxInterval     string  `yaml:"maxInterval"`
	Multiplier      float64 `yaml:"multiplier" validate:"gte=1"`

	initialDur time.Duration
	maxDur     time.Duration
}

type PushConfig struct {
	DefaultTitle       string `yaml:"defaultTitle"`
	DefaultBody        string `yaml:"defaultBody"`
	Icon               string `yaml:"icon"`
	Badge              string `yaml:"badge"`
	ViewIcon           string `yaml:"viewIcon"`
	Vibrate            []int  `yaml:"vibrate"`
	RequireInteraction *bool  `yaml:"requireInteraction"`
	MaxTracked         int    `yaml:"maxTracked" validate:"gte=0"`
}

type LoggingConfig struct {
	Level         string `yaml:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format        string `yaml:"format" validate:"omitempty,oneof=text json"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	logStatsEveryDur time.Duration
}

type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathMatcher
}

type pathMatcher interface {
	Match(path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type globMatcher struct{ Pattern string }

func (m globMatcher) Match(path string) bool {
	ok, err := doublestar.Match(m.Pattern, path)
	return err == nil && ok
}

// LoadConfig reads a YAML config file. OFFLINE0_ORIGIN, OFFLINE0_VERSION and
// OFFLINE0_PORT override the corresponding file values.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parseConfig(b, os.Getenv)
}

// ParseConfig decodes a YAML config without environment overrides.
func ParseConfig(b []byte) (Config, error) {
	return parseConfig(b, func(string) string { return "" })
}

func parseConfig(b []byte, getenv func(string) string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if v := getenv("OFFLINE0_ORIGIN"); v != "" {
		cfg.Server.Origin = v
	}
	if v := getenv("OFFLINE0_VERSION"); v != "" {
		cfg.App.Version = v
	}
	if v := getenv("OFFLINE0_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("OFFLINE0_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CacheName is the versioned bucket name. Bumping app.version is the only way
// to invalidate what clients have cached.
func (c *Config) CacheName() string {
	return c.App.Name + "-" + c.App.Version
}

func (c *Config) normalize() error {
	c.applyDefaults()

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	c.Server.PublicOrigin = strings.TrimRight(c.Server.PublicOrigin, "/")
	c.Server.ControlPrefix = strings.TrimRight(c.Server.ControlPrefix, "/")

	if c.Offline.Page != "" && !slices.Contains(c.Precache, c.Offline.Page) {
		return fmt.Errorf("offline.page %q must be listed in precache", c.Offline.Page)
	}
	if c.Offline.Image != "" && !slices.Contains(c.Precache, c.Offline.Image) {
		return fmt.Errorf("offline.image %q must be listed in precache", c.Offline.Image)
	}

	var err error
	if c.Storage.RAM.Max != "" {
		if c.Storage.ramMax, err = parseBytes(c.Storage.RAM.Max); err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
	}
	if c.Storage.Disk.Max != "" {
		if c.Storage.diskMax, err = parseBytes(c.Storage.Disk.Max); err != nil {
			return fmt.Errorf("storage.disk.max: %w", err)
		}
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"network.timeout", c.Network.Timeout, &c.Network.timeoutDur},
		{"replay.initialInterval", c.Replay.InitialInterval, &c.Replay.initialDur},
		{"replay.maxInterval", c.Replay.MaxInterval, &c.Replay.maxDur},
		{"content.updateEvery", c.Content.UpdateEvery, &c.Content.updateEveryDur},
		{"connectivity.checkEvery", c.Connectivity.CheckEvery, &c.Connectivity.checkEveryDur},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, &c.Logging.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.out = v
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(c.Rules, func(i, j int) bool {
		return c.Rules[i].Priority < c.Rules[j].Priority
	})

	seen := map[string]struct{}{}
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Tag == TagContentUpdate {
			return fmt.Errorf("queues[%d].tag: %q is reserved", i, q.Tag)
		}
		if _, dup := seen[q.Tag]; dup {
			return fmt.Errorf("queues[%d].tag: duplicate %q", i, q.Tag)
		}
		seen[q.Tag] = struct{}{}
		if q.Bucket == c.CacheName() {
			return fmt.Errorf("queues[%d].bucket: collides with cache name", i)
		}
		if q.Match == "" {
			continue
		}
		ms, err := parseMatch(q.Match)
		if err != nil {
			return fmt.Errorf("queues[%d].match: %w", i, err)
		}
		q.matchers = ms
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "offline0"
	}
	if c.App.Version == "" {
		c.App.Version = "v1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.PublicOrigin == "" {
		c.Server.PublicOrigin = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Server.ControlPrefix == "" {
		c.Server.ControlPrefix = "/_offline0"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data"
	}
	if c.Network.Timeout == "" {
		c.Network.Timeout = "30s"
	}
	if c.Install.Concurrency == 0 {
		c.Install.Concurrency = 4
	}
	if c.Offline.Page == "" {
		c.Offline.Page = "/offline.html"
	}
	if len(c.Precache) == 0 {
		c.Precache = []string{"/", c.Offline.Page}
	}
	if c.Queues == nil {
		c.Queues = []QueueConfig{
			{Tag: TagAnalyticsSync, Bucket: "analytics-queue", Match: "PathPrefix(/api/analytics)"},
			{Tag: TagFormSubmission, Bucket: "form-queue", Match: "PathPrefix(/api/contact)|PathPrefix(/contact)"},
		}
	}
	if c.Replay.MaxAttempts == 0 {
		c.Replay.MaxAttempts = 8
	}
	if c.Replay.InitialInterval == "" {
		c.Replay.InitialInterval = "30s"
	}
	if c.Replay.MaxInterval == "" {
		c.Replay.MaxInterval = "1h"
	}
	if c.Replay.Multiplier == 0 {
		c.Replay.Multiplier = 2
	}
	if c.Content.Pages == nil {
		c.Content.Pages = []string{"/", "/projects", "/contact"}
	}
	if c.Content.MaxDiscovered == 0 {
		c.Content.MaxDiscovered = 100
	}
	if c.Content.UpdateEvery == "" {
		c.Content.UpdateEvery = "1h"
	}
	if c.Connectivity.ProbePath == "" {
		c.Connectivity.ProbePath = "/"
	}
	if c.Connectivity.CheckEvery == "" {
		c.Connectivity.CheckEvery = "15s"
	}
	if c.Push.DefaultTitle == "" {
		c.Push.DefaultTitle = c.App.Name
	}
	if c.Push.DefaultBody == "" {
		c.Push.DefaultBody = "New update available"
	}
	if c.Push.Icon == "" {
		c.Push.Icon = "/static/images/icons/icon-192x192.png"
	}
	if c.Push.Badge == "" {
		c.Push.Badge = "/static/images/icons/icon-72x72.png"
	}
	if c.Push.ViewIcon == "" {
		c.Push.ViewIcon = "/static/images/icons/view-action.png"
	}
	if c.Push.Vibrate == nil {
		c.Push.Vibrate = []int{200, 100, 200}
	}
	if c.Push.RequireInteraction == nil {
		t := true
		c.Push.RequireInteraction = &t
	}
	if c.Push.MaxTracked == 0 {
		c.Push.MaxTracked = 64
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) queueByTag(tag string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Tag == tag {
			return q, true
		}
	}
	return QueueConfig{}, false
}

func (c *Config) queueForPath(path string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		for _, m := range q.matchers {
			if m.Match(path) {
				return q, true
			}
		}
	}
	return QueueConfig{}, false
}

func (c *Config) isQueueBucket(name string) bool {
	for _, q := range c.Queues {
		if q.Bucket == name {
			return true
		}
	}
	return false
}

func (c *Config) pickRule(path string) *Rule {
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// parseMatch compiles expressions like "PathPrefix(/api) | Glob(/static/**/*.map)".
func parseMatch(expr string) ([]pathMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fn, inside, ok := strings.Cut(p, "(")
		if !ok || !strings.HasSuffix(inside, ")") {
			return nil, fmt.Errorf("malformed matcher %q", p)
		}
		inside = strings.TrimSpace(strings.TrimSuffix(inside, ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid path %q", inside)
		}
		switch fn {
		case "PathPrefix":
			out = append(out, pathPrefixMatcher{Prefix: inside})
		case "Glob":
			if !doublestar.ValidatePattern(inside) {
				return nil, fmt.Errorf("invalid glob %q", inside)
			}
			out = append(out, globMatcher{Pattern: inside})
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and Glob(...) supported, got %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

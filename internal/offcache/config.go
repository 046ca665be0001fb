package offcache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCacheName = "lista-compras-v1"
	DefaultSyncTag   = "sync-data"
	DefaultFallback  = "/index.html"

	SuccessStrict = "strict"
	Success2xx    = "2xx"
)

// DefaultAssets is the pre-cache list of the shopping-list app.
var DefaultAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// DefaultExcludedHosts are the Firebase backends that must always reach the network.
var DefaultExcludedHosts = []string{
	"firestore.googleapis.com",
	"firebase.googleapis.com",
	"identitytoolkit.googleapis.com",
	"securetoken.googleapis.com",
}

type Config struct {
	// CacheName is the current bucket name; it embeds the version.
	CacheName string `yaml:"cacheName" env:"OFFCACHE_CACHE_NAME"`

	Server struct {
		Port   int    `yaml:"port" env:"OFFCACHE_PORT"`
		Origin string `yaml:"origin" env:"OFFCACHE_ORIGIN"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver" env:"OFFCACHE_STORAGE_DRIVER"`
		Path   string `yaml:"path" env:"OFFCACHE_STORAGE_PATH"`
		RAM    struct {
			Max string `yaml:"max" env:"OFFCACHE_RAM_MAX"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Install struct {
		Assets   []string `yaml:"assets" env:"OFFCACHE_ASSETS" envSeparator:","`
		Sitemaps []string `yaml:"sitemaps" env:"OFFCACHE_SITEMAPS" envSeparator:","`
		// WaitForClients keeps a freshly installed version waiting instead of
		// calling skip-waiting at the end of install.
		WaitForClients bool   `yaml:"waitForClients" env:"OFFCACHE_WAIT_FOR_CLIENTS"`
		Timeout        string `yaml:"timeout" env:"OFFCACHE_INSTALL_TIMEOUT"`
		// RetryEvery is how often the host retries an install that failed
		// while no version is active.
		RetryEvery string `yaml:"retryEvery" env:"OFFCACHE_INSTALL_RETRY_EVERY"`
	} `yaml:"install"`

	Fetch struct {
		ExcludedHosts      []string `yaml:"excludedHosts" env:"OFFCACHE_EXCLUDED_HOSTS" envSeparator:","`
		Fallback           string   `yaml:"fallback" env:"OFFCACHE_FALLBACK"`
		SuccessStatus      string   `yaml:"successStatus" env:"OFFCACHE_SUCCESS_STATUS"`
		Timeout            string   `yaml:"timeout" env:"OFFCACHE_FETCH_TIMEOUT"`
		RefreshTimeout     string   `yaml:"refreshTimeout" env:"OFFCACHE_REFRESH_TIMEOUT"`
		RefreshConcurrency int      `yaml:"refreshConcurrency" env:"OFFCACHE_REFRESH_CONCURRENCY"`
		MaxBody            string   `yaml:"maxBody" env:"OFFCACHE_MAX_BODY"`
	} `yaml:"fetch"`

	Sync struct {
		Tag string `yaml:"tag" env:"OFFCACHE_SYNC_TAG"`
	} `yaml:"sync"`

	Logging struct {
		Level       string `yaml:"level" env:"OFFCACHE_LOG_LEVEL"`
		Development bool   `yaml:"development" env:"OFFCACHE_LOG_DEVELOPMENT"`
		StatsEvery  string `yaml:"statsEvery" env:"OFFCACHE_LOG_STATS_EVERY"`
	} `yaml:"logging"`

	// compiled
	origin         *url.URL
	ramMax         int64
	maxBody        int64
	fetchTimeout   time.Duration
	installTimeout time.Duration
	installRetry   time.Duration
	refreshTimeout time.Duration
	statsEvery     time.Duration
}

// LoadConfig reads the YAML file at path (skipped when path is empty),
// applies OFFCACHE_* environment overrides and fills defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg.Normalize()
}

// Normalize fills defaults, validates and compiles the config. It is
// idempotent.
func (c Config) Normalize() (Config, error) {
	if c.CacheName == "" {
		c.CacheName = DefaultCacheName
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return Config{}, errors.New("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return Config{}, fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("server.origin: need an absolute http(s) url, got %q", c.Server.Origin)
	}
	c.origin = u

	switch c.Storage.Driver {
	case "":
		c.Storage.Driver = "leveldb"
	case "leveldb", "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "leveldb":
			c.Storage.Path = "./data/leveldb"
		case "sqlite":
			c.Storage.Path = "./data/offcache.sqlite3"
		}
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = "64mb"
	}
	if c.ramMax, err = parseBytes(c.Storage.RAM.Max); err != nil {
		return Config{}, fmt.Errorf("storage.ram.max: %w", err)
	}

	if len(c.Install.Assets) == 0 {
		c.Install.Assets = DefaultAssets
	}
	c.Install.Assets = append([]string(nil), c.Install.Assets...)
	for i, p := range c.Install.Assets {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("install.assets[%d]: path must start with /, got %q", i, p)
		}
		c.Install.Assets[i] = p
	}
	if c.installTimeout, err = parseDurationDefault(c.Install.Timeout, 2*time.Minute); err != nil {
		return Config{}, fmt.Errorf("install.timeout: %w", err)
	}
	if c.installRetry, err = parseDurationDefault(c.Install.RetryEvery, time.Minute); err != nil {
		return Config{}, fmt.Errorf("install.retryEvery: %w", err)
	}

	if len(c.Fetch.ExcludedHosts) == 0 {
		c.Fetch.ExcludedHosts = DefaultExcludedHosts
	}
	hosts := make([]string, 0, len(c.Fetch.ExcludedHosts))
	for _, h := range c.Fetch.ExcludedHosts {
		// hostnames compare case-insensitively
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	c.Fetch.ExcludedHosts = hosts
	if c.Fetch.Fallback == "" {
		c.Fetch.Fallback = DefaultFallback
	}
	if !strings.HasPrefix(c.Fetch.Fallback, "/") {
		return Config{}, fmt.Errorf("fetch.fallback: path must start with /, got %q", c.Fetch.Fallback)
	}
	switch c.Fetch.SuccessStatus {
	case "":
		c.Fetch.SuccessStatus = SuccessStrict
	case SuccessStrict, Success2xx:
	default:
		return Config{}, fmt.Errorf("fetch.successStatus: want %q or %q, got %q", SuccessStrict, Success2xx, c.Fetch.SuccessStatus)
	}
	if c.fetchTimeout, err = parseDurationDefault(c.Fetch.Timeout, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("fetch.timeout: %w", err)
	}
	if c.refreshTimeout, err = parseDurationDefault(c.Fetch.RefreshTimeout, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("fetch.refreshTimeout: %w", err)
	}
	if c.Fetch.RefreshConcurrency <= 0 {
		c.Fetch.RefreshConcurrency = 32
	}
	if c.Fetch.MaxBody == "" {
		c.Fetch.MaxBody = "32mb"
	}
	if c.maxBody, err = parseBytes(c.Fetch.MaxBody); err != nil {
		return Config{}, fmt.Errorf("fetch.maxBody: %w", err)
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = DefaultSyncTag
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.statsEvery, err = parseDurationDefault(c.Logging.StatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
	}
	return c, nil
}

// WithCacheName returns a copy of the config pointing at another bucket
// version.
func (c Config) WithCacheName(name string) Config {
	c.CacheName = name
	return c
}

// Resolve turns an origin-relative path into an absolute URL.
func (c Config) Resolve(path string) (*url.URL, error) {
	if c.origin == nil {
		return nil, errors.New("config not normalized")
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return c.origin.ResolveReference(ref), nil
}

// Origin returns the compiled origin URL.
func (c Config) Origin() *url.URL {
	if c.origin == nil {
		return nil
	}
	u := *c.origin
	return &u
}

func (c Config) isExcludedHost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, h := range c.Fetch.ExcludedHosts {
		if h != "" && strings.Contains(hostname, strings.ToLower(h)) {
			return true
		}
	}
	return false
}

func (c Config) isSuccess(status int) bool {
	if c.Fetch.SuccessStatus == Success2xx {
		return status >= 200 && status < 300
	}
	return status == 200
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Security struct {
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"security"`
	Limits struct {
		// MaxBodyLen caps message body length in bytes.
		MaxBodyLen int `yaml:"max_body_len"`
		// MaxAttachments caps attachments per message.
		MaxAttachments int `yaml:"max_attachments"`
		// AppendRetries bounds transient-store retries on append.
		AppendRetries int `yaml:"append_retries"`
	} `yaml:"limits"`
	Sweeper struct {
		Enabled bool `yaml:"enabled"`
		// Interval between sweeps, e.g. "2m". When Cron is set it wins.
		Interval string `yaml:"interval"`
		Cron     string `yaml:"cron"`
		// BatchSize caps deletions per run; 0 means unbounded.
		BatchSize int `yaml:"batch_size"`
	} `yaml:"sweeper"`
	Notify struct {
		// Backend selects the dispatcher: "log" (default) or "redis".
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr    string `yaml:"addr"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"notify"`
	Identity struct {
		// Seed files for the in-memory identity provider; production
		// deployments point these at exports from the identity service.
		Follows map[string][]string `yaml:"follows"`
		Blocks  map[string][]string `yaml:"blocks"`
		Privacy map[string]string   `yaml:"privacy"`
		Default string              `yaml:"default_privacy"`
	} `yaml:"identity"`
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SweepInterval parses the sweeper interval with a sane default.
func (c *Config) SweepInterval() time.Duration {
	if c.Sweeper.Interval == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(c.Sweeper.Interval)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// Load reads the YAML config at path (optional) and applies env-var
// overrides. Missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATD_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CHATD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CHATD_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("CHATD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATD_SWEEP_INTERVAL"); v != "" {
		cfg.Sweeper.Interval = v
	}
	if v := os.Getenv("CHATD_REDIS_ADDR"); v != "" {
		cfg.Notify.Backend = "redis"
		cfg.Notify.Redis.Addr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./chatd-data"
	}
	if cfg.Limits.MaxBodyLen == 0 {
		cfg.Limits.MaxBodyLen = 8192
	}
	if cfg.Limits.MaxAttachments == 0 {
		cfg.Limits.MaxAttachments = 10
	}
	if cfg.Limits.AppendRetries == 0 {
		cfg.Limits.AppendRetries = 3
	}
	if cfg.Notify.Backend == "" {
		cfg.Notify.Backend = "log"
	}
	if cfg.Notify.Redis.Channel == "" {
		cfg.Notify.Redis.Channel = "chatd:notify"
	}
	if cfg.Identity.Default == "" {
		cfg.Identity.Default = "anyone"
	}
}

// ParseCommandFlags parses the server's command-line flags and reports
// which were explicitly set, so flags can win over env and file values.
func ParseCommandFlags() (addr, db, cfgPath string, set map[string]bool) {
	addrFlag := flag.String("addr", ":8080", "listen address")
	dbFlag := flag.String("db", "./chatd-data", "pebble database path")
	cfgFlag := flag.String("config", "", "path to YAML config")
	flag.Parse()
	set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return *addrFlag, *dbFlag, *cfgFlag, set
}

// ResolveConfigPath picks the config file path: explicit flag wins,
// then CHATD_CONFIG, then a conventional default if it exists.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet {
		return flagVal
	}
	if v := os.Getenv("CHATD_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("chatd.yaml"); err == nil {
		return "chatd.yaml"
	}
	return ""
}

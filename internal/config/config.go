package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults holds the per-sandbox resource limits Registry.Acquire passes to
// the Driver for every sandbox it starts. Warm-pool sandboxes are started
// with fixed limits of their own, not these.
type Defaults struct {
	CPULimit         float64 `yaml:"cpu_limit"`
	MemLimitMB       int     `yaml:"mem_limit_mb"`
	PidsLimit        int     `yaml:"pids_limit"`
	MaxExecTimeoutMs int     `yaml:"max_exec_timeout_ms"`
	NetworkMode      string  `yaml:"network_mode"`
	ReadonlyRootfs   bool    `yaml:"readonly_rootfs"`
}

type PoolConfig struct {
	Enabled bool           `yaml:"enabled"`
	Images  map[string]int `yaml:"images"` // image -> warm pool size
}

type WorkspaceConfig struct {
	Enabled          bool `yaml:"enabled"`
	PersistByDefault bool `yaml:"persist_by_default"`
}

// PTYConfig carries the timing constants that govern terminal reads.
type PTYConfig struct {
	PromptReadTimeoutMs int    `yaml:"prompt_read_timeout_ms"`
	ImmediateReadMs     int    `yaml:"immediate_read_ms"`
	PromptPrefix        string `yaml:"prompt_prefix"`
	PromptSuffix        string `yaml:"prompt_suffix"`
}

func (p PTYConfig) PromptReadTimeout() time.Duration {
	return time.Duration(p.PromptReadTimeoutMs) * time.Millisecond
}

func (p PTYConfig) ImmediateRead() time.Duration {
	return time.Duration(p.ImmediateReadMs) * time.Millisecond
}

// FilesystemConfig carries the mirror's polling/debounce/suppression timings.
type FilesystemConfig struct {
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	ErrorBackoffMs    int    `yaml:"error_backoff_ms"`
	WatcherDebounceMs int    `yaml:"watcher_debounce_ms"`
	PendingOpTTLMs    int    `yaml:"pending_op_ttl_ms"`
	MaxFileInlineMB   int    `yaml:"max_file_inline_mb"`
	InitialSyncCap    int    `yaml:"initial_sync_cap"`
	WatcherBinary     string `yaml:"watcher_binary"` // path to cmd/fswatcher inside the sandbox image
}

func (f FilesystemConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMs) * time.Millisecond
}

func (f FilesystemConfig) ErrorBackoff() time.Duration {
	return time.Duration(f.ErrorBackoffMs) * time.Millisecond
}

func (f FilesystemConfig) WatcherDebounce() time.Duration {
	return time.Duration(f.WatcherDebounceMs) * time.Millisecond
}

func (f FilesystemConfig) PendingOpTTL() time.Duration {
	return time.Duration(f.PendingOpTTLMs) * time.Millisecond
}

func (f FilesystemConfig) MaxFileInlineBytes() int64 {
	return int64(f.MaxFileInlineMB) * 1024 * 1024
}

// LspConfig names the language-server binaries available per language id.
type LspConfig struct {
	Servers map[string][]string `yaml:"servers"` // language -> argv
}

// ExecuteConfig bounds the one-shot /execute job.
type ExecuteConfig struct {
	CPULimitSeconds int `yaml:"cpu_limit_seconds"`
	MemLimitMB      int `yaml:"mem_limit_mb"`
}

// RegistryConfig carries GracePeriodMs: how long a released session is kept
// alive before its sandbox is torn down, absorbing page reloads.
type RegistryConfig struct {
	GracePeriodMs int `yaml:"grace_period_ms"`
}

func (r RegistryConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodMs) * time.Millisecond
}

type Config struct {
	Listen               string           `yaml:"listen"`
	APIKey               string           `yaml:"api_key"`
	Env                  string           `yaml:"env"`
	AllowedOrigins       []string         `yaml:"allowed_origins"`
	DefaultImage         string           `yaml:"default_image"`
	AllowedImages        []string         `yaml:"allowed_images"`
	DataDir              string           `yaml:"data_dir"`
	DBPath               string           `yaml:"db_path"`
	DBMaxOpenConns       int              `yaml:"db_max_open_conns"`
	SessionTTLSeconds    int              `yaml:"session_ttl_seconds"`
	PlaygroundConfigPath string           `yaml:"playground_config_path"`
	Defaults             Defaults         `yaml:"defaults"`
	Pool                 PoolConfig       `yaml:"pool"`
	Workspace            WorkspaceConfig  `yaml:"workspace"`
	PTY                  PTYConfig        `yaml:"pty"`
	Filesystem           FilesystemConfig `yaml:"filesystem"`
	Lsp                  LspConfig        `yaml:"lsp"`
	Execute              ExecuteConfig    `yaml:"execute"`
	Registry             RegistryConfig   `yaml:"registry"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:            "127.0.0.1:8080",
		DefaultImage:      "sandbox-runtime:base",
		DataDir:           "./data",
		DBPath:            "./cloudbox.db",
		DBMaxOpenConns:    4,
		SessionTTLSeconds: 1800,
		Defaults: Defaults{
			CPULimit:         1.0,
			MemLimitMB:       512,
			PidsLimit:        256,
			MaxExecTimeoutMs: 120000,
			NetworkMode:      "none",
			ReadonlyRootfs:   true,
		},
		Pool: PoolConfig{
			Enabled: false,
			Images:  make(map[string]int),
		},
		Workspace: WorkspaceConfig{
			Enabled:          false,
			PersistByDefault: false,
		},
		PTY: PTYConfig{
			PromptReadTimeoutMs: 2000,
			ImmediateReadMs:     30,
			PromptPrefix:        "__START__",
			PromptSuffix:        "__END__$",
		},
		Filesystem: FilesystemConfig{
			PollIntervalMs:    500,
			ErrorBackoffMs:    1000,
			WatcherDebounceMs: 100,
			PendingOpTTLMs:    2000,
			MaxFileInlineMB:   10,
			InitialSyncCap:    500,
			WatcherBinary:     "/usr/local/bin/fswatcher",
		},
		Lsp: LspConfig{
			Servers: map[string][]string{
				"python": {"pylsp"},
			},
		},
		Execute: ExecuteConfig{
			CPULimitSeconds: 2,
			MemLimitMB:      120,
		},
		Registry: RegistryConfig{
			GracePeriodMs: 5000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLOUDBOX_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CLOUDBOX_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("CLOUDBOX_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("CLOUDBOX_DEFAULT_IMAGE"); v != "" {
		cfg.DefaultImage = v
	}
	if v := os.Getenv("CLOUDBOX_ALLOWED_IMAGES"); v != "" {
		cfg.AllowedImages = strings.Split(v, ",")
	}
	if v := os.Getenv("CLOUDBOX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CLOUDBOX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CLOUDBOX_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBMaxOpenConns = n
		}
	}
	if v := os.Getenv("CLOUDBOX_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLSeconds = n
		}
	}
	if v := os.Getenv("CLOUDBOX_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.CPULimit = f
		}
	}
	if v := os.Getenv("CLOUDBOX_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MemLimitMB = n
		}
	}
	if v := os.Getenv("CLOUDBOX_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.PidsLimit = n
		}
	}
	if v := os.Getenv("CLOUDBOX_MAX_EXEC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MaxExecTimeoutMs = n
		}
	}
	if v := os.Getenv("CLOUDBOX_NETWORK_MODE"); v != "" {
		cfg.Defaults.NetworkMode = v
	}
	if v := os.Getenv("CLOUDBOX_READONLY_ROOTFS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Defaults.ReadonlyRootfs = b
		}
	}
	if v := os.Getenv("CLOUDBOX_PLAYGROUND_CONFIG_PATH"); v != "" {
		cfg.PlaygroundConfigPath = v
	}
	if v := os.Getenv("CLOUDBOX_GRACE_PERIOD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Registry.GracePeriodMs = n
		}
	}
}

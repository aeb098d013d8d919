// Package config loads the settings of every component from an optional TOML file, EPISODIC_*
// environment variables and command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
)

// Config is the resolved configuration.
type Config struct {
	Memory   Memory
	Queue    Queue
	Resource Resource
	Analysis Analysis
	Verify   Verify
	Batch    Batch
	Log      Log

	// File is the config file that was read, empty when none was found.
	File string
}

// Memory configures the memory server connection.
type Memory struct {
	URL               string
	GroupID           string
	Source            string
	SourceDescription string
	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration
	ToolResultWait    time.Duration
}

// Queue configures observation of the server's ingestion queue.
type Queue struct {
	Sources         []string
	StatusURL       string
	Container       string
	LogTail         int
	PollInterval    time.Duration
	Timeout         time.Duration
	UnobservedPolls int
}

// Resource configures the GPU guard and the cross-producer lease.
type Resource struct {
	Sampler      string
	Container    string
	ProcessNames []string
	SysfsRoot    string
	Threshold    float64
	Interval     time.Duration
	Timeout      time.Duration
	RedisURL     string
	LeaseKey     string
	LeaseTTL     time.Duration
	SampleWindow time.Duration
}

// Analysis configures the chat completion endpoint.
type Analysis struct {
	URL      string
	Model    string
	APIKey   string
	MaxChars int
	Timeout  time.Duration
}

// Verify configures the graph store.
type Verify struct {
	Enabled  bool
	URL      string
	User     string
	Password string
	Database string
}

// Batch configures the orchestrator.
type Batch struct {
	WorkList       string
	Ledger         string
	RateLimitDelay time.Duration
	MaxAttempts    int
	DryRun         bool
	DrainFirst     bool
}

// Log configures the process logger.
type Log struct {
	Level  string
	Format string
}

// Keys of every setting, as used in the TOML file and, upper-cased with "." replaced by "_" and prefixed
// with EPISODIC_, in the environment.
const (
	KeyMemoryURL               = "memory.url"
	KeyMemoryGroupID           = "memory.group_id"
	KeyMemorySource            = "memory.source"
	KeyMemorySourceDescription = "memory.source_description"
	KeyMemoryHandshakeTimeout  = "memory.handshake_timeout"
	KeyMemoryRequestTimeout    = "memory.request_timeout"
	KeyMemoryToolResultWait    = "memory.tool_result_wait"

	KeyQueueSources         = "queue.sources"
	KeyQueueStatusURL       = "queue.status_url"
	KeyQueueContainer       = "queue.container"
	KeyQueueLogTail         = "queue.log_tail"
	KeyQueuePollInterval    = "queue.poll_interval"
	KeyQueueTimeout         = "queue.timeout"
	KeyQueueUnobservedPolls = "queue.unobserved_polls"

	KeyResourceSampler      = "resource.sampler"
	KeyResourceContainer    = "resource.container"
	KeyResourceProcessNames = "resource.process_names"
	KeyResourceSysfsRoot    = "resource.sysfs_root"
	KeyResourceThreshold    = "resource.threshold"
	KeyResourceInterval     = "resource.interval"
	KeyResourceTimeout      = "resource.timeout"
	KeyResourceRedisURL     = "resource.redis_url"
	KeyResourceLeaseKey     = "resource.lease_key"
	KeyResourceLeaseTTL     = "resource.lease_ttl"
	KeyResourceSampleWindow = "resource.sample_window"

	KeyAnalysisURL      = "analysis.url"
	KeyAnalysisModel    = "analysis.model"
	KeyAnalysisAPIKey   = "analysis.api_key"
	KeyAnalysisMaxChars = "analysis.max_chars"
	KeyAnalysisTimeout  = "analysis.timeout"

	KeyVerifyEnabled  = "verify.enabled"
	KeyVerifyURL      = "verify.url"
	KeyVerifyUser     = "verify.user"
	KeyVerifyPassword = "verify.password"
	KeyVerifyDatabase = "verify.database"

	KeyBatchWorkList       = "batch.work_list"
	KeyBatchLedger         = "batch.ledger"
	KeyBatchRateLimitDelay = "batch.rate_limit_delay"
	KeyBatchMaxAttempts    = "batch.max_attempts"
	KeyBatchDryRun         = "batch.dry_run"
	KeyBatchDrainFirst     = "batch.drain_first"

	KeyLogLevel  = "log.level"
	KeyLogFormat = "log.format"
)

// Sampler kinds accepted by resource.sampler.
const (
	SamplerAuto    = "auto"
	SamplerDocker  = "docker"
	SamplerSysfs   = "sysfs"
	SamplerProcess = "process"
	SamplerNone    = "none"
)

const (
	configName = "episodic"
	configType = "toml"
	envPrefix  = "EPISODIC"
)

var defaults = map[string]any{
	KeyMemoryURL:               "http://localhost:8000",
	KeyMemoryGroupID:           "",
	KeyMemorySource:            "text",
	KeyMemorySourceDescription: "source file summary",
	KeyMemoryHandshakeTimeout:  "5s",
	KeyMemoryRequestTimeout:    "30s",
	KeyMemoryToolResultWait:    "0s",

	KeyQueueSources:         []string{"status", "logs"},
	KeyQueueStatusURL:       "http://localhost:8100/queue/status",
	KeyQueueContainer:       "graphiti-graphiti-mcp-1",
	KeyQueueLogTail:         200,
	KeyQueuePollInterval:    "5s",
	KeyQueueTimeout:         "300s",
	KeyQueueUnobservedPolls: 6,

	KeyResourceSampler:      SamplerDocker,
	KeyResourceContainer:    "graphiti-ollama-1",
	KeyResourceProcessNames: []string{"ollama"},
	KeyResourceSysfsRoot:    "/sys",
	KeyResourceThreshold:    1.0,
	KeyResourceInterval:     "5s",
	KeyResourceTimeout:      "300s",
	KeyResourceRedisURL:     "",
	KeyResourceLeaseKey:     "episodic:gpu-lease",
	KeyResourceLeaseTTL:     "10m",
	KeyResourceSampleWindow: "1s",

	KeyAnalysisURL:      "http://127.0.0.1:1234/v1",
	KeyAnalysisModel:    "qwen3-32b",
	KeyAnalysisAPIKey:   "",
	KeyAnalysisMaxChars: 2000,
	KeyAnalysisTimeout:  "600s",

	KeyVerifyEnabled:  true,
	KeyVerifyURL:      "http://localhost:7474",
	KeyVerifyUser:     "neo4j",
	KeyVerifyPassword: "",
	KeyVerifyDatabase: "neo4j",

	KeyBatchWorkList:       "data/file_list.txt",
	KeyBatchLedger:         "",
	KeyBatchRateLimitDelay: "2s",
	KeyBatchMaxAttempts:    0,
	KeyBatchDryRun:         false,
	KeyBatchDrainFirst:     false,

	KeyLogLevel:  "info",
	KeyLogFormat: "",
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load resolves the configuration. path names a TOML file that must exist; when empty, episodic.toml
// is looked up in the working directory and in $HOME/.config/episodic, and a missing file is not an
// error. v may carry flag bindings; nil uses a fresh instance.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	var errs []error
	dur := func(key string) time.Duration {
		d, err := ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	c := Config{
		File: v.ConfigFileUsed(),
		Memory: Memory{
			URL:               v.GetString(KeyMemoryURL),
			GroupID:           v.GetString(KeyMemoryGroupID),
			Source:            v.GetString(KeyMemorySource),
			SourceDescription: v.GetString(KeyMemorySourceDescription),
			HandshakeTimeout:  dur(KeyMemoryHandshakeTimeout),
			RequestTimeout:    dur(KeyMemoryRequestTimeout),
			ToolResultWait:    dur(KeyMemoryToolResultWait),
		},
		Queue: Queue{
			Sources:         list(v, KeyQueueSources),
			StatusURL:       v.GetString(KeyQueueStatusURL),
			Container:       v.GetString(KeyQueueContainer),
			LogTail:         v.GetInt(KeyQueueLogTail),
			PollInterval:    dur(KeyQueuePollInterval),
			Timeout:         dur(KeyQueueTimeout),
			UnobservedPolls: v.GetInt(KeyQueueUnobservedPolls),
		},
		Resource: Resource{
			Sampler:      strings.ToLower(v.GetString(KeyResourceSampler)),
			Container:    v.GetString(KeyResourceContainer),
			ProcessNames: list(v, KeyResourceProcessNames),
			SysfsRoot:    v.GetString(KeyResourceSysfsRoot),
			Threshold:    v.GetFloat64(KeyResourceThreshold),
			Interval:     dur(KeyResourceInterval),
			Timeout:      dur(KeyResourceTimeout),
			RedisURL:     v.GetString(KeyResourceRedisURL),
			LeaseKey:     v.GetString(KeyResourceLeaseKey),
			LeaseTTL:     dur(KeyResourceLeaseTTL),
			SampleWindow: dur(KeyResourceSampleWindow),
		},
		Analysis: Analysis{
			URL:      v.GetString(KeyAnalysisURL),
			Model:    v.GetString(KeyAnalysisModel),
			APIKey:   v.GetString(KeyAnalysisAPIKey),
			MaxChars: v.GetInt(KeyAnalysisMaxChars),
			Timeout:  dur(KeyAnalysisTimeout),
		},
		Verify: Verify{
			Enabled:  v.GetBool(KeyVerifyEnabled),
			URL:      v.GetString(KeyVerifyURL),
			User:     v.GetString(KeyVerifyUser),
			Password: v.GetString(KeyVerifyPassword),
			Database: v.GetString(KeyVerifyDatabase),
		},
		Batch: Batch{
			WorkList:       v.GetString(KeyBatchWorkList),
			Ledger:         v.GetString(KeyBatchLedger),
			RateLimitDelay: dur(KeyBatchRateLimitDelay),
			MaxAttempts:    v.GetInt(KeyBatchMaxAttempts),
			DryRun:         v.GetBool(KeyBatchDryRun),
			DrainFirst:     v.GetBool(KeyBatchDrainFirst),
		},
		Log: Log{
			Level:  strings.ToLower(v.GetString(KeyLogLevel)),
			Format: strings.ToLower(v.GetString(KeyLogFormat)),
		},
	}

	errs = append(errs, c.validate()...)
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return c, nil
}

func (c Config) validate() []error {
	var errs []error
	if c.Memory.URL == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyMemoryURL))
	}
	for _, s := range c.Queue.Sources {
		if s != "status" && s != "logs" {
			errs = append(errs, fmt.Errorf("%s: unknown source %q", KeyQueueSources, s))
		}
	}
	if c.Queue.LogTail <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyQueueLogTail))
	}
	switch c.Resource.Sampler {
	case SamplerAuto, SamplerDocker, SamplerSysfs, SamplerProcess, SamplerNone:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown sampler %q", KeyResourceSampler, c.Resource.Sampler))
	}
	if c.Resource.Threshold < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyResourceThreshold))
	}
	if c.Analysis.MaxChars <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyAnalysisMaxChars))
	}
	if c.Batch.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyBatchMaxAttempts))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown level %q", KeyLogLevel, c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown format %q", KeyLogFormat, c.Log.Format))
	}
	return errs
}

// list reads a string list that may come from TOML as an array or from the environment as a
// comma-separated string.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseDuration accepts Go durations, day and week units ("1d12h") and bare numbers of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// FormatDuration is the inverse of ParseDuration.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	return str2duration.String(d)
}

// WriteTOML writes c as a config file that Load reads back to the same values.
func (c Config) WriteTOML(w io.Writer) error {
	doc := map[string]any{
		"memory": map[string]any{
			"url":                c.Memory.URL,
			"group_id":           c.Memory.GroupID,
			"source":             c.Memory.Source,
			"source_description": c.Memory.SourceDescription,
			"handshake_timeout":  FormatDuration(c.Memory.HandshakeTimeout),
			"request_timeout":    FormatDuration(c.Memory.RequestTimeout),
			"tool_result_wait":   FormatDuration(c.Memory.ToolResultWait),
		},
		"queue": map[string]any{
			"sources":          nonNil(c.Queue.Sources),
			"status_url":       c.Queue.StatusURL,
			"container":        c.Queue.Container,
			"log_tail":         c.Queue.LogTail,
			"poll_interval":    FormatDuration(c.Queue.PollInterval),
			"timeout":          FormatDuration(c.Queue.Timeout),
			"unobserved_polls": c.Queue.UnobservedPolls,
		},
		"resource": map[string]any{
			"sampler":       c.Resource.Sampler,
			"container":     c.Resource.Container,
			"process_names": nonNil(c.Resource.ProcessNames),
			"sysfs_root":    c.Resource.SysfsRoot,
			"threshold":     c.Resource.Threshold,
			"interval":      FormatDuration(c.Resource.Interval),
			"timeout":       FormatDuration(c.Resource.Timeout),
			"redis_url":     c.Resource.RedisURL,
			"lease_key":     c.Resource.LeaseKey,
			"lease_ttl":     FormatDuration(c.Resource.LeaseTTL),
			"sample_window": FormatDuration(c.Resource.SampleWindow),
		},
		"analysis": map[string]any{
			"url":       c.Analysis.URL,
			"model":     c.Analysis.Model,
			"api_key":   c.Analysis.APIKey,
			"max_chars": c.Analysis.MaxChars,
			"timeout":   FormatDuration(c.Analysis.Timeout),
		},
		"verify": map[string]any{
			"enabled":  c.Verify.Enabled,
			"url":      c.Verify.URL,
			"user":     c.Verify.User,
			"password": c.Verify.Password,
			"database": c.Verify.Database,
		},
		"batch": map[string]any{
			"work_list":        c.Batch.WorkList,
			"ledger":           c.Batch.Ledger,
			"rate_limit_delay": FormatDuration(c.Batch.RateLimitDelay),
			"max_attempts":     c.Batch.MaxAttempts,
			"dry_run":          c.Batch.DryRun,
			"drain_first":      c.Batch.DrainFirst,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}

	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Default returns the configuration with every default applied.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	c, err := fromViper(v)
	if err != nil {
		panic(err)
	}
	return c
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

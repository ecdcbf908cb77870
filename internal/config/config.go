package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WorkQueues tunes asynchronous delivery of scheduling copies.
type WorkQueues struct {
	Enabled bool `yaml:"enabled"`

	RequestDelay                 time.Duration `yaml:"request_delay"`
	ReplyDelay                   time.Duration `yaml:"reply_delay"`
	AutoReplyDelay               time.Duration `yaml:"auto_reply_delay"`
	AttendeeRefreshBatchDelay    time.Duration `yaml:"attendee_refresh_batch_delay"`
	AttendeeRefreshBatchInterval time.Duration `yaml:"attendee_refresh_batch_interval"`
	AttendeeRefreshBatch         int           `yaml:"attendee_refresh_batch"`

	Workers             int           `yaml:"workers"`
	MaxAttempts         int           `yaml:"max_attempts"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff     time.Duration `yaml:"max_retry_backoff"`
	MaxJobsPerSecond    float64       `yaml:"max_jobs_per_second"`
	DeadLetterRetryCron string        `yaml:"dead_letter_retry_cron"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseURL    string `yaml:"base_url"`

	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`

	OIDC struct {
		IssuerURL string `yaml:"issuer_url"`
		ClientID  string `yaml:"client_id"`
	} `yaml:"oidc"`

	// AdminUsers maps Basic Auth user names to bcrypt password hashes.
	AdminUsers map[string]string `yaml:"admin_users"`

	HTTP struct {
		MaxRequests int           `yaml:"max_requests"`
		RetryAfter  time.Duration `yaml:"retry_after"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Scheduling struct {
		WorkQueues WorkQueues `yaml:"work_queues"`
	} `yaml:"scheduling"`

	DirectoryFile       string `yaml:"directory_file"`
	DefaultCalendarName string `yaml:"default_calendar_name"`

	PrometheusEnabled bool     `yaml:"prometheus_enabled"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// Defaults returns the built-in configuration before any file or environment
// overrides are applied.
func Defaults() *Config {
	cfg := &Config{
		ListenAddr:          ":8080",
		BaseURL:             "http://localhost:8080",
		DefaultCalendarName: "calendar",
	}
	cfg.HTTP.MaxRequests = 600
	cfg.HTTP.RetryAfter = 180 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Scheduling.WorkQueues = WorkQueues{
		Enabled:                      true,
		RequestDelay:                 100 * time.Millisecond,
		ReplyDelay:                   time.Second,
		AutoReplyDelay:               5 * time.Second,
		AttendeeRefreshBatchDelay:    5 * time.Second,
		AttendeeRefreshBatchInterval: 5 * time.Second,
		AttendeeRefreshBatch:         5,
		Workers:                      4,
		MaxAttempts:                  5,
		RetryBackoff:                 time.Second,
		MaxRetryBackoff:              5 * time.Minute,
	}
	return cfg
}

// Load builds the configuration from defaults, the optional YAML file named by
// APP_CONFIG_FILE, and APP_* environment variables, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", cfg.ListenAddr)
	cfg.BaseURL = getenvDefault("APP_BASE_URL", cfg.BaseURL)
	cfg.DB.DSN = getenvDefault("APP_DB_DSN", cfg.DB.DSN)

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.OIDC.IssuerURL = getenvDefault("APP_OIDC_ISSUER_URL", cfg.OIDC.IssuerURL)
	cfg.OIDC.ClientID = getenvDefault("APP_OIDC_CLIENT_ID", cfg.OIDC.ClientID)
	if users := getenvList("APP_ADMIN_USERS"); users != nil {
		parsed, err := parseAdminUsers(users)
		if err != nil {
			return nil, err
		}
		cfg.AdminUsers = parsed
	}

	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("APP_LOG_FORMAT", cfg.Log.Format)
	cfg.DirectoryFile = getenvDefault("APP_DIRECTORY_FILE", cfg.DirectoryFile)
	cfg.DefaultCalendarName = getenvDefault("APP_DEFAULT_CALENDAR_NAME", cfg.DefaultCalendarName)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", cfg.PrometheusEnabled)
	if proxies := getenvList("APP_TRUSTED_PROXIES"); proxies != nil {
		cfg.TrustedProxies = proxies
	}

	var err error
	if cfg.HTTP.MaxRequests, err = getenvInt("APP_HTTP_MAX_REQUESTS", cfg.HTTP.MaxRequests); err != nil {
		return nil, err
	}
	if cfg.HTTP.RetryAfter, err = getenvDuration("APP_HTTP_RETRY_AFTER", cfg.HTTP.RetryAfter); err != nil {
		return nil, err
	}
	if err := loadWorkQueues(&cfg.Scheduling.WorkQueues); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadWorkQueues(wq *WorkQueues) error {
	wq.Enabled = getenvBool("APP_WORKQUEUES_ENABLED", wq.Enabled)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_WORKQUEUES_REQUEST_DELAY", &wq.RequestDelay},
		{"APP_WORKQUEUES_REPLY_DELAY", &wq.ReplyDelay},
		{"APP_WORKQUEUES_AUTO_REPLY_DELAY", &wq.AutoReplyDelay},
		{"APP_WORKQUEUES_ATTENDEE_REFRESH_BATCH_DELAY", &wq.AttendeeRefreshBatchDelay},
		{"APP_WORKQUEUES_ATTENDEE_REFRESH_BATCH_INTERVAL", &wq.AttendeeRefreshBatchInterval},
		{"APP_WORKQUEUES_RETRY_BACKOFF", &wq.RetryBackoff},
		{"APP_WORKQUEUES_MAX_RETRY_BACKOFF", &wq.MaxRetryBackoff},
	}
	for _, d := range durations {
		v, err := getenvDuration(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"APP_WORKQUEUES_ATTENDEE_REFRESH_BATCH", &wq.AttendeeRefreshBatch},
		{"APP_WORKQUEUES_WORKERS", &wq.Workers},
		{"APP_WORKQUEUES_MAX_ATTEMPTS", &wq.MaxAttempts},
	}
	for _, i := range ints {
		v, err := getenvInt(i.key, *i.dst)
		if err != nil {
			return err
		}
		*i.dst = v
	}

	if v := os.Getenv("APP_WORKQUEUES_MAX_JOBS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("APP_WORKQUEUES_MAX_JOBS_PER_SECOND: %w", err)
		}
		wq.MaxJobsPerSecond = f
	}
	wq.DeadLetterRetryCron = getenvDefault("APP_WORKQUEUES_DEAD_LETTER_RETRY_CRON", wq.DeadLetterRetryCron)
	return nil
}

// Validate checks invariants that do not depend on where a value came from.
func (c *Config) Validate() error {
	wq := c.Scheduling.WorkQueues
	for name, d := range map[string]time.Duration{
		"request_delay":                   wq.RequestDelay,
		"reply_delay":                     wq.ReplyDelay,
		"auto_reply_delay":                wq.AutoReplyDelay,
		"attendee_refresh_batch_delay":    wq.AttendeeRefreshBatchDelay,
		"attendee_refresh_batch_interval": wq.AttendeeRefreshBatchInterval,
		"retry_backoff":                   wq.RetryBackoff,
		"max_retry_backoff":               wq.MaxRetryBackoff,
	} {
		if d < 0 {
			return fmt.Errorf("work queue %s must not be negative (got %s)", name, d)
		}
	}
	if wq.AttendeeRefreshBatch < 1 {
		return fmt.Errorf("work queue attendee_refresh_batch must be at least 1 (got %d)", wq.AttendeeRefreshBatch)
	}
	if wq.Enabled && wq.Workers < 1 {
		return fmt.Errorf("work queue workers must be at least 1 (got %d)", wq.Workers)
	}
	if wq.MaxAttempts < 1 {
		return fmt.Errorf("work queue max_attempts must be at least 1 (got %d)", wq.MaxAttempts)
	}
	if wq.MaxJobsPerSecond < 0 {
		return errors.New("work queue max_jobs_per_second must not be negative")
	}
	if c.HTTP.MaxRequests < 1 {
		return fmt.Errorf("APP_HTTP_MAX_REQUESTS must be at least 1 (got %d)", c.HTTP.MaxRequests)
	}
	if c.HTTP.RetryAfter < 0 {
		return errors.New("APP_HTTP_RETRY_AFTER must not be negative")
	}
	if strings.TrimSpace(c.DefaultCalendarName) == "" {
		return errors.New("APP_DEFAULT_CALENDAR_NAME must not be empty")
	}
	return nil
}

// RequireDB reports a descriptive error when no database DSN is configured.
func (c *Config) RequireDB() error {
	if c.DB.DSN == "" {
		return errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	return nil
}

func parseAdminUsers(entries []string) (map[string]string, error) {
	users := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("APP_ADMIN_USERS entry %q must be name:bcrypt-hash", entry)
		}
		users[name] = hash
	}
	return users, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// getenvDuration accepts Go duration strings ("250ms") or plain seconds ("0.1").
func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

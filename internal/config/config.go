// Package config loads runtime configuration from the environment, with an
// optional .env file in the data directory taking lowest precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultDataPath       = "/var/lib/opsconductor"
	defaultPort           = 8080
	defaultMetricsPort    = 9090
	defaultTrapHost       = "0.0.0.0"
	defaultTrapPort       = 162
	defaultTrapQueueSize  = 10000
	defaultTrapWorkers    = 4
	defaultSchedulerTick  = 5
	defaultMaxWorkers     = 4
	defaultRuleInterval   = 60
	defaultAlertTTLHours  = 24
	defaultStaleTimeout   = 1800
	defaultMappingRefresh = 60
)

// Config is the resolved runtime configuration.
type Config struct {
	LogLevel  string
	LogFormat string
	LogFile   string

	DataPath string
	DBPath   string

	BindAddress string
	Port        int
	MetricsPort int

	TrapHost              string
	TrapPort              int
	TrapQueueSize         int
	TrapWorkers           int
	TrapCommunities       []string
	TrapValidateCommunity bool

	SchedulerTickSeconds    int
	SchedulerMaxWorkers     int
	RuleEvalIntervalSeconds int
	StaleTimeoutSeconds     int
	AlertTTLHours           int

	MappingSeedPath           string
	MappingRefreshSeconds     int
	NotificationQueueSize     int
	SystemLogRetentionDays    int
	ExecutionRetentionDays    int
	AlertHistoryRetentionDays int
}

// Load resolves configuration from .env files and the environment.
func Load() (*Config, error) {
	dataPath := defaultDataPath
	if dir := os.Getenv("DATA_PATH"); dir != "" {
		dataPath = dir
	}

	// .env in the data directory first, then the working directory. Real
	// environment variables win over both.
	if err := godotenv.Load(filepath.Join(dataPath, ".env")); err == nil {
		log.Debug().Str("path", filepath.Join(dataPath, ".env")).Msg("Loaded .env file")
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	// DATA_PATH may itself come from the .env file
	if dir := os.Getenv("DATA_PATH"); dir != "" {
		dataPath = dir
	}

	cfg := &Config{
		LogLevel:  "info",
		LogFormat: "auto",

		DataPath: dataPath,
		DBPath:   filepath.Join(dataPath, "opsconductor.db"),

		BindAddress: "",
		Port:        defaultPort,
		MetricsPort: defaultMetricsPort,

		TrapHost:      defaultTrapHost,
		TrapPort:      defaultTrapPort,
		TrapQueueSize: defaultTrapQueueSize,
		TrapWorkers:   defaultTrapWorkers,

		SchedulerTickSeconds:    defaultSchedulerTick,
		SchedulerMaxWorkers:     defaultMaxWorkers,
		RuleEvalIntervalSeconds: defaultRuleInterval,
		StaleTimeoutSeconds:     defaultStaleTimeout,
		AlertTTLHours:           defaultAlertTTLHours,

		MappingRefreshSeconds:     defaultMappingRefresh,
		NotificationQueueSize:     1000,
		SystemLogRetentionDays:    7,
		ExecutionRetentionDays:    30,
		AlertHistoryRetentionDays: 90,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.LogFile = file
	}
	if path := os.Getenv("OPSCONDUCTOR_DB_PATH"); path != "" {
		cfg.DBPath = path
	}

	if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
		cfg.BindAddress = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Port = p
	}
	if port := os.Getenv("METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
			cfg.MetricsPort = p
		}
	}

	if host := os.Getenv("SNMP_TRAP_HOST"); host != "" {
		cfg.TrapHost = host
	}
	if port := os.Getenv("SNMP_TRAP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid SNMP_TRAP_PORT %q", port)
		}
		cfg.TrapPort = p
	}
	if size := os.Getenv("SNMP_TRAP_QUEUE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			cfg.TrapQueueSize = n
		}
	}
	if workers := os.Getenv("SNMP_TRAP_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.TrapWorkers = n
		}
	}
	if communities := os.Getenv("SNMP_TRAP_COMMUNITIES"); communities != "" {
		for _, c := range strings.Split(communities, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.TrapCommunities = append(cfg.TrapCommunities, c)
			}
		}
	}
	if validate := os.Getenv("SNMP_TRAP_VALIDATE_COMMUNITY"); validate != "" {
		cfg.TrapValidateCommunity = parseBool(validate)
	}

	if tick := os.Getenv("SCHEDULER_TICK_SECONDS"); tick != "" {
		if n, err := strconv.Atoi(tick); err == nil && n > 0 {
			cfg.SchedulerTickSeconds = n
		}
	}
	if workers := os.Getenv("SCHEDULER_MAX_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.SchedulerMaxWorkers = n
		}
	}
	if interval := os.Getenv("RULE_EVAL_INTERVAL_SECONDS"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil && n > 0 {
			cfg.RuleEvalIntervalSeconds = n
		}
	}
	if timeout := os.Getenv("EXECUTION_STALE_TIMEOUT_SECONDS"); timeout != "" {
		if n, err := strconv.Atoi(timeout); err == nil && n > 0 {
			cfg.StaleTimeoutSeconds = n
		}
	}
	if ttl := os.Getenv("ALERT_TTL_HOURS"); ttl != "" {
		if n, err := strconv.Atoi(ttl); err == nil && n > 0 {
			cfg.AlertTTLHours = n
		}
	}

	if seed := os.Getenv("MAPPING_SEED_PATH"); seed != "" {
		cfg.MappingSeedPath = seed
	}
	if refresh := os.Getenv("MAPPING_REFRESH_SECONDS"); refresh != "" {
		if n, err := strconv.Atoi(refresh); err == nil && n > 0 {
			cfg.MappingRefreshSeconds = n
		}
	}
	if days := os.Getenv("SYSTEM_LOG_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			cfg.SystemLogRetentionDays = n
		}
	}
	if days := os.Getenv("EXECUTION_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			cfg.ExecutionRetentionDays = n
		}
	}
	if days := os.Getenv("ALERT_HISTORY_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			cfg.AlertHistoryRetentionDays = n
		}
	}

	return cfg, nil
}

// ListenAddr returns the ingress bind address in host:port form.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// TrapListenAddr returns the trap receiver bind address in host:port form.
func (c *Config) TrapListenAddr() string {
	return fmt.Sprintf("%s:%d", c.TrapHost, c.TrapPort)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

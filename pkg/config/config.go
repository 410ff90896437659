package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config is the per-process configuration snapshot. It is loaded once in
// main and handed to constructors explicitly; no package reads viper after
// Load returns.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	RPC     RPCConfig     `mapstructure:"rpc"`
	Gate    GateConfig    `mapstructure:"gate"`
	Status  StatusConfig  `mapstructure:"status"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Workers WorkerConfig  `mapstructure:"workers"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSONOutput bool   `mapstructure:"json_output"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// MySQLConfig configures the database connection pool.
type MySQLConfig struct {
	DSN                string        `mapstructure:"dsn"`
	PoolSize           int           `mapstructure:"pool_size"`
	WaitTimeout        time.Duration `mapstructure:"wait_timeout"`         // 0 = wait forever
	ConnectionLifetime time.Duration `mapstructure:"connection_lifetime"`  // retire older connections
	ConnectionIdleTime time.Duration `mapstructure:"connection_idle_time"` // retire idle connections
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	StmtCacheSize      int           `mapstructure:"stmt_cache_size"`
}

// RedisConfig configures the key/value store client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RPCConfig carries the transport knobs for status RPC clients. The
// keepalive values are first-class here so deployments can tune them
// without code changes.
type RPCConfig struct {
	StatusAddr         string        `mapstructure:"status_addr"`
	StubsPerService    int           `mapstructure:"stubs_per_service"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	KeepaliveTime      time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout   time.Duration `mapstructure:"keepalive_timeout"`
	PermitWithoutCalls bool          `mapstructure:"permit_without_calls"`
}

// GateConfig configures the HTTP gateway process.
type GateConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StatusConfig configures the status (token) process.
type StatusConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ReportGrace     time.Duration `mapstructure:"report_grace"` // mark servers inactive after this silence
}

// ChatConfig configures a chat-server process.
type ChatConfig struct {
	ServerID       string        `mapstructure:"server_id"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	AdvertiseHost  string        `mapstructure:"advertise_host"`
	AdvertisePort  int           `mapstructure:"advertise_port"`
	Zone           string        `mapstructure:"zone"`
	MaxConnections int           `mapstructure:"max_connections"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// WorkerConfig configures the IO worker pool.
type WorkerConfig struct {
	Count           int `mapstructure:"count"`            // 0 = half the CPUs, min 1
	ChannelCapacity int `mapstructure:"channel_capacity"` // per priority channel
}

// Load reads the configuration for the named process ("gate", "status" or
// "chat"). path may be empty, in which case the default search paths are
// used; environment variables prefixed FKCHAT_ override file values.
func Load(name, path string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fkchat")
	}
	v.SetEnvPrefix("FKCHAT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional unless one was named explicitly.
		if path != "" {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = runtime.NumCPU() / 2
		if cfg.Workers.Count < 1 {
			cfg.Workers.Count = 1
		}
	}
	if cfg.Workers.ChannelCapacity <= 0 {
		cfg.Workers.ChannelCapacity = 1024
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json_output", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9100")

	v.SetDefault("mysql.dsn", "fkchat:fkchat@tcp(127.0.0.1:3306)/fkchat?parseTime=true")
	v.SetDefault("mysql.pool_size", 8)
	v.SetDefault("mysql.wait_timeout", 0)
	v.SetDefault("mysql.connection_lifetime", time.Hour)
	v.SetDefault("mysql.connection_idle_time", 30*time.Minute)
	v.SetDefault("mysql.monitor_interval", 5*time.Minute)
	v.SetDefault("mysql.stmt_cache_size", 64)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rpc.status_addr", "127.0.0.1:9400")
	v.SetDefault("rpc.stubs_per_service", 4)
	v.SetDefault("rpc.connect_timeout", 5*time.Second)
	v.SetDefault("rpc.call_timeout", 5*time.Second)
	v.SetDefault("rpc.keepalive_time", 30*time.Second)
	v.SetDefault("rpc.keepalive_timeout", 10*time.Second)
	v.SetDefault("rpc.permit_without_calls", false)

	v.SetDefault("gate.listen_addr", ":8080")
	v.SetDefault("gate.read_timeout", 10*time.Second)
	v.SetDefault("gate.write_timeout", 10*time.Second)

	v.SetDefault("status.listen_addr", ":9400")
	v.SetDefault("status.jwt_secret", "")
	v.SetDefault("status.token_ttl", 24*time.Hour)
	v.SetDefault("status.cleanup_interval", time.Hour)
	v.SetDefault("status.report_grace", 90*time.Second)

	v.SetDefault("chat.server_id", "chat-1")
	v.SetDefault("chat.listen_addr", ":9500")
	v.SetDefault("chat.advertise_host", "127.0.0.1")
	v.SetDefault("chat.advertise_port", 9500)
	v.SetDefault("chat.zone", "default")
	v.SetDefault("chat.max_connections", 10000)
	v.SetDefault("chat.report_interval", 30*time.Second)

	v.SetDefault("workers.count", 0)
	v.SetDefault("workers.channel_capacity", 1024)
}

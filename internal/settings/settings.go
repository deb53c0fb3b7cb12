// Package settings resolves the runtime knobs of the server process from
// flags, WATCHKEEPER_* environment variables and defaults.
package settings

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "WATCHKEEPER"

type Settings struct {
	Workspace          string
	Addr               string
	BasePath           string
	JWTSecret          string
	AllowLegacyHeaders bool

	LogLevel  string
	LogFormat string

	ClassifierProvider string
	ClassifierModel    string
	ClassifierAPIKey   string

	LockBackend   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DeliveryBackend            string
	ServiceBusConnectionString string
	ServiceBusQueue            string

	StorageRoot string

	OTelEnabled bool
}

// SetDefaults registers the default for every key read by Load.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("addr", "127.0.0.1:8080")
	v.SetDefault("base_path", "/v1")
	v.SetDefault("allow_legacy_headers", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("classifier.provider", "keyword")
	v.SetDefault("classifier.model", "")
	v.SetDefault("lock.backend", "sql")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("delivery.backend", "log")
	v.SetDefault("servicebus.queue", "handover-email")
	v.SetDefault("storage.root", "")
	v.SetDefault("otel.enabled", false)
}

// Configure applies env binding conventions to v. Nested keys map to
// WATCHKEEPER_LOG_LEVEL style variables.
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// Load reads settings from v and validates the enumerated choices.
func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		Workspace:                  v.GetString("workspace"),
		Addr:                       v.GetString("addr"),
		BasePath:                   v.GetString("base_path"),
		JWTSecret:                  v.GetString("jwt_secret"),
		AllowLegacyHeaders:         v.GetBool("allow_legacy_headers"),
		LogLevel:                   v.GetString("log.level"),
		LogFormat:                  v.GetString("log.format"),
		ClassifierProvider:         strings.ToLower(v.GetString("classifier.provider")),
		ClassifierModel:            v.GetString("classifier.model"),
		ClassifierAPIKey:           v.GetString("classifier.api_key"),
		LockBackend:                strings.ToLower(v.GetString("lock.backend")),
		RedisAddr:                  v.GetString("redis.addr"),
		RedisPassword:              v.GetString("redis.password"),
		RedisDB:                    v.GetInt("redis.db"),
		DeliveryBackend:            strings.ToLower(v.GetString("delivery.backend")),
		ServiceBusConnectionString: v.GetString("servicebus.connection_string"),
		ServiceBusQueue:            v.GetString("servicebus.queue"),
		StorageRoot:                v.GetString("storage.root"),
		OTelEnabled:                v.GetBool("otel.enabled"),
	}
	switch s.ClassifierProvider {
	case "keyword", "anthropic":
	default:
		return s, fmt.Errorf("classifier.provider must be keyword or anthropic, got %q", s.ClassifierProvider)
	}
	switch s.LockBackend {
	case "sql":
	case "redis":
		if s.RedisAddr == "" {
			return s, fmt.Errorf("redis.addr is required for lock.backend=redis")
		}
	default:
		return s, fmt.Errorf("lock.backend must be sql or redis, got %q", s.LockBackend)
	}
	switch s.DeliveryBackend {
	case "log":
	case "servicebus":
		if s.ServiceBusConnectionString == "" || s.ServiceBusQueue == "" {
			return s, fmt.Errorf("servicebus.connection_string and servicebus.queue are required for delivery.backend=servicebus")
		}
	default:
		return s, fmt.Errorf("delivery.backend must be log or servicebus, got %q", s.DeliveryBackend)
	}
	if s.BasePath != "" && !strings.HasPrefix(s.BasePath, "/") {
		s.BasePath = "/" + s.BasePath
	}
	return s, nil
}

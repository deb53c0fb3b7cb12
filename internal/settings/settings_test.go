package settings

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	Configure(v)
	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/v1", s.BasePath)
	assert.Equal(t, "keyword", s.ClassifierProvider)
	assert.Equal(t, "sql", s.LockBackend)
	assert.Equal(t, "log", s.DeliveryBackend)
	assert.False(t, s.AllowLegacyHeaders)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WATCHKEEPER_LOCK_BACKEND", "redis")
	t.Setenv("WATCHKEEPER_REDIS_ADDR", "redis:6379")
	t.Setenv("WATCHKEEPER_LOG_LEVEL", "debug")
	t.Setenv("WATCHKEEPER_BASE_PATH", "api")
	v := viper.New()
	Configure(v)
	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "redis", s.LockBackend)
	assert.Equal(t, "redis:6379", s.RedisAddr)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "/api", s.BasePath)
}

func TestServiceBusRequiresConnection(t *testing.T) {
	v := viper.New()
	Configure(v)
	v.Set("delivery.backend", "servicebus")
	_, err := Load(v)
	require.Error(t, err)

	v.Set("servicebus.connection_string", "Endpoint=sb://example/;SharedAccessKeyName=k;SharedAccessKey=s")
	_, err = Load(v)
	require.NoError(t, err)
}

func TestRejectsUnknownProvider(t *testing.T) {
	v := viper.New()
	Configure(v)
	v.Set("classifier.provider", "oracle")
	_, err := Load(v)
	assert.Error(t, err)
}

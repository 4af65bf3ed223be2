package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "  test-secret  ")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 60*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, "", cfg.MQ.Backend)
	assert.Equal(t, 10, cfg.MQ.RabbitMQ.PrefetchCount)
	assert.Equal(t, 5, cfg.MQ.PubSub.MaxDeliveryAttempts)
	assert.Empty(t, cfg.MQ.PubSub.DeadLetterTopic)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "s")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "15")
	t.Setenv("REFRESH_TOKEN_TTL_DAYS", "30")
	t.Setenv("ALLOWED_ORIGINS", "https://pos.example.com, ,https://kds.example.com")
	t.Setenv("MQ_BACKEND", "RabbitMQ")
	t.Setenv("DB_SSL", "true")

	cfg := LoadConfig()

	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, []string{"https://pos.example.com", "https://kds.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, BackendRabbitMQ, cfg.MQ.Backend)
	assert.True(t, cfg.Database.UseSSL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "JWT_SECRET_KEY is required"},
		{name: "zero access ttl", mutate: func(c *Config) { c.Auth.AccessTokenTTL = 0 }, wantErr: "ACCESS_TOKEN_TTL_MINUTES"},
		{name: "unknown mq backend", mutate: func(c *Config) { c.MQ.Backend = "kafka" }, wantErr: `unknown MQ_BACKEND "kafka"`},
		{
			name: "dead letter attempts out of range",
			mutate: func(c *Config) {
				c.MQ.PubSub = PubSubConfig{DeadLetterTopic: "audit-dead", MaxDeliveryAttempts: 2}
			},
			wantErr: "PUBSUB_MAX_DELIVERY_ATTEMPTS",
		},
		{name: "bad trusted proxy", mutate: func(c *Config) { c.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"} }, wantErr: "TRUSTED_PROXIES"},
		{name: "unknown storage backend", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, wantErr: `unknown STORAGE_BACKEND "ftp"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Auth: AuthConfig{JWTSecret: "s", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}}
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePrefixes(t *testing.T) {
	prefixes, err := ParsePrefixes([]string{"10.1.2.3/8", " 192.0.2.10 ", "::ffff:198.51.100.1", "2001:db8::/32"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.10/32"),
		netip.MustParsePrefix("198.51.100.1/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, prefixes)

	_, err = ParsePrefixes([]string{"10.0.0.0/40"})
	assert.Error(t, err)
}

func TestLoadConfigTrustedProxies(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "s")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 172.16.0.1")

	cfg := LoadConfig()
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.1"}, cfg.TrustedProxies)
	require.NoError(t, cfg.Validate())
}

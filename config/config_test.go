package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DB_PATH", "LOG_LEVEL", "LOG_FORMAT", "ALLOWED_ORIGINS",
		"REQUIRE_REFERRER", "MIN_WITHDRAWAL", "INTEGRITY_INTERVAL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "referral.db", cfg.DBPath)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.AllowedOrigins)
	assert.False(t, cfg.RequireReferrer)
	assert.Equal(t, time.Hour, cfg.IntegrityInterval)

	min, err := cfg.MinWithdrawalAmount()
	require.NoError(t, err)
	assert.True(t, min.IsZero())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", ":mem:")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("REQUIRE_REFERRER", "true")
	t.Setenv("MIN_WITHDRAWAL", "12.5")
	t.Setenv("INTEGRITY_INTERVAL", "15m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":mem:", cfg.DBPath)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.RequireReferrer)
	assert.Equal(t, 15*time.Minute, cfg.IntegrityInterval)

	min, err := cfg.MinWithdrawalAmount()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(min))
}

func TestLoad_RejectsBadMinWithdrawal(t *testing.T) {
	for _, v := range []string{"abc", "-1"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("MIN_WITHDRAWAL", v)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"debug", "text", false},
		{"warn", "json", false},
		{"loud", "text", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level, LogFormat: tt.format}
		log, err := cfg.NewLogger()
		if tt.wantErr {
			assert.Error(t, err, tt.level+"/"+tt.format)
			continue
		}
		require.NoError(t, err)
		want, _ := logrus.ParseLevel(tt.level)
		assert.Equal(t, want, log.GetLevel())
	}
}

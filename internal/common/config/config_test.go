package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		ServiceName: "risk-service",
		Environment: "development",
		Port:        8010,
		DatabaseURL: "postgres://localhost:5432/courseshield",
		Risk: RiskConfig{
			CooldownMinutes:       5,
			MultiIPWindowHours:    2,
			MultiIPThreshold:      4,
			MultiIPDelta:          30,
			ParallelSessionWindow: 10,
			ParallelSessionMin:    2,
			ParallelSessionDelta:  40,
			DeviceHopWindowHours:  24,
			DeviceHopThreshold:    3,
			DeviceHopDelta:        30,
			WarningThreshold:      70,
			LockThreshold:         100,
			FlagThreshold:         160,
			BanThreshold:          220,
			LockHours:             24,
			DecayIntervalMinutes:  60,
			DecayBatchSize:        100,
			DecayHours:            24,
			DecayAmount:           10,
			DecayDeepHours:        72,
			DecayDeepAmount:       30,
			UnflagBelow:           50,
		},
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	require.NoError(t, validate(validConfig()))
}

func TestValidate_RequiresDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""
	assert.Error(t, validate(cfg))
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.LockThreshold = 300
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ordered")
}

func TestValidate_NegativeDeltas(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.MultiIPDelta = -1
	assert.Error(t, validate(cfg))
}

func TestValidate_DecayTierOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.DecayHours = 100
	assert.Error(t, validate(cfg))
}

func TestRiskConfig_Durations(t *testing.T) {
	r := validConfig().Risk
	assert.Equal(t, 5*time.Minute, r.CooldownDuration())
	assert.Equal(t, 24*time.Hour, r.LockDuration())
	assert.Equal(t, time.Hour, r.DecayInterval())
}

func TestProductionWarnings(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = "production"
	cfg.CORSAllowedOrigins = "*"
	cfg.EnableRateLimit = false

	warnings := cfg.ProductionWarnings()
	assert.Len(t, warnings, 3)

	cfg.JWTSecret = "secret"
	cfg.CORSAllowedOrigins = "https://admin.example.com"
	cfg.EnableRateLimit = true
	assert.Empty(t, cfg.ProductionWarnings())
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Environment = "production"
	assert.True(t, cfg.IsProduction())
}

func TestGetCORSOrigins(t *testing.T) {
	cfg := validConfig()
	cfg.CORSAllowedOrigins = "*"
	assert.Equal(t, []string{"*"}, cfg.GetCORSOrigins())

	cfg.CORSAllowedOrigins = "https://a.example.com,https://b.example.com"
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.GetCORSOrigins())
}

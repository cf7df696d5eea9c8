package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrail/tcm-ui-api/config"
)

func TestValidateServiceConfig(t *testing.T) {
	require.Error(t, ValidateServiceConfig(nil))

	cfg := &config.AppConfig{Services: "nope"}
	require.Error(t, ValidateServiceConfig(cfg))

	cfg = &config.AppConfig{Services: "http"}
	err := ValidateServiceConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET")

	cfg.Auth.JWTSecret = "secret"
	require.NoError(t, ValidateServiceConfig(cfg))

	// The reaper runs without a signing key.
	cfg = &config.AppConfig{Services: "reaper"}
	require.NoError(t, ValidateServiceConfig(cfg))
}

func TestGetEnabledServices(t *testing.T) {
	assert.Empty(t, GetEnabledServices(nil))
	assert.Empty(t, GetEnabledServices(&config.AppConfig{Services: "bogus"}))

	names := GetEnabledServices(&config.AppConfig{Services: "http,reaper"})
	assert.ElementsMatch(t, []string{"http", "reaper"}, names)
}

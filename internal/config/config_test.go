package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, ":8090", cfg.OpsAddr)
	assert.Equal(t, "testnet", cfg.Chain.Network)
	assert.Equal(t, 5, cfg.Minting.MaxRetries)
	assert.Equal(t, 3, cfg.Redeem.MaxRetries, "redemption retries stay below minting retries")
	assert.False(t, cfg.Detector.Enabled)

	assert.Equal(t, "0.1", cfg.RedeemMinAmount().String())
	assert.Equal(t, "10000", cfg.RedeemMaxAmount().String())
	assert.Equal(t, "0.01", cfg.ReconcileAbsoluteThreshold().String())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NVB_ENV", "prod")
	t.Setenv("NVB_NOVA_NETWORK", "mainnet")
	t.Setenv("NVB_MINT_MAX_RETRIES", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, "mainnet", cfg.Chain.Network)
	assert.Equal(t, 7, cfg.Minting.MaxRetries)
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad network", key: "NVB_NOVA_NETWORK", value: "devnet"},
		{name: "zero retries", key: "NVB_MINT_MAX_RETRIES", value: "0"},
		{name: "unparseable min amount", key: "NVB_REDEEM_MIN_AMOUNT", value: "lots"},
		{name: "max below min", key: "NVB_REDEEM_MAX_AMOUNT", value: "0.01"},
		{name: "bad threshold", key: "NVB_RECONCILE_ABS_THRESHOLD", value: "??"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDetectorRequiresURLWhenEnabled(t *testing.T) {
	t.Setenv("NVB_DETECTOR_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("NVB_DETECTOR_WS_URL", "ws://localhost:9000/deposits")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Detector.Enabled)
}

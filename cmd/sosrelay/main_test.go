package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/sosrelay/internal/config"
	"github.com/shohag/sosrelay/internal/connectivity"
	"github.com/shohag/sosrelay/internal/gateway"
	"github.com/shohag/sosrelay/internal/models"
)

func testConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sosrelay.yaml")
	body = "storage:\n  sqlite:\n    path: " + filepath.Join(dir, "data", "sosrelay.db") + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestParseCoordinate(t *testing.T) {
	c, err := parseCoordinate("40.7128, -74.0060")
	require.NoError(t, err)
	assert.Equal(t, models.Coordinate{Latitude: 40.7128, Longitude: -74.006}, c)

	for _, bad := range []string{"", "40.7", "a,b", "95,0"} {
		_, err := parseCoordinate(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewEngine_WithoutRemoteQueuesLocally(t *testing.T) {
	cfg := testConfig(t, "location:\n  simulated: true\ngateway:\n  emergency_budget: 10ms\n")

	e, err := newEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	assert.IsType(t, &connectivity.Static{}, e.signal)
	assert.False(t, e.signal.IsConnected(context.Background()))

	res, err := e.gateway.CreateAlert(context.Background(), models.AlertFire, "cli-user")
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeQueued, res.Outcome)
	assert.Equal(t, "sentinel", res.LocationSource)
}

func TestInstallationIDIsStable(t *testing.T) {
	cfg := testConfig(t, "")

	e, err := newEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	first, err := installationID(context.Background(), e.store)
	require.NoError(t, err)
	e.Close()

	e, err = newEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()
	second, err := installationID(context.Background(), e.store)
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestSetupSignal(t *testing.T) {
	cfg := testConfig(t, "remote:\n  base_url: https://alerts.example.org\nconnectivity:\n  mode: static\n  static_online: true\n")
	sig := setupSignal(cfg, zerolog.Nop())
	assert.True(t, sig.IsConnected(context.Background()))

	cfg = testConfig(t, "remote:\n  base_url: https://alerts.example.org\n")
	assert.IsType(t, &connectivity.Probe{}, setupSignal(cfg, zerolog.Nop()))
}

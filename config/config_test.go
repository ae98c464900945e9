package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewEmptyConfig(path)
	cfg.Relay.Broadcast = true
	cfg.Relay.ProbePeriod = Duration(3 * time.Second)
	cfg.Peer.RelayURL = "ws://relay:3000/ws"
	require.NoError(t, cfg.Save())

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	assert.True(t, loaded.Relay.Broadcast)
	assert.Equal(t, 3*time.Second, loaded.Relay.ProbePeriod.Duration())
	assert.Equal(t, "ws://relay:3000/ws", loaded.Peer.RelayURL)
	assert.Equal(t, ":3000", loaded.Relay.ListenAddress)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"probe_period": "3s"`)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"relay": {"broadcast": true, "probe_period": "1m"}}`), 0644))

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Relay.Broadcast)
	assert.Equal(t, time.Minute, cfg.Relay.ProbePeriod.Duration())
	assert.Equal(t, "/ws", cfg.Relay.Path)
	assert.Equal(t, 256, cfg.Relay.InboundQueue)
	assert.Equal(t, "/tmp/wsrelay/ledger", cfg.DataStore.LedgerPath)
}

func TestBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	for _, body := range []string{
		`{"relay": {"probe_period": 5}}`,
		`{"relay": {"probe_period": "soon"}}`,
	} {
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		_, err := NewConfigFromFile(path)
		assert.Error(t, err, body)
	}
}

func TestMissingFile(t *testing.T) {
	_, err := NewConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ParsesListenerAndFirewall(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
listener:
  socket_path: "`+filepath.Join(dir, "alert.sock")+`"
  permissions: "0660"
  read_timeout: 2s
  max_payload: 16KiB
firewall:
  backend: nft
  nft_table: hids
blocking:
  default_duration: 12h
  auto_block:
    enabled: true
    threshold: 3
whitelist:
  entries: ["10.0.0.1"]
`), 0o600))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alert.sock"), cfg.Listener.SocketPath)
	assert.Equal(t, "0660", cfg.Listener.Permissions)
	assert.Equal(t, 2*time.Second, MustDuration(cfg.Listener.ReadTimeout))
	assert.Equal(t, "nft", cfg.Firewall.Backend)
	assert.Equal(t, "hids", cfg.Firewall.NftTable)
	assert.Equal(t, "blocked4", cfg.Firewall.NftSet)
	assert.Equal(t, "12h", cfg.Blocking.DefaultDuration)
	assert.Equal(t, "12h", cfg.Blocking.AutoBlock.Duration, "auto-block duration inherits the default")
	assert.Equal(t, 3, cfg.Blocking.AutoBlock.Threshold)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.Whitelist.Entries)

	size, err := ParseByteSize(cfg.Listener.MaxPayload)
	require.NoError(t, err)
	assert.EqualValues(t, 16*1024, size)
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "/var/run/hids/alert.sock", cfg.Listener.SocketPath)
	assert.Equal(t, "0666", cfg.Listener.Permissions)
	assert.Equal(t, "iptables", cfg.Firewall.Backend)
	assert.Equal(t, "/sbin/iptables", cfg.Firewall.IptablesPath)
	assert.Equal(t, "INPUT", cfg.Firewall.Chain)
	assert.Equal(t, 24*time.Hour, MustDuration(cfg.Blocking.DefaultDuration))
	assert.False(t, cfg.Blocking.AutoBlock.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: info\n"), 0o600))

	t.Setenv("HIDSWARD_ALERT_SOCKET", "/tmp/x.sock")
	t.Setenv("HIDSWARD_FIREWALL_BACKEND", "noop")
	t.Setenv("HIDSWARD_LOG_LEVEL", "debug")
	dataDir := filepath.Join(dir, "data")
	t.Setenv("HIDSWARD_DATA_DIR", dataDir)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.sock", cfg.Listener.SocketPath)
	assert.Equal(t, "noop", cfg.Firewall.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dataDir, "hidsward.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Join(dataDir, "incidents.jsonl"), cfg.Storage.IncidentLog.Path)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"backend":     "firewall:\n  backend: pf\n",
		"level":       "logging:\n  level: loud\n",
		"permissions": "listener:\n  permissions: rw\n",
		"duration":    "blocking:\n  default_duration: forever\n",
		"payload":     "listener:\n  max_payload: lots\n",
		"webhook":     "notify:\n  webhook:\n    enabled: true\n",
		"otel":        "notify:\n  otel:\n    protocol: udp\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"0":      0,
		"4096":   4096,
		"64KiB":  64 << 10,
		"1MiB":   1 << 20,
		"2kb":    2000,
		"1_000B": 1000,
		" 3MB ":  3_000_000,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "KB", "-1", "x10", "99999999999GiB"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("0")
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = ParseDuration("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	_, err = ParseDuration("-1s")
	assert.Error(t, err)
}

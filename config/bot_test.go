package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadBotConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"BOT_TOKEN": "123:abc",
		"ADMIN_IDS": [1, 2],
		"XUI_PANEL_URL": "https://panel.example.com:2053",
		"XUI_USERNAME": "admin",
		"XUI_PASSWORD": "secret",
		"VPN_HOST": "vpn.example.com",
		"TRIAL_TRAFFIC_GB": 5
	}`)
	cfg, err := LoadBotConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.BotToken)
	assert.Equal(t, []int64{1, 2}, cfg.AdminIDs)
	assert.EqualValues(t, 5, cfg.TrialTrafficGB)
	assert.Equal(t, 3, cfg.TrialDays)
	assert.Equal(t, PathStyleAuto, cfg.PanelPathStyle)
	assert.Equal(t, 21000, cfg.PortRangeLow)
	assert.True(t, cfg.IsAdmin(2))
	assert.False(t, cfg.IsAdmin(3))
}

func TestLoadBotConfigTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
XUI_PANEL_URL = "http://127.0.0.1:54321"
XUI_USERNAME = "admin"
XUI_PASSWORD = "admin"
XUI_API_STYLE = "legacy"
VPN_HOST = "vpn.example.com"
PORT_RANGE_LOW = 30000
PORT_RANGE_HIGH = 30100
`)
	cfg, err := LoadBotConfig(path)
	require.NoError(t, err)
	assert.Equal(t, PathStyleLegacy, cfg.PanelPathStyle)
	assert.Equal(t, 30000, cfg.PortRangeLow)
	assert.Equal(t, 30100, cfg.PortRangeHigh)
}

func TestLoadBotConfigEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.json", `{"XUI_PANEL_URL":"http://x","XUI_USERNAME":"a","XUI_PASSWORD":"file","VPN_HOST":"h"}`)
	t.Setenv("VPNBOT_PANEL_PASSWORD", "from-env")

	cfg, err := LoadBotConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.PanelPassword)
}

func TestLoadBotConfigMissingFileUsesEnv(t *testing.T) {
	t.Setenv("VPNBOT_PANEL_URL", "http://panel")
	t.Setenv("VPNBOT_PANEL_USERNAME", "u")
	t.Setenv("VPNBOT_PANEL_PASSWORD", "p")
	t.Setenv("VPNBOT_VPN_HOST", "vpn")

	cfg, err := LoadBotConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "http://panel", cfg.PanelURL)
}

func TestLoadBotConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"no panel":   `{"XUI_USERNAME":"a","XUI_PASSWORD":"b","VPN_HOST":"h"}`,
		"bad style":  `{"XUI_PANEL_URL":"http://x","XUI_USERNAME":"a","XUI_PASSWORD":"b","VPN_HOST":"h","XUI_API_STYLE":"v9"}`,
		"bad range":  `{"XUI_PANEL_URL":"http://x","XUI_USERNAME":"a","XUI_PASSWORD":"b","VPN_HOST":"h","PORT_RANGE_LOW":500,"PORT_RANGE_HIGH":400}`,
		"no host":    `{"XUI_PANEL_URL":"http://x","XUI_USERNAME":"a","XUI_PASSWORD":"b"}`,
		"bad json":   `{"XUI_PANEL_URL":`,
		"no trial":   `{"XUI_PANEL_URL":"http://x","XUI_USERNAME":"a","XUI_PASSWORD":"b","VPN_HOST":"h","TRIAL_DAYS":0}`,
		"timeout 0s": `{"XUI_PANEL_URL":"http://x","XUI_USERNAME":"a","XUI_PASSWORD":"b","VPN_HOST":"h","XUI_TIMEOUT":0}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadBotConfig(writeFile(t, "config.json", content))
			assert.Error(t, err)
		})
	}
}

package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuibot/vpn-grant-bot/config"
	"github.com/xuibot/vpn-grant-bot/database"
	"github.com/xuibot/vpn-grant-bot/panel"
	"github.com/xuibot/vpn-grant-bot/panel/paneltest"
)

func setup(t *testing.T) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.InitDB(dbPath))
	t.Cleanup(teardown)
}

func teardown() {
	database.CloseDB()
}

func testConfig(panelURL string) *config.BotConfig {
	cfg := config.DefaultBotConfig()
	cfg.PanelURL = panelURL
	cfg.PanelUsername = "admin"
	cfg.PanelPassword = "admin"
	cfg.PanelPathStyle = config.PathStyleAPI
	cfg.PublicHost = "vpn.example.com"
	cfg.PortRangeLow = 21000
	cfg.PortRangeHigh = 21010
	cfg.TLSCertFile = "/etc/ssl/vpn.crt"
	cfg.TLSKeyFile = "/etc/ssl/vpn.key"
	return cfg
}

// newEngine wires a ProvisionService to a fresh fake panel and the sqlite
// registry, with the clock pinned to the returned time.
func newEngine(t *testing.T) (*ProvisionService, *paneltest.Server, time.Time) {
	t.Helper()
	setup(t)
	srv := paneltest.New()
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	engine := NewProvisionService(panel.NewClientFromConfig(cfg), &GrantService{}, cfg)
	now := time.Now().Truncate(time.Millisecond)
	engine.now = func() time.Time { return now }
	return engine, srv, now
}

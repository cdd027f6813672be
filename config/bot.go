package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// PathStyle selects the panel endpoint layout.
type PathStyle string

const (
	PathStyleAuto   PathStyle = "auto"   // try the versioned API, fall back to legacy on 404
	PathStyleAPI    PathStyle = "api"    // /panel/api/inbounds/...
	PathStyleLegacy PathStyle = "legacy" // /xui/inbound/...
)

// BotConfig holds everything the bot needs to talk to Telegram and the panel.
type BotConfig struct {
	// Telegram
	BotToken string  `json:"BOT_TOKEN" toml:"BOT_TOKEN"`
	AdminIDs []int64 `json:"ADMIN_IDS" toml:"ADMIN_IDS"`

	// Panel
	PanelURL        string    `json:"XUI_PANEL_URL" toml:"XUI_PANEL_URL"`
	PanelUsername   string    `json:"XUI_USERNAME" toml:"XUI_USERNAME"`
	PanelPassword   string    `json:"XUI_PASSWORD" toml:"XUI_PASSWORD"`
	PanelTOTPSecret string    `json:"XUI_TOTP_SECRET" toml:"XUI_TOTP_SECRET"`
	PanelAPIPrefix  string    `json:"XUI_API_PREFIX" toml:"XUI_API_PREFIX"`
	PanelPathStyle  PathStyle `json:"XUI_API_STYLE" toml:"XUI_API_STYLE"`
	PanelTimeout    int       `json:"XUI_TIMEOUT" toml:"XUI_TIMEOUT"` // seconds

	// Grant plans
	TrialTrafficGB int64 `json:"TRIAL_TRAFFIC_GB" toml:"TRIAL_TRAFFIC_GB"`
	TrialDays      int   `json:"TRIAL_DAYS" toml:"TRIAL_DAYS"`
	RenewTrafficGB int64 `json:"RENEW_TRAFFIC_GB" toml:"RENEW_TRAFFIC_GB"`
	RenewDays      int   `json:"RENEW_DAYS" toml:"RENEW_DAYS"`

	// Inbound provisioning
	PortRangeLow      int    `json:"PORT_RANGE_LOW" toml:"PORT_RANGE_LOW"`
	PortRangeHigh     int    `json:"PORT_RANGE_HIGH" toml:"PORT_RANGE_HIGH"`
	TemplateInboundID int    `json:"TEMPLATE_INBOUND_ID" toml:"TEMPLATE_INBOUND_ID"`
	PublicHost        string `json:"VPN_HOST" toml:"VPN_HOST"`
	LinkLabel         string `json:"LINK_LABEL" toml:"LINK_LABEL"`
	TLSCertFile       string `json:"TLS_CERT_FILE" toml:"TLS_CERT_FILE"`
	TLSKeyFile        string `json:"TLS_KEY_FILE" toml:"TLS_KEY_FILE"`

	// Jobs and status API
	SyncSchedule    string `json:"SYNC_SCHEDULE" toml:"SYNC_SCHEDULE"`
	CpuAlertPercent int    `json:"CPU_ALERT_PERCENT" toml:"CPU_ALERT_PERCENT"`
	StatusListen    string `json:"STATUS_LISTEN" toml:"STATUS_LISTEN"`
	StatusAPIKey    string `json:"STATUS_API_KEY" toml:"STATUS_API_KEY"`
}

// DefaultBotConfig returns the values used for every key the file leaves out.
func DefaultBotConfig() *BotConfig {
	return &BotConfig{
		PanelPathStyle: PathStyleAuto,
		PanelTimeout:   10,
		TrialTrafficGB: 10,
		TrialDays:      3,
		RenewTrafficGB: 40,
		RenewDays:      30,
		PortRangeLow:   21000,
		PortRangeHigh:  22000,
		LinkLabel:      "MyVPN",
		SyncSchedule:   "@every 5m",
	}
}

// envOverrides maps environment variables onto string settings. Secrets are
// usually kept out of the config file and supplied this way.
var envOverrides = map[string]func(c *BotConfig) *string{
	"VPNBOT_BOT_TOKEN":      func(c *BotConfig) *string { return &c.BotToken },
	"VPNBOT_PANEL_URL":      func(c *BotConfig) *string { return &c.PanelURL },
	"VPNBOT_PANEL_USERNAME": func(c *BotConfig) *string { return &c.PanelUsername },
	"VPNBOT_PANEL_PASSWORD": func(c *BotConfig) *string { return &c.PanelPassword },
	"VPNBOT_PANEL_TOTP":     func(c *BotConfig) *string { return &c.PanelTOTPSecret },
	"VPNBOT_VPN_HOST":       func(c *BotConfig) *string { return &c.PublicHost },
	"VPNBOT_STATUS_LISTEN":  func(c *BotConfig) *string { return &c.StatusListen },
	"VPNBOT_STATUS_API_KEY": func(c *BotConfig) *string { return &c.StatusAPIKey },
}

// LoadBotConfig reads .env (if any), then the config file at path (if it
// exists), then applies environment overrides and validates the result.
func LoadBotConfig(path string) (*BotConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultBotConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeBotConfig(path, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		// environment-only configuration
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	for key, field := range envOverrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*field(cfg) = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeBotConfig(path string, data []byte, cfg *BotConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks the settings the provisioning path depends on.
func (c *BotConfig) Validate() error {
	if c.PanelURL == "" {
		return fmt.Errorf("XUI_PANEL_URL cannot be empty")
	}
	if c.PanelUsername == "" || c.PanelPassword == "" {
		return fmt.Errorf("XUI_USERNAME and XUI_PASSWORD are required")
	}
	switch c.PanelPathStyle {
	case "":
		c.PanelPathStyle = PathStyleAuto
	case PathStyleAuto, PathStyleAPI, PathStyleLegacy:
	default:
		return fmt.Errorf("unsupported XUI_API_STYLE: %s", c.PanelPathStyle)
	}
	if c.PanelTimeout <= 0 || c.PanelTimeout > 60 {
		return fmt.Errorf("XUI_TIMEOUT must be between 1 and 60 seconds")
	}
	if c.PortRangeLow <= 0 || c.PortRangeHigh > 65536 || c.PortRangeLow >= c.PortRangeHigh {
		return fmt.Errorf("invalid port range [%d, %d)", c.PortRangeLow, c.PortRangeHigh)
	}
	if c.TrialTrafficGB <= 0 || c.TrialDays <= 0 {
		return fmt.Errorf("trial plan must have positive traffic and days")
	}
	if c.RenewTrafficGB < 0 || c.RenewDays < 0 {
		return fmt.Errorf("renew plan cannot be negative")
	}
	if c.PublicHost == "" {
		return fmt.Errorf("VPN_HOST cannot be empty")
	}
	return nil
}

// IsAdmin reports whether the Telegram id belongs to the configured admin set.
func (c *BotConfig) IsAdmin(id int64) bool {
	for _, adminId := range c.AdminIDs {
		if adminId == id {
			return true
		}
	}
	return false
}

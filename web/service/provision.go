package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/xuibot/vpn-grant-bot/config"
	"github.com/xuibot/vpn-grant-bot/database/model"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/panel"
	"github.com/xuibot/vpn-grant-bot/util/common"
	"github.com/xuibot/vpn-grant-bot/util/json_util"
)

var (
	ErrUnreachable = errors.New("vpn server unreachable")
	// ErrLocalState means the remote side changed but the registry could not
	// record it.
	ErrLocalState = errors.New("local registry update failed")
)

const msPerDay = int64(24 * time.Hour / time.Millisecond)

// PanelAPI is the subset of panel.Client the engine drives.
type PanelAPI interface {
	Authenticate(ctx context.Context) (*panel.Session, error)
	ListInbounds(ctx context.Context) ([]panel.Inbound, error)
	AddInbound(ctx context.Context, in *panel.Inbound) (*panel.Inbound, error)
	UpdateInbound(ctx context.Context, in *panel.Inbound) error
	DeleteInbound(ctx context.Context, id int) error
}

// Provisioned is the outcome of a successful Create.
type Provisioned struct {
	ClientIdentity string
	Port           int
	InboundId      int
	Link           string
	Grant          *model.Grant
}

// ProvisionService keeps panel clients and local grants in step. It does
// not serialize calls itself: callers must not run two operations for the
// same principal at once.
type ProvisionService struct {
	panel     PanelAPI
	grants    GrantStore
	allocator *panel.Allocator
	cfg       *config.BotConfig
	now       func() time.Time
}

func NewProvisionService(api PanelAPI, grants GrantStore, cfg *config.BotConfig) *ProvisionService {
	return &ProvisionService{
		panel:     api,
		grants:    grants,
		allocator: panel.NewAllocator(api),
		cfg:       cfg,
		now:       time.Now,
	}
}

// CheckReachability logs in and lists inbounds once.
func (s *ProvisionService) CheckReachability(ctx context.Context) (bool, string) {
	if _, err := s.reach(ctx); err != nil {
		return false, UserMessage(err)
	}
	return true, "VPN server is reachable"
}

func (s *ProvisionService) reach(ctx context.Context) ([]panel.Inbound, error) {
	if _, err := s.panel.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	inbounds, err := s.panel.ListInbounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return inbounds, nil
}

// Create provisions a dedicated inbound with one client for principalId and
// records the grant. Nothing is stored locally unless the panel accepted the
// inbound.
func (s *ProvisionService) Create(ctx context.Context, principalId int64, username string, trafficGB int64, expireDays int) (*Provisioned, error) {
	exists, err := s.grants.Exists(principalId)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalState, err)
	}
	if exists {
		return nil, ErrGrantExists
	}

	inbounds, err := s.reach(ctx)
	if err != nil {
		return nil, err
	}

	port, err := s.allocator.AllocatePort(ctx, s.cfg.PortRangeLow, s.cfg.PortRangeHigh)
	if err != nil {
		return nil, err
	}
	clientId := panel.GenerateClientIdentity()

	now := s.now()
	limit := common.GBToBytes(trafficGB)
	expiry := now.AddDate(0, 0, expireDays)

	inbound, err := s.newInbound(inbounds, principalId, clientId, port, limit, expiry.UnixMilli())
	if err != nil {
		return nil, err
	}
	created, err := s.panel.AddInbound(ctx, inbound)
	if err != nil {
		logger.Warningf("create grant for %d: panel add failed: %v", principalId, err)
		return nil, err
	}

	grant := &model.Grant{
		PrincipalId:       principalId,
		Username:          username,
		ClientIdentity:    clientId,
		Port:              port,
		TrafficLimitBytes: limit,
		ExpiryDate:        expiry,
		Active:            true,
	}
	if err := s.grants.Create(grant); err != nil {
		logger.Errorf("create grant for %d: registry insert failed, removing inbound on port %d: %v", principalId, port, err)
		s.removeOrphan(ctx, created)
		if errors.Is(err, ErrGrantExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLocalState, err)
	}

	logger.Infof("grant created for %d: client %s on port %d", principalId, clientId, port)
	return &Provisioned{
		ClientIdentity: clientId,
		Port:           port,
		InboundId:      created.Id,
		Link:           s.link(clientId, port),
		Grant:          grant,
	}, nil
}

// removeOrphan deletes an inbound the registry failed to record.
func (s *ProvisionService) removeOrphan(ctx context.Context, created *panel.Inbound) {
	id := created.Id
	if id == 0 {
		inbounds, err := s.panel.ListInbounds(ctx)
		if err != nil {
			logger.Error("orphan inbound lookup failed: ", err)
			return
		}
		for _, in := range inbounds {
			if in.Port == created.Port {
				id = in.Id
				break
			}
		}
	}
	if id == 0 {
		logger.Warningf("orphan inbound on port %d not found", created.Port)
		return
	}
	if err := s.panel.DeleteInbound(ctx, id); err != nil {
		logger.Errorf("orphan inbound %d could not be deleted: %v", id, err)
	}
}

func (s *ProvisionService) newInbound(inbounds []panel.Inbound, principalId int64, clientId string, port int, limit, expiryMs int64) (*panel.Inbound, error) {
	remark := fmt.Sprintf("user_%d", principalId)

	stream, sniffing, err := s.templateSettings(inbounds)
	if err != nil {
		return nil, err
	}

	return &panel.Inbound{
		Total:      limit,
		Remark:     remark,
		Enable:     true,
		ExpiryTime: expiryMs,
		Port:       port,
		Protocol:   panel.VLESS,
		Settings: panel.InboundSettings{
			Clients: []panel.ClientEntry{{
				ID:         clientId,
				Flow:       panel.FlowVision,
				Email:      remark + "@vpn",
				TotalGB:    limit,
				ExpiryTime: expiryMs,
				Enable:     true,
				TgID:       principalId,
				SubID:      panel.NewSubID(),
			}},
			Decryption: "none",
		},
		StreamSettings: stream,
		Sniffing:       sniffing,
	}, nil
}

// templateSettings copies stream and sniffing settings from the configured
// template inbound, or builds VLESS+TLS defaults when there is none.
func (s *ProvisionService) templateSettings(inbounds []panel.Inbound) (json_util.RawMessage, json_util.RawMessage, error) {
	if id := s.cfg.TemplateInboundID; id > 0 {
		for _, in := range inbounds {
			if in.Id == id && len(in.StreamSettings) > 0 {
				stream := append(json_util.RawMessage(nil), in.StreamSettings...)
				sniffing := append(json_util.RawMessage(nil), in.Sniffing...)
				return stream, sniffing, nil
			}
		}
		logger.Warningf("template inbound %d not found, using default settings", id)
	}

	stream, err := json.Marshal(map[string]any{
		"network":  "tcp",
		"security": "tls",
		"tlsSettings": map[string]any{
			"serverName": s.cfg.PublicHost,
			"certificates": []map[string]string{{
				"certificateFile": s.cfg.TLSCertFile,
				"keyFile":         s.cfg.TLSKeyFile,
			}},
		},
		"tcpSettings": map[string]any{
			"header": map[string]string{"type": "none"},
		},
	})
	if err != nil {
		return nil, nil, err
	}
	sniffing, err := json.Marshal(map[string]any{
		"enabled":      true,
		"destOverride": []string{"http", "tls"},
	})
	if err != nil {
		return nil, nil, err
	}
	return stream, sniffing, nil
}

// Renew adds traffic and days to principalId's grant, panel first. A client
// missing on the panel leaves the registry untouched.
func (s *ProvisionService) Renew(ctx context.Context, principalId int64, extraGB int64, extraDays int) (*model.Grant, error) {
	grant, err := s.grants.Get(principalId)
	if err != nil {
		return nil, err
	}

	inbounds, err := s.panel.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	inbound, idx, err := panel.LocateClient(inbounds, grant.ClientIdentity)
	if err != nil {
		logger.Warningf("renew %d: client %s missing on panel", principalId, grant.ClientIdentity)
		return nil, err
	}

	now := s.now()
	extraBytes := common.GBToBytes(extraGB)
	extraMs := int64(extraDays) * msPerDay

	// zero means unlimited traffic or no expiry on the panel and stays so
	client := &inbound.Settings.Clients[idx]
	if client.TotalGB != 0 {
		client.TotalGB += extraBytes
	}
	if client.ExpiryTime != 0 {
		client.ExpiryTime = max(client.ExpiryTime, now.UnixMilli()) + extraMs
	}
	client.Enable = true
	if len(inbound.Settings.Clients) == 1 {
		inbound.Total = client.TotalGB
		inbound.ExpiryTime = client.ExpiryTime
		inbound.Enable = true
	}
	if err := s.panel.UpdateInbound(ctx, inbound); err != nil {
		return nil, err
	}

	base := grant.ExpiryDate
	if base.Before(now) {
		base = now
	}
	fields := map[string]any{
		"traffic_limit_bytes": grant.TrafficLimitBytes + extraBytes,
		"expiry_date":         base.AddDate(0, 0, extraDays),
		"active":              true,
	}
	if err := s.grants.Update(principalId, fields); err != nil {
		logger.Errorf("renew %d: panel updated but registry failed: %v", principalId, err)
		return nil, fmt.Errorf("%w: %v", ErrLocalState, err)
	}

	grant.TrafficLimitBytes += extraBytes
	grant.ExpiryDate = base.AddDate(0, 0, extraDays)
	grant.Active = true
	logger.Infof("grant renewed for %d: +%d GB, +%d days", principalId, extraGB, extraDays)
	return grant, nil
}

// Delete removes principalId's client from the panel, then the grant. A
// dedicated inbound is deleted whole; a shared one loses only this client.
func (s *ProvisionService) Delete(ctx context.Context, principalId int64) error {
	grant, err := s.grants.Get(principalId)
	if err != nil {
		return err
	}

	inbounds, err := s.panel.ListInbounds(ctx)
	if err != nil {
		return err
	}
	inbound, _, err := panel.LocateClient(inbounds, grant.ClientIdentity)
	if err != nil {
		return err
	}

	if len(inbound.Settings.Clients) == 1 {
		err = s.panel.DeleteInbound(ctx, inbound.Id)
	} else {
		inbound.RemoveClient(grant.ClientIdentity)
		err = s.panel.UpdateInbound(ctx, inbound)
	}
	if err != nil {
		return err
	}

	if err := s.grants.Delete(principalId); err != nil {
		logger.Errorf("delete %d: panel cleaned up but registry failed: %v", principalId, err)
		return fmt.Errorf("%w: %v", ErrLocalState, err)
	}
	logger.Infof("grant deleted for %d", principalId)
	return nil
}

// ClientLink renders the connection URI for a stored grant.
func (s *ProvisionService) ClientLink(grant *model.Grant) string {
	return s.link(grant.ClientIdentity, grant.Port)
}

func (s *ProvisionService) link(clientId string, port int) string {
	return panel.GenerateLink(clientId, s.cfg.PublicHost, port, s.cfg.LinkLabel)
}

// UserMessage turns an engine error into a short text for the chat user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGrantExists):
		return "You already have an active VPN profile"
	case errors.Is(err, ErrGrantNotFound):
		return "No VPN profile found, send /start first"
	case errors.Is(err, panel.ErrAuth):
		return "VPN server rejected the bot's credentials"
	case errors.Is(err, ErrUnreachable), errors.Is(err, panel.ErrTransport):
		return "VPN server unreachable, try again later"
	case errors.Is(err, panel.ErrResourceExhausted):
		return "No capacity left on the VPN server"
	case errors.Is(err, panel.ErrNotFound):
		return "Your profile is missing on the VPN server, contact support"
	case errors.Is(err, panel.ErrMalformedResponse):
		return "VPN server sent an unexpected answer"
	case errors.Is(err, panel.ErrRejected):
		return "VPN server refused the request"
	case errors.Is(err, ErrLocalState):
		return "Could not save your profile, contact support"
	default:
		return "Something went wrong, try again later"
	}
}

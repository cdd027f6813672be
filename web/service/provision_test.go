package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuibot/vpn-grant-bot/database/model"
	"github.com/xuibot/vpn-grant-bot/panel"
	"github.com/xuibot/vpn-grant-bot/panel/paneltest"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

func seedClientInbound(srv *paneltest.Server, port int, clients ...panel.ClientEntry) int {
	return srv.Seed(panel.Inbound{
		Remark:         "seeded",
		Enable:         true,
		Port:           port,
		Protocol:       panel.VLESS,
		StreamSettings: []byte(`{"network":"tcp","security":"tls"}`),
		Settings:       panel.InboundSettings{Clients: clients, Decryption: "none"},
	})
}

func TestCreateProvisionsInboundAndGrant(t *testing.T) {
	engine, srv, now := newEngine(t)

	res, err := engine.Create(context.Background(), 1001, "alice", 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 21000, res.Port)
	_, err = uuid.Parse(res.ClientIdentity)
	require.NoError(t, err)
	assert.Equal(t, panel.GenerateLink(res.ClientIdentity, "vpn.example.com", 21000, "MyVPN"), res.Link)

	inbounds := srv.Inbounds()
	require.Len(t, inbounds, 1)
	in := inbounds[0]
	assert.Equal(t, 21000, in.Port)
	assert.Equal(t, "user_1001", in.Remark)
	assert.Equal(t, panel.VLESS, in.Protocol)
	assert.EqualValues(t, 10<<30, in.Total)
	require.Len(t, in.Settings.Clients, 1)

	client := in.Settings.Clients[0]
	expiryMs := now.AddDate(0, 0, 3).UnixMilli()
	assert.Equal(t, res.ClientIdentity, client.ID)
	assert.Equal(t, panel.FlowVision, client.Flow)
	assert.EqualValues(t, 10<<30, client.TotalGB)
	assert.Equal(t, expiryMs, client.ExpiryTime)
	assert.Equal(t, expiryMs, in.ExpiryTime)
	assert.True(t, client.Enable)
	assert.Contains(t, string(in.StreamSettings), `"security":"tls"`)
	assert.Contains(t, string(in.StreamSettings), "/etc/ssl/vpn.crt")

	grant, err := engine.grants.Get(1001)
	require.NoError(t, err)
	assert.Equal(t, res.ClientIdentity, grant.ClientIdentity)
	assert.Equal(t, 21000, grant.Port)
	assert.EqualValues(t, 10<<30, grant.TrafficLimitBytes)
	assert.Zero(t, grant.TrafficUsedBytes)
	assert.True(t, grant.Active)
	assert.WithinDuration(t, now.AddDate(0, 0, 3), grant.ExpiryDate, time.Millisecond)
}

func TestCreateSkipsTakenPort(t *testing.T) {
	engine, srv, _ := newEngine(t)
	seedClientInbound(srv, 21000)

	res, err := engine.Create(context.Background(), 1, "", 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 21001, res.Port)
}

func TestCreateTwiceFails(t *testing.T) {
	engine, srv, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, 1, "", 10, 3)
	require.NoError(t, err)
	calls := len(srv.Calls())

	_, err = engine.Create(ctx, 1, "", 10, 3)
	assert.ErrorIs(t, err, ErrGrantExists)
	assert.Len(t, srv.Calls(), calls)
	assert.Len(t, srv.Inbounds(), 1)
}

func TestCreateUnreachable(t *testing.T) {
	engine, srv, _ := newEngine(t)
	srv.Close()

	_, err := engine.Create(context.Background(), 1, "", 10, 3)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, panel.ErrTransport)

	exists, err := engine.grants.Exists(1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateBadCredentials(t *testing.T) {
	engine, srv, _ := newEngine(t)
	srv.Password = "rotated"

	_, err := engine.Create(context.Background(), 1, "", 10, 3)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, panel.ErrAuth)
	assert.Empty(t, srv.Inbounds())
}

func TestCreateRemoteRejected(t *testing.T) {
	engine, srv, _ := newEngine(t)
	srv.FailAdd = true

	_, err := engine.Create(context.Background(), 1, "", 10, 3)
	assert.ErrorIs(t, err, panel.ErrRejected)

	exists, err := engine.grants.Exists(1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreatePortRangeExhausted(t *testing.T) {
	engine, srv, _ := newEngine(t)
	engine.cfg.PortRangeLow = 21000
	engine.cfg.PortRangeHigh = 21002
	seedClientInbound(srv, 21000)
	seedClientInbound(srv, 21001)

	_, err := engine.Create(context.Background(), 1, "", 10, 3)
	assert.ErrorIs(t, err, panel.ErrResourceExhausted)
	assert.Len(t, srv.Inbounds(), 2)

	exists, err := engine.grants.Exists(1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateClonesTemplateInbound(t *testing.T) {
	engine, srv, _ := newEngine(t)
	templateId := srv.Seed(panel.Inbound{
		Port:           443,
		Protocol:       panel.VLESS,
		StreamSettings: []byte(`{"network":"ws","security":"tls","wsSettings":{"path":"/t"}}`),
		Sniffing:       []byte(`{"enabled":false}`),
	})
	engine.cfg.TemplateInboundID = templateId

	res, err := engine.Create(context.Background(), 1, "", 10, 3)
	require.NoError(t, err)

	for _, in := range srv.Inbounds() {
		if in.Port == res.Port {
			assert.JSONEq(t, `{"network":"ws","security":"tls","wsSettings":{"path":"/t"}}`, string(in.StreamSettings))
			assert.JSONEq(t, `{"enabled":false}`, string(in.Sniffing))
			return
		}
	}
	t.Fatal("created inbound not found")
}

type failingStore struct {
	*GrantService
}

func (failingStore) Create(*model.Grant) error {
	return errors.New("disk full")
}

func TestCreateRemovesInboundWhenRegistryFails(t *testing.T) {
	engine, srv, _ := newEngine(t)
	engine.grants = failingStore{&GrantService{}}

	_, err := engine.Create(context.Background(), 1, "", 10, 3)
	assert.ErrorIs(t, err, ErrLocalState)
	assert.Empty(t, srv.Inbounds())
	assert.Equal(t, 1, srv.CountCalls("inbounds/del/"))
}

func TestRenewExtendsBothSides(t *testing.T) {
	engine, srv, now := newEngine(t)
	ctx := context.Background()

	res, err := engine.Create(ctx, 7, "bob", 10, 3)
	require.NoError(t, err)
	oldExpiryMs := now.AddDate(0, 0, 3).UnixMilli()

	grant, err := engine.Renew(ctx, 7, 40, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 50<<30, grant.TrafficLimitBytes)
	assert.True(t, grant.Active)
	assert.WithinDuration(t, now.AddDate(0, 0, 33), grant.ExpiryDate, time.Millisecond)

	stored, err := engine.grants.Get(7)
	require.NoError(t, err)
	assert.EqualValues(t, 50<<30, stored.TrafficLimitBytes)
	assert.WithinDuration(t, now.AddDate(0, 0, 33), stored.ExpiryDate, time.Millisecond)

	in := srv.Inbounds()[0]
	client := in.Settings.Clients[in.FindClient(res.ClientIdentity)]
	assert.EqualValues(t, 50<<30, client.TotalGB)
	assert.Equal(t, oldExpiryMs+30*dayMs, client.ExpiryTime)
	assert.EqualValues(t, 50<<30, in.Total)
	assert.Equal(t, client.ExpiryTime, in.ExpiryTime)
	assert.Equal(t, 1, srv.CountCalls("inbounds/update/"))
}

func TestRenewAfterExpiryCountsFromNow(t *testing.T) {
	engine, srv, now := newEngine(t)
	past := now.Add(-48 * time.Hour)
	seedClientInbound(srv, 21000, panel.ClientEntry{
		ID:         "client-1",
		Email:      "user_1@vpn",
		TotalGB:    10 << 30,
		ExpiryTime: past.UnixMilli(),
	})
	require.NoError(t, engine.grants.Create(&model.Grant{
		PrincipalId:       1,
		ClientIdentity:    "client-1",
		Port:              21000,
		TrafficLimitBytes: 10 << 30,
		ExpiryDate:        past,
		Active:            false,
	}))

	grant, err := engine.Renew(context.Background(), 1, 0, 30)
	require.NoError(t, err)
	assert.True(t, grant.Active)
	assert.EqualValues(t, 10<<30, grant.TrafficLimitBytes)
	assert.WithinDuration(t, now.AddDate(0, 0, 30), grant.ExpiryDate, time.Millisecond)

	in := srv.Inbounds()[0]
	assert.Equal(t, now.UnixMilli()+30*dayMs, in.Settings.Clients[0].ExpiryTime)
	assert.True(t, in.Settings.Clients[0].Enable)
	assert.True(t, in.Enable)
}

func TestRenewKeepsUnlimitedClient(t *testing.T) {
	engine, srv, now := newEngine(t)
	seedClientInbound(srv, 21000, panel.ClientEntry{ID: "client-1", Email: "user_1@vpn", Enable: true})
	require.NoError(t, engine.grants.Create(&model.Grant{
		PrincipalId:       1,
		ClientIdentity:    "client-1",
		Port:              21000,
		TrafficLimitBytes: 10 << 30,
		ExpiryDate:        now.AddDate(0, 0, 3),
		Active:            true,
	}))

	grant, err := engine.Renew(context.Background(), 1, 40, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 50<<30, grant.TrafficLimitBytes)
	assert.WithinDuration(t, now.AddDate(0, 0, 33), grant.ExpiryDate, time.Millisecond)

	in := srv.Inbounds()[0]
	assert.Zero(t, in.Settings.Clients[0].TotalGB)
	assert.Zero(t, in.Settings.Clients[0].ExpiryTime)
	assert.Zero(t, in.Total)
	assert.Zero(t, in.ExpiryTime)
	assert.True(t, in.Settings.Clients[0].Enable)
}

func TestRenewClientMissingOnPanel(t *testing.T) {
	engine, srv, now := newEngine(t)
	expiry := now.AddDate(0, 0, 3)
	require.NoError(t, engine.grants.Create(&model.Grant{
		PrincipalId:       1,
		ClientIdentity:    "gone",
		TrafficLimitBytes: 10 << 30,
		ExpiryDate:        expiry,
		Active:            true,
	}))

	_, err := engine.Renew(context.Background(), 1, 40, 30)
	assert.ErrorIs(t, err, panel.ErrNotFound)
	assert.Zero(t, srv.CountCalls("update/"))

	grant, err := engine.grants.Get(1)
	require.NoError(t, err)
	assert.EqualValues(t, 10<<30, grant.TrafficLimitBytes)
	assert.WithinDuration(t, expiry, grant.ExpiryDate, time.Millisecond)
}

func TestRenewWithoutGrant(t *testing.T) {
	engine, srv, _ := newEngine(t)
	_, err := engine.Renew(context.Background(), 1, 40, 30)
	assert.ErrorIs(t, err, ErrGrantNotFound)
	assert.Empty(t, srv.Calls())
}

func TestRenewRemoteFailureLeavesGrant(t *testing.T) {
	engine, srv, _ := newEngine(t)
	ctx := context.Background()
	_, err := engine.Create(ctx, 1, "", 10, 3)
	require.NoError(t, err)
	before, err := engine.grants.Get(1)
	require.NoError(t, err)

	srv.FailUpdate = true
	_, err = engine.Renew(ctx, 1, 40, 30)
	assert.ErrorIs(t, err, panel.ErrRejected)

	after, err := engine.grants.Get(1)
	require.NoError(t, err)
	assert.Equal(t, before.TrafficLimitBytes, after.TrafficLimitBytes)
	assert.WithinDuration(t, before.ExpiryDate, after.ExpiryDate, time.Millisecond)
}

func TestRenewSurvivesExpiredSession(t *testing.T) {
	engine, srv, _ := newEngine(t)
	ctx := context.Background()
	_, err := engine.Create(ctx, 1, "", 10, 3)
	require.NoError(t, err)
	logins := srv.Logins()

	srv.Unauthorized = 1
	_, err = engine.Renew(ctx, 1, 40, 30)
	require.NoError(t, err)
	assert.Equal(t, logins+1, srv.Logins())
}

func TestDeleteDedicatedInbound(t *testing.T) {
	engine, srv, _ := newEngine(t)
	ctx := context.Background()
	_, err := engine.Create(ctx, 1, "", 10, 3)
	require.NoError(t, err)

	require.NoError(t, engine.Delete(ctx, 1))
	assert.Empty(t, srv.Inbounds())
	assert.Equal(t, 1, srv.CountCalls("inbounds/del/"))

	exists, err := engine.grants.Exists(1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteFromSharedInbound(t *testing.T) {
	engine, srv, _ := newEngine(t)
	seedClientInbound(srv, 21000,
		panel.ClientEntry{ID: "mine", Email: "a"},
		panel.ClientEntry{ID: "other", Email: "b"},
	)
	require.NoError(t, engine.grants.Create(&model.Grant{PrincipalId: 1, ClientIdentity: "mine", Active: true}))

	require.NoError(t, engine.Delete(context.Background(), 1))
	inbounds := srv.Inbounds()
	require.Len(t, inbounds, 1)
	require.Len(t, inbounds[0].Settings.Clients, 1)
	assert.Equal(t, "other", inbounds[0].Settings.Clients[0].ID)
	assert.Equal(t, 1, srv.CountCalls("inbounds/update/"))
	assert.Zero(t, srv.CountCalls("inbounds/del/"))

	_, err := engine.grants.Get(1)
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestDeleteKeepsOtherClientsFields(t *testing.T) {
	engine, srv, _ := newEngine(t)
	_, err := srv.SeedJSON(`{
		"port": 21000, "protocol": "vless", "enable": true,
		"settings": {
			"clients": [
				{"id": "mine", "email": "a", "flow": "xtls-rprx-vision"},
				{"id": "other", "email": "b", "password": "p-other", "security": "auto", "created_at": 1700000000000}
			],
			"decryption": "none",
			"encryption": "none"
		},
		"streamSettings": {"network": "tcp"}
	}`)
	require.NoError(t, err)
	require.NoError(t, engine.grants.Create(&model.Grant{PrincipalId: 1, ClientIdentity: "mine", Active: true}))

	require.NoError(t, engine.Delete(context.Background(), 1))

	inbounds := srv.Inbounds()
	require.Len(t, inbounds, 1)
	settings, err := json.Marshal(inbounds[0].Settings)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"clients": [{"id": "other", "email": "b", "password": "p-other", "security": "auto", "created_at": 1700000000000}],
		"decryption": "none",
		"encryption": "none"
	}`, string(settings))
}

func TestDeleteRemoteFailureKeepsGrant(t *testing.T) {
	engine, srv, _ := newEngine(t)
	ctx := context.Background()
	_, err := engine.Create(ctx, 1, "", 10, 3)
	require.NoError(t, err)

	srv.FailDelete = true
	assert.ErrorIs(t, engine.Delete(ctx, 1), panel.ErrRejected)

	exists, err := engine.grants.Exists(1)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteClientMissing(t *testing.T) {
	engine, _, _ := newEngine(t)
	require.NoError(t, engine.grants.Create(&model.Grant{PrincipalId: 1, ClientIdentity: "gone"}))

	assert.ErrorIs(t, engine.Delete(context.Background(), 1), panel.ErrNotFound)
	exists, err := engine.grants.Exists(1)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCheckReachability(t *testing.T) {
	engine, srv, _ := newEngine(t)
	ok, msg := engine.CheckReachability(context.Background())
	assert.True(t, ok)
	assert.NotEmpty(t, msg)

	srv.Close()
	ok, msg = engine.CheckReachability(context.Background())
	assert.False(t, ok)
	assert.Equal(t, UserMessage(ErrUnreachable), msg)
}

func TestClientLink(t *testing.T) {
	engine, _, _ := newEngine(t)
	link := engine.ClientLink(&model.Grant{ClientIdentity: "abc", Port: 21005})
	parsed, err := panel.ParseLink(link)
	require.NoError(t, err)
	assert.Equal(t, "abc", parsed.ID)
	assert.Equal(t, 21005, parsed.Port)
}

func TestUserMessageIsDistinctPerCategory(t *testing.T) {
	errs := []error{
		ErrGrantExists,
		ErrGrantNotFound,
		ErrUnreachable,
		ErrLocalState,
		panel.ErrAuth,
		panel.ErrNotFound,
		panel.ErrResourceExhausted,
		panel.ErrMalformedResponse,
		panel.ErrRejected,
		errors.New("other"),
	}
	seen := map[string]error{}
	for _, err := range errs {
		msg := UserMessage(err)
		require.NotEmpty(t, msg)
		if prev, dup := seen[msg]; dup {
			t.Fatalf("%v and %v share message %q", prev, err, msg)
		}
		seen[msg] = err
	}
	assert.Equal(t, UserMessage(ErrUnreachable), UserMessage(panel.ErrTransport))
	assert.Empty(t, UserMessage(nil))
}

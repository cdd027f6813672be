package panel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/xuibot/vpn-grant-bot/config"
	"github.com/xuibot/vpn-grant-bot/logger"
)

type inboundOp int

const (
	opList inboundOp = iota
	opAdd
	opUpdate
	opDelete
)

// route returns the method and path for op in the given layout. The
// versioned API lists with GET; legacy x-ui only accepts POST.
func route(legacy bool, op inboundOp, id int) (string, string) {
	if legacy {
		switch op {
		case opList:
			return http.MethodPost, "xui/inbound/list"
		case opAdd:
			return http.MethodPost, "xui/inbound/add"
		case opUpdate:
			return http.MethodPost, fmt.Sprintf("xui/inbound/update/%d", id)
		default:
			return http.MethodPost, fmt.Sprintf("xui/inbound/del/%d", id)
		}
	}
	switch op {
	case opList:
		return http.MethodGet, "panel/api/inbounds/list"
	case opAdd:
		return http.MethodPost, "panel/api/inbounds/add"
	case opUpdate:
		return http.MethodPost, fmt.Sprintf("panel/api/inbounds/update/%d", id)
	default:
		return http.MethodPost, fmt.Sprintf("panel/api/inbounds/del/%d", id)
	}
}

func (c *Client) useLegacy() bool {
	return c.style == config.PathStyleLegacy || c.legacy.Load()
}

// callInbounds performs op and, in auto mode, switches to the legacy layout
// for good the first time the versioned route answers 404.
func (c *Client) callInbounds(ctx context.Context, op inboundOp, id int, payload any) *Result {
	method, path := route(c.useLegacy(), op, id)
	res := c.Call(ctx, method, path, payload)
	if c.style == config.PathStyleAuto && !c.legacy.Load() && res.Status == http.StatusNotFound {
		logger.Info("panel has no versioned inbound API, switching to legacy paths")
		c.legacy.Store(true)
		method, path = route(true, op, id)
		res = c.Call(ctx, method, path, payload)
	}
	return res
}

// ListInbounds fetches every inbound with normalized settings.
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	res := c.callInbounds(ctx, opList, 0, nil)
	if err := res.AsError(); err != nil {
		return nil, fmt.Errorf("list inbounds: %w", err)
	}
	if isNull(res.Data) {
		return []Inbound{}, nil
	}
	var inbounds []Inbound
	if err := json.Unmarshal(res.Data, &inbounds); err != nil {
		return nil, fmt.Errorf("list inbounds: %w: %v", ErrMalformedResponse, err)
	}
	return inbounds, nil
}

// AddInbound creates in on the panel. The returned inbound carries the
// panel-assigned id when the panel echoes it back.
func (c *Client) AddInbound(ctx context.Context, in *Inbound) (*Inbound, error) {
	res := c.callInbounds(ctx, opAdd, 0, in)
	if err := res.AsError(); err != nil {
		return nil, fmt.Errorf("add inbound on port %d: %w", in.Port, err)
	}
	created := *in
	if !isNull(res.Data) {
		var echoed Inbound
		if err := json.Unmarshal(res.Data, &echoed); err == nil && echoed.Id > 0 {
			created.Id = echoed.Id
			created.Tag = echoed.Tag
		}
	}
	return &created, nil
}

// UpdateInbound replaces the inbound with id in.Id.
func (c *Client) UpdateInbound(ctx context.Context, in *Inbound) error {
	res := c.callInbounds(ctx, opUpdate, in.Id, in)
	if err := res.AsError(); err != nil {
		return fmt.Errorf("update inbound %d: %w", in.Id, err)
	}
	return nil
}

// DeleteInbound removes the inbound with the given id.
func (c *Client) DeleteInbound(ctx context.Context, id int) error {
	res := c.callInbounds(ctx, opDelete, id, nil)
	if err := res.AsError(); err != nil {
		return fmt.Errorf("delete inbound %d: %w", id, err)
	}
	return nil
}

// CheckConnection logs in and performs one listing call.
func (c *Client) CheckConnection(ctx context.Context) error {
	if _, err := c.Authenticate(ctx); err != nil {
		return err
	}
	_, err := c.ListInbounds(ctx)
	return err
}

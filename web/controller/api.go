package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xuibot/vpn-grant-bot/database/model"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/web/entity"
	"github.com/xuibot/vpn-grant-bot/web/service"

	"github.com/gin-gonic/gin"
)

type Reachability interface {
	CheckReachability(ctx context.Context) (bool, string)
}

type StatsReader interface {
	Snapshot(ctx context.Context) service.Snapshot
}

type GrantLister interface {
	ListAll() ([]*model.Grant, error)
}

// APIController serves the status endpoints.
type APIController struct {
	BaseController

	reach  Reachability
	stats  StatsReader
	grants GrantLister
}

func NewAPIController(g *gin.RouterGroup, apiKey string, reach Reachability, stats StatsReader, grants GrantLister) *APIController {
	a := &APIController{
		BaseController: BaseController{apiKey: apiKey},
		reach:          reach,
		stats:          stats,
		grants:         grants,
	}
	a.initRouter(g)
	return a
}

func (a *APIController) initRouter(g *gin.RouterGroup) {
	g.GET("/health", a.health)

	api := g.Group("/api")
	api.GET("/stats", a.getStats)

	protected := api.Group("")
	protected.Use(a.checkAPIKey)
	protected.GET("/grants", a.getGrants)
	protected.GET("/logs", a.getLogs)
}

func (a *APIController) health(c *gin.Context) {
	ok, msg := a.reach.CheckReachability(c.Request.Context())
	if !ok {
		logger.Warning("health check from ", getRemoteIp(c), ": ", msg)
		pureJsonMsg(c, http.StatusServiceUnavailable, false, msg)
		return
	}
	pureJsonMsg(c, http.StatusOK, true, msg)
}

func (a *APIController) getStats(c *gin.Context) {
	jsonObj(c, a.stats.Snapshot(c.Request.Context()), nil)
}

func (a *APIController) getGrants(c *gin.Context) {
	grants, err := a.grants.ListAll()
	if err != nil {
		jsonMsgObj(c, "list grants", nil, err)
		return
	}
	out := make([]entity.GrantView, 0, len(grants))
	for _, g := range grants {
		out = append(out, entity.NewGrantView(g))
	}
	jsonObj(c, out, nil)
}

// getLogs returns the newest buffered log lines. Query: count (default 50),
// level (default INFO).
func (a *APIController) getLogs(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "50"))
	if err != nil || count <= 0 {
		pureJsonMsg(c, http.StatusBadRequest, false, "invalid count")
		return
	}
	jsonObj(c, logger.GetLogs(count, c.DefaultQuery("level", "INFO")), nil)
}

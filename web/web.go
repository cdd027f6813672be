// Package web wires the bot process together: the Telegram bot, the
// background jobs and the optional status HTTP server.
package web

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/xuibot/vpn-grant-bot/caching"
	"github.com/xuibot/vpn-grant-bot/config"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/panel"
	"github.com/xuibot/vpn-grant-bot/web/controller"
	"github.com/xuibot/vpn-grant-bot/web/job"
	"github.com/xuibot/vpn-grant-bot/web/service"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

const shutdownTimeout = 5 * time.Second

// Server owns the long-running parts of the bot.
type Server struct {
	cfg *config.BotConfig

	httpServer *http.Server
	listener   net.Listener

	api *controller.APIController

	grantService     *service.GrantService
	provisionService *service.ProvisionService
	statsService     *service.StatsService
	tgbot            *service.Tgbot
	cache            *caching.Cache

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the services for cfg. Nothing is started until Start.
func NewServer(cfg *config.BotConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	client := panel.NewClientFromConfig(cfg)
	grants := &service.GrantService{}
	cache := caching.NewCache()
	provision := service.NewProvisionService(client, grants, cfg)
	stats := service.NewStatsService(client, grants, cache)
	return &Server{
		cfg:              cfg,
		grantService:     grants,
		provisionService: provision,
		statsService:     stats,
		tgbot:            service.NewTgbot(cfg, provision, grants, stats),
		cache:            cache,
		ctx:              ctx,
		cancel:           cancel,
	}
}

func (s *Server) initRouter() *gin.Engine {
	if config.IsDebug() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.DefaultWriter = io.Discard
		gin.DefaultErrorWriter = io.Discard
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gzip.Gzip(gzip.DefaultCompression))

	s.api = controller.NewAPIController(&engine.RouterGroup, s.cfg.StatusAPIKey, s.provisionService, s.statsService, s.grantService)

	engine.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusNotFound)
	})
	return engine
}

// startTask schedules the usage sync and, when configured, the CPU alert.
func (s *Server) startTask() error {
	if _, err := s.cron.AddJob(s.cfg.SyncSchedule, job.NewGrantSyncJob(s.statsService, s.tgbot)); err != nil {
		return err
	}
	if s.cfg.CpuAlertPercent > 0 {
		if _, err := s.cron.AddJob("@every 1m", job.NewCheckCpuJob(s.statsService, s.tgbot, s.cfg.CpuAlertPercent)); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the bot, the scheduler and, if StatusListen is set, the
// status server.
func (s *Server) Start() (err error) {
	defer func() {
		if err != nil {
			_ = s.Stop()
		}
	}()

	s.cron = cron.New()
	if err = s.startTask(); err != nil {
		return err
	}
	s.cron.Start()

	if s.cfg.StatusListen != "" {
		listener, err := net.Listen("tcp", s.cfg.StatusListen)
		if err != nil {
			return err
		}
		logger.Info("Status server running HTTP on ", listener.Addr())
		s.listener = listener
		s.httpServer = &http.Server{Handler: s.initRouter()}
		go func() {
			_ = s.httpServer.Serve(listener)
		}()
	}

	if s.cfg.BotToken == "" {
		logger.Warning("BOT_TOKEN is empty, telegram bot disabled")
		return nil
	}
	return s.tgbot.Start(s.ctx)
}

// Stop shuts down the bot, the scheduler and the status server.
func (s *Server) Stop() error {
	s.cancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.tgbot.IsRunning() {
		s.tgbot.Stop()
	}
	var err1, err2 error
	if s.httpServer != nil {
		// Shutdown also closes the listener
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err1 = s.httpServer.Shutdown(ctx)
	} else if s.listener != nil {
		err1 = s.listener.Close()
	}
	err2 = s.cache.Flush()
	return errors.Join(err1, err2)
}

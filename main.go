package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xuibot/vpn-grant-bot/caching"
	"github.com/xuibot/vpn-grant-bot/config"
	"github.com/xuibot/vpn-grant-bot/database"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/panel"
	"github.com/xuibot/vpn-grant-bot/util/common"
	"github.com/xuibot/vpn-grant-bot/web"
	"github.com/xuibot/vpn-grant-bot/web/service"

	"github.com/op/go-logging"
	"github.com/spf13/cobra"
)

func initLogger() {
	switch config.GetLogLevel() {
	case config.Debug:
		logger.InitLogger(logging.DEBUG)
	case config.Info:
		logger.InitLogger(logging.INFO)
	case config.Notice:
		logger.InitLogger(logging.NOTICE)
	case config.Warn:
		logger.InitLogger(logging.WARNING)
	case config.Error:
		logger.InitLogger(logging.ERROR)
	default:
		log.Fatal("unknown log level:", config.GetLogLevel())
	}
}

func loadConfig() (*config.BotConfig, error) {
	return config.LoadBotConfig(config.GetConfigPath())
}

// reloadServer swaps server for one built from the current config file. An
// unreadable or invalid config leaves server running.
func reloadServer(server *web.Server) (*web.Server, error) {
	cfg, err := loadConfig()
	if err != nil {
		logger.Warning("reload config failed, keeping current server: ", err)
		return server, nil
	}
	if err := server.Stop(); err != nil {
		logger.Warning("stop server err:", err)
	}
	next := web.NewServer(cfg)
	if err := next.Start(); err != nil {
		return nil, err
	}
	return next, nil
}

func runBot() {
	log.Printf("%v %v", config.GetName(), config.GetVersion())
	initLogger()
	defer logger.CloseLogger()

	cfg, err := loadConfig()
	if err != nil {
		log.Println(err)
		return
	}
	if err := database.InitDB(config.GetDBPath()); err != nil {
		log.Println(err)
		return
	}
	defer database.CloseDB()

	server := web.NewServer(cfg)
	if err := server.Start(); err != nil {
		log.Println(err)
		return
	}

	sigCh := make(chan os.Signal, 1)
	// Trap shutdown signals
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
	for {
		sig := <-sigCh

		switch sig {
		case syscall.SIGHUP:
			if server, err = reloadServer(server); err != nil {
				log.Println(err)
				return
			}
		default:
			if err := server.Stop(); err != nil {
				logger.Warning("stop server err:", err)
			}
			return
		}
	}
}

func checkPanel() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.PanelTimeout)*2*time.Second)
	defer cancel()

	client := panel.NewClientFromConfig(cfg)
	provision := service.NewProvisionService(client, &service.GrantService{}, cfg)
	ok, msg := provision.CheckReachability(ctx)
	fmt.Println(msg)
	if !ok {
		os.Exit(1)
	}
}

func showGrants() {
	if err := database.InitDB(config.GetDBPath()); err != nil {
		fmt.Println(err)
		return
	}
	defer database.CloseDB()

	grantService := service.GrantService{}
	grants, err := grantService.ListAll()
	if err != nil {
		fmt.Println("list grants failed:", err)
		return
	}
	if len(grants) == 0 {
		fmt.Println("no grants")
		return
	}
	now := time.Now()
	for _, g := range grants {
		status := "active"
		if !g.Active {
			status = "inactive"
		}
		fmt.Printf("%d\t@%s\tport %d\t%s / %s\t%d days\t%s\n",
			g.PrincipalId, g.Username, g.Port,
			common.FormatTraffic(g.TrafficUsedBytes), common.FormatTraffic(g.TrafficLimitBytes),
			g.RemainingDays(now), status)
	}
}

func showStats() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Println(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.PanelTimeout)*2*time.Second)
	defer cancel()

	cache := caching.NewCache()
	defer cache.Flush()
	stats := service.NewStatsService(panel.NewClientFromConfig(cfg), &service.GrantService{}, cache)
	snap := stats.Snapshot(ctx)
	fmt.Printf("cpu: %.1f%%\nram: %.1f%%\nupload: %s\ndownload: %s\ninbounds: %d\n",
		snap.CpuPercent, snap.RamPercent,
		common.FormatTraffic(snap.TotalUploadBytes), common.FormatTraffic(snap.TotalDownloadBytes),
		snap.InboundCount)
}

func main() {
	var rootCmd = &cobra.Command{
		Use: config.GetName(),
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the telegram bot",
		Run: func(cmd *cobra.Command, args []string) {
			runBot()
		},
	}

	var checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Log in to the panel and list its inbounds",
		Run: func(cmd *cobra.Command, args []string) {
			checkPanel()
		},
	}

	var grantsCmd = &cobra.Command{
		Use:   "grants",
		Short: "Show locally stored grants",
		Run: func(cmd *cobra.Command, args []string) {
			showGrants()
		},
	}

	var statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show VPN server stats",
		Run: func(cmd *cobra.Command, args []string) {
			showStats()
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.GetName(), config.GetVersion())
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd, grantsCmd, statsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

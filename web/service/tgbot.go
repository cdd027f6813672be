package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/skip2/go-qrcode"
	"github.com/xuibot/vpn-grant-bot/config"
	"github.com/xuibot/vpn-grant-bot/database/model"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/util/common"

	"go.uber.org/atomic"
)

const (
	dateFormat   = "02.01.2006"
	messageLimit = 4000
	qrSize       = 384
	logLines     = 20
)

// Tgbot is the chat front end: it maps commands and menu buttons onto the
// provisioning engine and the registry.
type Tgbot struct {
	cfg       *config.BotConfig
	provision *ProvisionService
	grants    GrantStore
	stats     *StatsService

	bot     *telego.Bot
	handler *th.BotHandler
	cancel  context.CancelFunc
	running atomic.Bool

	locks principalLocks
}

func NewTgbot(cfg *config.BotConfig, provision *ProvisionService, grants GrantStore, stats *StatsService) *Tgbot {
	return &Tgbot{
		cfg:       cfg,
		provision: provision,
		grants:    grants,
		stats:     stats,
	}
}

// principalLocks hands out one mutex per Telegram user so that two presses
// by the same user run one after the other.
type principalLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (l *principalLocks) lock(id int64) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int64]*sync.Mutex)
	}
	m, ok := l.m[id]
	if !ok {
		m = &sync.Mutex{}
		l.m[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (t *Tgbot) Start(ctx context.Context) error {
	if t.cfg.BotToken == "" {
		return common.NewError("telegram bot token is empty")
	}
	if t.running.Load() {
		return nil
	}

	var err error
	t.bot, err = telego.NewBot(t.cfg.BotToken)
	if err != nil {
		logger.Warning("create telegram bot failed: ", err)
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)
	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 10})
	if err != nil {
		t.cancel()
		return err
	}
	t.handler, err = th.NewBotHandler(t.bot, updates)
	if err != nil {
		t.cancel()
		return err
	}
	t.registerHandlers()

	logger.Info("Starting Telegram receiver ...")
	t.running.Store(true)
	go func() {
		if err := t.handler.Start(); err != nil {
			logger.Error("telegram handler stopped: ", err)
		}
		t.running.Store(false)
	}()
	return nil
}

func (t *Tgbot) IsRunning() bool {
	return t.running.Load()
}

func (t *Tgbot) Stop() {
	if !t.running.Load() {
		return
	}
	if err := t.handler.Stop(); err != nil {
		logger.Warning("stop telegram handler: ", err)
	}
	t.cancel()
	t.running.Store(false)
	logger.Info("Stop Telegram receiver ...")
}

func (t *Tgbot) registerHandlers() {
	bh := t.handler

	bh.HandleMessage(t.onStart, th.CommandEqual("start"))
	bh.HandleMessage(t.onHelp, th.CommandEqual("help"))
	bh.HandleMessage(t.onDelete, th.CommandEqual("delete"))

	callbacks := map[string]func(ctx context.Context, q telego.CallbackQuery) error{
		"renew":        t.onRenewMenu,
		"renew_basic":  t.onRenewBasic,
		"stats":        t.onStats,
		"config":       t.onConfig,
		"help_menu":    t.onHelpMenu,
		"back_menu":    t.onBackMenu,
		"admin_menu":   t.adminOnly(t.onAdminMenu),
		"server_stats": t.adminOnly(t.onServerStats),
		"check_panel":  t.adminOnly(t.onCheckPanel),
		"grants":       t.adminOnly(t.onGrants),
		"logs":         t.adminOnly(t.onLogs),
	}
	for data, fn := range callbacks {
		bh.HandleCallbackQuery(func(ctx *th.Context, q telego.CallbackQuery) error {
			t.answerCallback(ctx, q.ID, "")
			return fn(ctx, q)
		}, th.AnyCallbackQueryWithMessage(), th.CallbackDataEqual(data))
	}

	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		t.SendMsgToTgbot(ctx, message.Chat.ID, "❗ Unknown command")
		return nil
	}, th.AnyCommand())
}

func (t *Tgbot) adminOnly(fn func(ctx context.Context, q telego.CallbackQuery) error) func(ctx context.Context, q telego.CallbackQuery) error {
	return func(ctx context.Context, q telego.CallbackQuery) error {
		if !t.cfg.IsAdmin(q.From.ID) {
			logger.Warningf("non-admin %d pressed an admin button", q.From.ID)
			return nil
		}
		return fn(ctx, q)
	}
}

func (t *Tgbot) onStart(ctx *th.Context, message telego.Message) error {
	if message.From == nil {
		return nil
	}
	user := message.From
	chatId := message.Chat.ID
	logger.Infof("/start from %d", user.ID)

	unlock := t.locks.lock(user.ID)
	defer unlock()

	exists, err := t.grants.Exists(user.ID)
	if err != nil {
		logger.Error("check grant: ", err)
		t.SendMsgToTgbot(ctx, chatId, "❌ "+UserMessage(fmt.Errorf("%w: %v", ErrLocalState, err)))
		return nil
	}
	if !exists {
		res, err := t.provision.Create(ctx, user.ID, user.Username, t.cfg.TrialTrafficGB, t.cfg.TrialDays)
		if err != nil {
			t.SendMsgToTgbot(ctx, chatId, "❌ "+UserMessage(err))
			return nil
		}
		t.SendMsgToTgbot(ctx, chatId, "🎉 Your VPN access is active!\n\n🔑 Configuration:\n<code>"+html.EscapeString(res.Link)+"</code>")
		t.sendQRCode(ctx, chatId, res.Link)
	}

	return t.showMainMenu(ctx, chatId, 0, user.ID, user.FirstName)
}

func (t *Tgbot) onHelp(ctx *th.Context, message telego.Message) error {
	t.SendMsgToTgbot(ctx, message.Chat.ID, helpText(), tu.InlineKeyboard(backRow()))
	return nil
}

func (t *Tgbot) onDelete(ctx *th.Context, message telego.Message) error {
	if message.From == nil || !t.cfg.IsAdmin(message.From.ID) {
		t.SendMsgToTgbot(ctx, message.Chat.ID, "❗ Unknown command")
		return nil
	}
	args := strings.Fields(message.Text)
	if len(args) < 2 {
		t.SendMsgToTgbot(ctx, message.Chat.ID, "Usage: /delete <telegram id>")
		return nil
	}
	principalId, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		t.SendMsgToTgbot(ctx, message.Chat.ID, "❗ Invalid telegram id")
		return nil
	}

	unlock := t.locks.lock(principalId)
	defer unlock()

	if err := t.provision.Delete(ctx, principalId); err != nil {
		t.SendMsgToTgbot(ctx, message.Chat.ID, fmt.Sprintf("❌ %d: %s", principalId, UserMessage(err)))
		return nil
	}
	t.SendMsgToTgbot(ctx, message.Chat.ID, fmt.Sprintf("✅ Grant of %d deleted.", principalId))
	return nil
}

func (t *Tgbot) onRenewMenu(ctx context.Context, q telego.CallbackQuery) error {
	label := fmt.Sprintf("+%d days +%d GB", t.cfg.RenewDays, t.cfg.RenewTrafficGB)
	kb := tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton(label).WithCallbackData("renew_basic")),
		backRow(),
	)
	t.editMessageTgBot(ctx, q, "🎁 Extend your subscription:\n\nChoose an option:", kb)
	return nil
}

func (t *Tgbot) onRenewBasic(ctx context.Context, q telego.CallbackQuery) error {
	unlock := t.locks.lock(q.From.ID)
	defer unlock()

	grant, err := t.provision.Renew(ctx, q.From.ID, t.cfg.RenewTrafficGB, t.cfg.RenewDays)
	if err != nil {
		t.editMessageTgBot(ctx, q, "❌ "+UserMessage(err), tu.InlineKeyboard(backRow()))
		return nil
	}
	text := fmt.Sprintf("✅ Subscription extended!\n\n📅 Until: %s\n📶 Traffic: %s",
		grant.ExpiryDate.Format(dateFormat), common.FormatTraffic(grant.TrafficLimitBytes))
	t.editMessageTgBot(ctx, q, text, tu.InlineKeyboard(backRow()))
	return nil
}

func (t *Tgbot) onStats(ctx context.Context, q telego.CallbackQuery) error {
	grant, err := t.grants.Get(q.From.ID)
	if err != nil {
		t.editMessageTgBot(ctx, q, "❌ "+UserMessage(err), tu.InlineKeyboard(backRow()))
		return nil
	}
	t.editMessageTgBot(ctx, q, userStatsText(grant, time.Now()), tu.InlineKeyboard(backRow()))
	return nil
}

func (t *Tgbot) onConfig(ctx context.Context, q telego.CallbackQuery) error {
	grant, err := t.grants.Get(q.From.ID)
	if err != nil {
		t.editMessageTgBot(ctx, q, "❌ "+UserMessage(err), tu.InlineKeyboard(backRow()))
		return nil
	}
	link := t.provision.ClientLink(grant)
	chatId := q.Message.GetChat().ID
	t.SendMsgToTgbot(ctx, chatId, "🔑 Configuration:\n<code>"+html.EscapeString(link)+"</code>")
	t.sendQRCode(ctx, chatId, link)
	return nil
}

func (t *Tgbot) onHelpMenu(ctx context.Context, q telego.CallbackQuery) error {
	t.editMessageTgBot(ctx, q, helpText(), tu.InlineKeyboard(backRow()))
	return nil
}

func (t *Tgbot) onBackMenu(ctx context.Context, q telego.CallbackQuery) error {
	return t.showMainMenu(ctx, q.Message.GetChat().ID, q.Message.GetMessageID(), q.From.ID, q.From.FirstName)
}

func (t *Tgbot) onAdminMenu(ctx context.Context, q telego.CallbackQuery) error {
	kb := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📈 Server stats").WithCallbackData("server_stats"),
			tu.InlineKeyboardButton("🔌 Check panel").WithCallbackData("check_panel"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("👥 Grants").WithCallbackData("grants"),
			tu.InlineKeyboardButton("📜 Logs").WithCallbackData("logs"),
		),
		backRow(),
	)
	hostname, _ := os.Hostname()
	t.editMessageTgBot(ctx, q, fmt.Sprintf("👑 Admin panel\n💻 Host: %s\n🚀 Version: %s", html.EscapeString(hostname), config.GetVersion()), kb)
	return nil
}

func (t *Tgbot) onServerStats(ctx context.Context, q telego.CallbackQuery) error {
	snap := t.stats.Snapshot(ctx)
	t.editMessageTgBot(ctx, q, serverStatsText(snap), adminBack())
	return nil
}

func (t *Tgbot) onCheckPanel(ctx context.Context, q telego.CallbackQuery) error {
	ok, msg := t.provision.CheckReachability(ctx)
	icon := "✅"
	if !ok {
		icon = "❌"
	}
	t.editMessageTgBot(ctx, q, icon+" "+msg, adminBack())
	return nil
}

func (t *Tgbot) onGrants(ctx context.Context, q telego.CallbackQuery) error {
	grants, err := t.grants.ListAll()
	if err != nil {
		logger.Error("list grants: ", err)
		t.editMessageTgBot(ctx, q, "❌ "+UserMessage(fmt.Errorf("%w: %v", ErrLocalState, err)), adminBack())
		return nil
	}
	t.editMessageTgBot(ctx, q, grantsText(grants, time.Now()), adminBack())
	return nil
}

func (t *Tgbot) onLogs(ctx context.Context, q telego.CallbackQuery) error {
	t.editMessageTgBot(ctx, q, logsText(logger.GetLogs(logLines, "WARNING")), adminBack())
	return nil
}

func (t *Tgbot) showMainMenu(ctx context.Context, chatId int64, messageID int, principalId int64, firstName string) error {
	grant, err := t.grants.Get(principalId)
	var text string
	switch {
	case errors.Is(err, ErrGrantNotFound):
		text = "❌ No VPN profile found, send /start first"
	case err != nil:
		logger.Error("load grant: ", err)
		text = "❌ " + UserMessage(fmt.Errorf("%w: %v", ErrLocalState, err))
	default:
		text = mainMenuText(firstName, grant, time.Now())
	}

	kb := mainKeyboard(t.cfg.IsAdmin(principalId))
	if messageID != 0 {
		t.editMessageText(ctx, chatId, messageID, text, kb)
	} else {
		t.SendMsgToTgbot(ctx, chatId, text, kb)
	}
	return nil
}

func (t *Tgbot) sendQRCode(ctx context.Context, chatId int64, link string) {
	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		logger.Warning("render qr code: ", err)
		return
	}
	photo := tu.Photo(tu.ID(chatId), tu.File(tu.NameReader(bytes.NewReader(png), "vpn.png")))
	if _, err := t.bot.SendPhoto(ctx, photo); err != nil {
		logger.Warning("Error sending qr code: ", err)
	}
}

// SendMsgToTgbot sends msg as HTML, split into several messages when it is
// longer than Telegram allows.
func (t *Tgbot) SendMsgToTgbot(ctx context.Context, chatId int64, msg string, replyMarkup ...telego.ReplyMarkup) {
	if !t.running.Load() {
		return
	}
	if msg == "" {
		logger.Info("[tgbot] message is empty!")
		return
	}

	parts := splitMessage(msg, messageLimit)
	for i, part := range parts {
		params := tu.Message(tu.ID(chatId), part).WithParseMode(telego.ModeHTML)
		if len(replyMarkup) > 0 && i == len(parts)-1 {
			params = params.WithReplyMarkup(replyMarkup[0])
		}
		if _, err := t.bot.SendMessage(ctx, params); err != nil {
			logger.Warning("Error sending telegram message: ", err)
		}
	}
}

func (t *Tgbot) SendMsgToTgbotAdmins(ctx context.Context, msg string) {
	for _, adminId := range t.cfg.AdminIDs {
		t.SendMsgToTgbot(ctx, adminId, msg)
	}
}

func (t *Tgbot) answerCallback(ctx context.Context, id string, text string) {
	params := tu.CallbackQuery(id)
	if text != "" {
		params = params.WithText(text)
	}
	if err := t.bot.AnswerCallbackQuery(ctx, params); err != nil {
		logger.Warning(err)
	}
}

func (t *Tgbot) editMessageTgBot(ctx context.Context, q telego.CallbackQuery, text string, kb *telego.InlineKeyboardMarkup) {
	if q.Message == nil {
		return
	}
	t.editMessageText(ctx, q.Message.GetChat().ID, q.Message.GetMessageID(), text, kb)
}

func (t *Tgbot) editMessageText(ctx context.Context, chatId int64, messageID int, text string, kb *telego.InlineKeyboardMarkup) {
	params := &telego.EditMessageTextParams{
		ChatID:      tu.ID(chatId),
		MessageID:   messageID,
		Text:        text,
		ParseMode:   telego.ModeHTML,
		ReplyMarkup: kb,
	}
	if _, err := t.bot.EditMessageText(ctx, params); err != nil {
		logger.Warning(err)
	}
}

func mainKeyboard(isAdmin bool) *telego.InlineKeyboardMarkup {
	rows := [][]telego.InlineKeyboardButton{
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("🔄 Renew subscription").WithCallbackData("renew")),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📊 My stats").WithCallbackData("stats"),
			tu.InlineKeyboardButton("🔑 My config").WithCallbackData("config"),
		),
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("🆘 Help").WithCallbackData("help_menu")),
	}
	if isAdmin {
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("👑 Admin panel").WithCallbackData("admin_menu")))
	}
	return tu.InlineKeyboard(rows...)
}

func backRow() []telego.InlineKeyboardButton {
	return tu.InlineKeyboardRow(tu.InlineKeyboardButton("⬅️ Back to menu").WithCallbackData("back_menu"))
}

func adminBack() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("⬅️ Admin panel").WithCallbackData("admin_menu")),
	)
}

func helpText() string {
	return "🆘 <b>Help</b>\n\n" +
		"1. Install a VLESS client (v2rayNG, Streisand, Hiddify).\n" +
		"2. Press <b>My config</b> and import the link or scan the QR code.\n" +
		"3. Press <b>Renew subscription</b> before your days or traffic run out."
}

func mainMenuText(firstName string, grant *model.Grant, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "👋 Hello, %s!\n\n", html.EscapeString(firstName))
	if !grant.Active || grant.IsExhausted(now) {
		sb.WriteString("⛔ Your access is inactive, renew to continue.\n\n")
	}
	fmt.Fprintf(&sb, "• Days left: %d\n", grant.RemainingDays(now))
	fmt.Fprintf(&sb, "• Traffic left: %s\n\n", common.FormatTraffic(grant.RemainingBytes()))
	sb.WriteString("Choose an action:")
	return sb.String()
}

func userStatsText(grant *model.Grant, now time.Time) string {
	username := grant.Username
	if username == "" {
		username = strconv.FormatInt(grant.PrincipalId, 10)
	}
	return fmt.Sprintf("📊 Your stats:\n\n🆔 @%s\n📅 Until: %s (%d days)\n📶 Traffic: %s / %s",
		html.EscapeString(username),
		grant.ExpiryDate.Format(dateFormat),
		grant.RemainingDays(now),
		common.FormatTraffic(grant.TrafficUsedBytes),
		common.FormatTraffic(grant.TrafficLimitBytes),
	)
}

func serverStatsText(snap Snapshot) string {
	return fmt.Sprintf("📈 Server stats:\n\n🖥 CPU: %.1f%%\n💾 RAM: %.1f%%\n🔼 Upload: %s\n🔽 Download: %s\n🔌 Inbounds: %d",
		snap.CpuPercent,
		snap.RamPercent,
		common.FormatTraffic(snap.TotalUploadBytes),
		common.FormatTraffic(snap.TotalDownloadBytes),
		snap.InboundCount,
	)
}

func grantsText(grants []*model.Grant, now time.Time) string {
	if len(grants) == 0 {
		return "👥 No grants yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "👥 Grants: %d\n", len(grants))
	for _, g := range grants {
		state := "✅"
		if !g.Active || g.IsExhausted(now) {
			state = "⛔"
		}
		fmt.Fprintf(&sb, "\r\n \r\n%s <code>%d</code> @%s port %d, %d days, %s / %s",
			state, g.PrincipalId, html.EscapeString(g.Username), g.Port, g.RemainingDays(now),
			common.FormatTraffic(g.TrafficUsedBytes), common.FormatTraffic(g.TrafficLimitBytes))
	}
	return sb.String()
}

func logsText(lines []string) string {
	if len(lines) == 0 {
		return "📜 No warnings logged."
	}
	var sb strings.Builder
	sb.WriteString("📜 Recent warnings:\n")
	for _, line := range lines {
		sb.WriteString("\n<code>")
		sb.WriteString(html.EscapeString(line))
		sb.WriteString("</code>")
	}
	return sb.String()
}

// splitMessage pages msg on the "\r\n \r\n" separator so each page stays
// within limit where possible.
func splitMessage(msg string, limit int) []string {
	if len(msg) <= limit {
		return []string{msg}
	}
	const sep = "\r\n \r\n"
	var pages []string
	for _, block := range strings.Split(msg, sep) {
		last := len(pages) - 1
		if last < 0 || len(pages[last])+len(sep)+len(block) > limit {
			pages = append(pages, block)
		} else {
			pages[last] += sep + block
		}
	}
	return pages
}

// NotifyUser sends a plain notice to one user.
func (t *Tgbot) NotifyUser(ctx context.Context, chatId int64, msg string) {
	t.SendMsgToTgbot(ctx, chatId, msg)
}

package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/core"
	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Order and trade-close alerts
//   🚨 Kill-switch and square-off events
//   📊 Status, positions and risk on demand
//   🎛️ Remote /stop and /panic
//
// ═══════════════════════════════════════════════════════════════════════════════

// Engine is the control surface the commands need; *core.Engine satisfies it.
type Engine interface {
	IsRunning() bool
	Mode() string
	Health() core.HealthReport
	Status() core.StatusReport
	Stop()
	PanicSquareOff(ctx context.Context) error
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	engine Engine
}

var _ core.Notifier = (*TelegramBot)(nil)

// NewTelegramBot creates the bot and verifies the token against the API.
func NewTelegramBot(token string, chatID int64, engine Engine) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		engine: engine,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return bot, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyStartup announces the boot banner.
func (b *TelegramBot) NotifyStartup(mode string, capital decimal.Decimal, squareOff string) {
	msg := fmt.Sprintf(`🚀 *TRADEPULSE STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Capital: *₹%s*
⏰ Square-off: *%s*

━━━━━━━━━━━━━━━━━━━━
Use /help for commands`,
		mode, capital.StringFixed(2), squareOff)

	b.sendMarkdown(msg)
}

// NotifyOrder sends an order-placed alert. A zero price means market.
func (b *TelegramBot) NotifyOrder(symbol string, side types.Side, qty int64, price decimal.Decimal, tag string) {
	emoji := "🟢"
	if side == types.SideSell {
		emoji = "🔴"
	}

	priceStr := "MKT"
	if price.IsPositive() {
		priceStr = "₹" + price.StringFixed(2)
	}

	msg := fmt.Sprintf(`%s *ORDER PLACED*

📊 *%s* - %s
━━━━━━━━━━━━━━━━
📦 Qty: *%d*
💵 Ref: *%s*
🏷️ %s`,
		emoji, symbol, side, qty, priceStr, tag)

	b.sendMarkdown(msg)
}

// NotifyTradeClosed sends the realized result of a round trip.
func (b *TelegramBot) NotifyTradeClosed(symbol string, pnl decimal.Decimal) {
	emoji := "📈"
	sign := "+"
	if pnl.IsNegative() {
		emoji = "📉"
		sign = ""
	}

	msg := fmt.Sprintf(`%s *TRADE CLOSED*

📊 %s
💵 P&L: *%s₹%s*`,
		emoji, symbol, sign, pnl.StringFixed(2))

	b.sendMarkdown(msg)
}

// NotifyEvent relays engine lifecycle events (start, square-off, kill switch).
func (b *TelegramBot) NotifyEvent(title, body string) {
	emoji := "📢"
	upper := strings.ToUpper(title)
	switch {
	case strings.Contains(upper, "PANIC"), strings.Contains(upper, "KILL"):
		emoji = "🚨"
	case strings.Contains(upper, "SQUARE"):
		emoji = "🟥"
	}

	b.sendMarkdown(fmt.Sprintf("%s *%s*\n\n%s", emoji, title, body))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "health":
		b.cmdHealth()
	case "positions":
		b.cmdPositions()
	case "risk":
		b.cmdRisk()
	case "stop":
		b.cmdStop()
	case "panic":
		b.cmdPanic()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *TRADEPULSE COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status - Engine status
🩺 /health - Component health
💼 /positions - Open positions
🛡️ /risk - Day PnL and limits
🛑 /stop - Stop loops, keep positions
🚨 /panic - Flatten everything, then stop
🏓 /ping - Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	if b.engine == nil {
		b.send("❌ Engine not attached")
		return
	}

	st := b.engine.Status()
	state := "🔴 STOPPED"
	if st.Running {
		state = "🟢 RUNNING"
	}

	open := 0
	for _, p := range st.Positions {
		if p.Position != 0 {
			open++
		}
	}

	msg := fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
🎯 Strategy: *%s*
💼 Open positions: *%d*
📦 Orders placed: *%d* (rejected %d)`,
		state, b.engine.Mode(), orDash(st.Strategy), open, st.Placed, st.Rejected)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdHealth() {
	if b.engine == nil {
		b.send("❌ Engine not attached")
		return
	}

	h := b.engine.Health()
	emoji := "🟢"
	switch h.Status {
	case "degraded":
		emoji = "🟡"
	case "critical":
		emoji = "🔴"
	}

	feed := "connected"
	if !h.FeedConnected {
		feed = "DOWN"
	}
	kill := "off"
	if h.KillSwitch {
		kill = "🚨 TRIPPED"
	}

	msg := fmt.Sprintf(`🩺 *HEALTH: %s %s*
━━━━━━━━━━━━━━━━━━━━

📡 Feed: *%s*
⚡ Breaker: *%s*
🛑 Kill switch: *%s*
📥 Tick queue: *%d/%d* (shed %d)
📤 Order queue: *%d/%d*`,
		emoji, strings.ToUpper(h.Status),
		feed, h.Breaker, kill,
		h.Queues.TickQSize, h.Queues.TickQCap, h.Queues.TicksDropped+h.TicksShed,
		h.Queues.OrderQSize, h.Queues.OrderQCap)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	if b.engine == nil {
		b.send("❌ Engine not attached")
		return
	}

	st := b.engine.Status()
	var open []types.PositionSnapshot
	for _, p := range st.Positions {
		if p.Position != 0 {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, p := range open {
		sideEmoji := "🟢"
		if p.Position < 0 {
			sideEmoji = "🔴"
		}
		sign := "+"
		if p.UnrealizedPnl.IsNegative() {
			sign = ""
		}
		msg += fmt.Sprintf(`%s *%s* × %d
💵 Avg: ₹%s | LTP: ₹%s
📈 Unrealized: %s₹%s

`,
			sideEmoji, p.Symbol, p.Position,
			p.AvgPrice.StringFixed(2), p.LastPrice.StringFixed(2),
			sign, p.UnrealizedPnl.StringFixed(2))
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdRisk() {
	if b.engine == nil {
		b.send("❌ Engine not attached")
		return
	}

	r := b.engine.Status().Risk
	sign := "+"
	if r.NetPnl.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`🛡️ *RISK*
━━━━━━━━━━━━━━━━━━━━

💵 Net P&L: *%s₹%s*
📉 Daily loss cap: *₹%s*
🧾 Est. charges: *₹%s*
🔄 Turnover: *₹%s*
💼 Trades: *%d today, %d open* (max %d)
🛑 Status: *%s*`,
		sign, r.NetPnl.StringFixed(2),
		r.MaxDailyLoss.StringFixed(2),
		r.EstCharges.StringFixed(2),
		r.Turnover.StringFixed(2),
		r.TradesToday, r.OpenTrades, r.MaxOpenTrades,
		r.Status)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStop() {
	if b.engine == nil {
		b.send("❌ Engine not attached")
		return
	}

	b.engine.Stop()
	b.send("🛑 Engine stopped. Positions left open, square them off yourself.")
	log.Info().Msg("Engine stopped via Telegram")
}

func (b *TelegramBot) cmdPanic() {
	if b.engine == nil {
		b.send("❌ Engine not attached")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.engine.PanicSquareOff(ctx); err != nil {
		b.send("❌ Panic failed: " + err.Error())
		return
	}
	log.Warn().Msg("PANIC square-off via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

// Package notify is the Telegram alert surface: proposal-ready, trade-opened,
// trade-closed, and hard-stop/emergency messages sent from the scheduler's
// tick. Outbound only: the cycle scheduler's admin methods are meant for a
// future HTTP layer, not a chat command loop, so there is no inbound
// /pause, /resume, /stats handling here.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/optrader/spreadctl/storage"
)

// Bot sends spread-trading lifecycle alerts to a single Telegram chat.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewBot builds a Bot against token, chatID. Returns (nil, nil) if token is
// empty, so callers can treat notifications as optional without a nil check
// at every call site — NotifyX methods on a nil *Bot are no-ops.
func NewBot(token string, chatID int64) (*Bot, error) {
	if token == "" {
		log.Info().Msg("notify: no Telegram token configured, alerts disabled")
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: create bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: Telegram bot initialized")
	return &Bot{api: api, chatID: chatID}, nil
}

func (b *Bot) sendMarkdown(text string) {
	if b == nil {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("notify: failed to send Telegram message")
	}
}

// NotifyProposalReady alerts that the pipeline selected a candidate to open.
func (b *Bot) NotifyProposalReady(_ context.Context, p storage.Proposal) {
	msg := fmt.Sprintf(`🎯 *PROPOSAL READY*

📊 *%s* — %s
━━━━━━━━━━━━━━━━
Strikes: *%s / %s* (width %d)
Expiration: %s
Credit/Debit target: *$%s*
Score: *%.2f*`,
		p.Symbol, p.Strategy,
		p.ShortStrike.StringFixed(2), p.LongStrike.StringFixed(2), p.Width,
		p.Expiration,
		p.CreditTarget.StringFixed(2),
		p.Score,
	)
	b.sendMarkdown(msg)
}

// NotifyTradeOpened alerts that an entry order filled and a Trade is open.
func (b *Bot) NotifyTradeOpened(_ context.Context, t storage.Trade) {
	msg := fmt.Sprintf(`✅ *TRADE OPENED*

📊 %s — %s
💵 Entry: *$%s*
📦 Quantity: %d`,
		t.Symbol, t.Strategy,
		t.EntryPrice.StringFixed(2),
		t.Quantity,
	)
	b.sendMarkdown(msg)
}

// NotifyTradeClosed alerts that a trade's exit order filled.
func (b *Bot) NotifyTradeClosed(_ context.Context, t storage.Trade) {
	emoji := "📈"
	pnl := ""
	if t.RealizedPnL != nil {
		if t.RealizedPnL.IsNegative() {
			emoji = "📉"
		}
		pnl = t.RealizedPnL.StringFixed(2)
	}

	msg := fmt.Sprintf(`%s *TRADE CLOSED*

📊 %s — %s
💵 Realized P&L: *$%s*
📝 Reason: %s`,
		emoji, t.Symbol, t.Strategy, pnl, t.ExitReason,
	)
	b.sendMarkdown(msg)
}

// NotifyEmergencyExit alerts that a structural or liquidity break forced an
// immediate close outside the normal close-rule table.
func (b *Bot) NotifyEmergencyExit(_ context.Context, t storage.Trade, reason string) {
	msg := fmt.Sprintf(`🚨 *EMERGENCY EXIT*

📊 %s — %s
📝 %s`,
		t.Symbol, t.Strategy, reason,
	)
	b.sendMarkdown(msg)
}

// NotifyHardStop alerts that the system tripped into HARD_STOP and is no
// longer opening new trades.
func (b *Bot) NotifyHardStop(_ context.Context, reason string) {
	msg := fmt.Sprintf(`🛑 *HARD STOP*

The system has halted new trade entries.
📝 Reason: %s`,
		reason,
	)
	b.sendMarkdown(msg)
}

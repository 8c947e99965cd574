package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/config"
)

// chatSender is the bot API surface the channel uses; swappable for tests.
type chatSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// ChatChannel delivers incident notifications to a responder's bound
// messenger chat. Sends go through a shared rate limiter so a paging storm
// stays under the bot API limits.
type ChatChannel struct {
	Users   UserDirectory
	Actions *ActionTokenIssuer

	sender  chatSender
	limiter *rate.Limiter
	initErr error
}

func NewChatChannel(users UserDirectory, actions *ActionTokenIssuer, cfg config.TelegramConfig) *ChatChannel {
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 25
	}
	ch := &ChatChannel{
		Users:   users,
		Actions: actions,
		limiter: rate.NewLimiter(rate.Limit(float64(perSecond)), perSecond),
	}
	if cfg.BotToken == "" {
		ch.initErr = fmt.Errorf("chat channel not configured: no bot token")
		return ch
	}
	b, err := bot.New(cfg.BotToken)
	if err != nil {
		ch.initErr = fmt.Errorf("failed to initialize chat bot: %w", err)
		return ch
	}
	ch.sender = b
	return ch
}

func (c *ChatChannel) Name() string                { return "chat" }
func (c *ChatChannel) SupportsInteractivity() bool { return true }

func (c *ChatChannel) Send(ctx context.Context, userID string, payload db.NotificationPayload) db.ChannelDeliveryResult {
	if c.initErr != nil {
		return db.ChannelDeliveryResult{Success: false, Error: c.initErr.Error()}
	}

	user, err := c.Users.GetUser(ctx, userID)
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("failed to load user: %v", err)}
	}
	if user == nil || user.ChatID == 0 {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("no chat bound for user %s", userID)}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("chat rate limit wait aborted: %v", err)}
	}

	text := fmt.Sprintf("*[%s] %s*\n%s\n\n*Source:* %s\n*Incident:* %s",
		payload.Severity, payload.Title, payload.Body, payload.Source, payload.IncidentID)
	if url := c.Actions.ActionURL(payload.IncidentID, userID, ActionAcknowledge); url != "" {
		text += fmt.Sprintf("\n\n[Acknowledge](%s)", url)
	}
	if url := c.Actions.ActionURL(payload.IncidentID, userID, ActionResolve); url != "" {
		text += fmt.Sprintf(" | [Resolve](%s)", url)
	}

	msg, err := c.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    user.ChatID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("chat send failed: %v", err)}
	}

	now := time.Now().UTC()
	return db.ChannelDeliveryResult{
		Success:           true,
		ProviderMessageID: fmt.Sprintf("%d", msg.ID),
		DeliveredAt:       &now,
	}
}

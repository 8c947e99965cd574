package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/config"
)

// twilioAPI is the Twilio surface the sms and voice channels use; swappable
// for tests.
type twilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

func newTwilioAPI(cfg config.TwilioConfig) twilioAPI {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return client.Api
}

// SMSChannel delivers a compact text page. SMS has no room for links, so it
// reports no interactivity; the recipient acts through the app or the email.
type SMSChannel struct {
	Users UserDirectory
	From  string

	api twilioAPI
}

func NewSMSChannel(users UserDirectory, cfg config.TwilioConfig) *SMSChannel {
	ch := &SMSChannel{Users: users, From: cfg.FromNumber}
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		ch.api = newTwilioAPI(cfg)
	}
	return ch
}

func (c *SMSChannel) Name() string                { return "sms" }
func (c *SMSChannel) SupportsInteractivity() bool { return false }

func (c *SMSChannel) Send(ctx context.Context, userID string, payload db.NotificationPayload) db.ChannelDeliveryResult {
	phone, result := resolvePhone(ctx, c.Users, userID, c.api != nil && c.From != "", "sms")
	if result != nil {
		return *result
	}

	body := fmt.Sprintf("[%s] %s — %s (incident %s)",
		strings.ToUpper(payload.Severity), payload.Title, payload.Source, payload.IncidentID)

	msg, err := c.api.CreateMessage(&twilioApi.CreateMessageParams{
		To:   &phone,
		From: &c.From,
		Body: &body,
	})
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("sms send failed: %v", err)}
	}

	now := time.Now().UTC()
	out := db.ChannelDeliveryResult{Success: true, DeliveredAt: &now}
	if msg.Sid != nil {
		out.ProviderMessageID = *msg.Sid
	}
	return out
}

// VoiceChannel places an automated phone call reading the incident out loud.
// It is the last-resort tier: slow, expensive, but hardest to sleep through.
type VoiceChannel struct {
	Users UserDirectory
	From  string

	api twilioAPI
}

func NewVoiceChannel(users UserDirectory, cfg config.TwilioConfig) *VoiceChannel {
	ch := &VoiceChannel{Users: users, From: cfg.FromNumber}
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		ch.api = newTwilioAPI(cfg)
	}
	return ch
}

func (c *VoiceChannel) Name() string                { return "voice" }
func (c *VoiceChannel) SupportsInteractivity() bool { return false }

func (c *VoiceChannel) Send(ctx context.Context, userID string, payload db.NotificationPayload) db.ChannelDeliveryResult {
	phone, result := resolvePhone(ctx, c.Users, userID, c.api != nil && c.From != "", "voice")
	if result != nil {
		return *result
	}

	twiml := fmt.Sprintf(
		"<Response><Say loop=\"2\">%s severity incident. %s. Source %s. Check your on-call app.</Say></Response>",
		xmlEscape(payload.Severity), xmlEscape(payload.Title), xmlEscape(payload.Source))

	call, err := c.api.CreateCall(&twilioApi.CreateCallParams{
		To:    &phone,
		From:  &c.From,
		Twiml: &twiml,
	})
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("voice call failed: %v", err)}
	}

	// A call takes tens of seconds to ring through; report when it is
	// expected to reach the responder rather than pretend it already has.
	now := time.Now().UTC()
	eta := now.Add(30 * time.Second)
	out := db.ChannelDeliveryResult{Success: true, DeliveredAt: &now, EstimatedDeliveryAt: &eta}
	if call.Sid != nil {
		out.ProviderMessageID = *call.Sid
	}
	return out
}

func resolvePhone(ctx context.Context, users UserDirectory, userID string, configured bool, channel string) (string, *db.ChannelDeliveryResult) {
	if !configured {
		return "", &db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("%s channel not configured", channel)}
	}
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return "", &db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("failed to load user: %v", err)}
	}
	if user == nil || !strings.HasPrefix(user.Phone, "+") {
		return "", &db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("no valid phone number for user %s", userID)}
	}
	return user.Phone, nil
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

package services

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/config"
)

// EmailChannel delivers incident notifications over SMTP. Interactive action
// links ride along in the body so a responder can acknowledge or resolve
// straight from the mail client.
type EmailChannel struct {
	Users   UserDirectory
	Actions *ActionTokenIssuer
	SMTP    config.SMTPConfig

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(users UserDirectory, actions *ActionTokenIssuer, cfg config.SMTPConfig) *EmailChannel {
	return &EmailChannel{Users: users, Actions: actions, SMTP: cfg, sendMail: smtp.SendMail}
}

func (c *EmailChannel) Name() string                { return "email" }
func (c *EmailChannel) SupportsInteractivity() bool { return true }

func (c *EmailChannel) Send(ctx context.Context, userID string, payload db.NotificationPayload) db.ChannelDeliveryResult {
	if c.SMTP.Server == "" || c.SMTP.Username == "" {
		return db.ChannelDeliveryResult{Success: false, Error: "email channel not configured"}
	}

	user, err := c.Users.GetUser(ctx, userID)
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("failed to load user: %v", err)}
	}
	if user == nil || !strings.Contains(user.Email, "@") {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("no valid email address for user %s", userID)}
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(payload.Severity), payload.Title)
	body := c.buildBody(userID, payload)
	from := c.SMTP.From
	if from == "" {
		from = c.SMTP.Username
	}
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		from, user.Email, subject, body))

	auth := smtp.PlainAuth("", c.SMTP.Username, c.SMTP.Password, c.SMTP.Server)
	addr := fmt.Sprintf("%s:%d", c.SMTP.Server, c.SMTP.Port)
	if err := c.sendMail(addr, auth, from, []string{user.Email}, msg); err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("smtp send failed: %v", err)}
	}

	now := time.Now().UTC()
	return db.ChannelDeliveryResult{Success: true, DeliveredAt: &now}
}

func (c *EmailChannel) buildBody(userID string, payload db.NotificationPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nSource: %s\nSeverity: %s\nIncident: %s\n",
		payload.Body, payload.Source, payload.Severity, payload.IncidentID)

	if url := c.Actions.ActionURL(payload.IncidentID, userID, ActionAcknowledge); url != "" {
		fmt.Fprintf(&b, "\nAcknowledge: %s\n", url)
	}
	if url := c.Actions.ActionURL(payload.IncidentID, userID, ActionResolve); url != "" {
		fmt.Fprintf(&b, "Resolve: %s\n", url)
	}
	return b.String()
}

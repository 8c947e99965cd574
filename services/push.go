package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/config"
)

// UserDirectory looks up the routing details of a responder.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
}

// PushChannel delivers mobile push notifications. A configured cloud relay
// is preferred; direct Firebase messaging is the fallback when the instance
// carries its own credentials. With neither available, every send fails as a
// result value and the dispatcher moves on to the next channel.
type PushChannel struct {
	Users   UserDirectory
	Actions *ActionTokenIssuer
	Logger  *logrus.Logger

	client     *messaging.Client
	httpClient *http.Client
	relay      config.PushGatewayConfig
}

func NewPushChannel(users UserDirectory, actions *ActionTokenIssuer, relay config.PushGatewayConfig, logger *logrus.Logger) *PushChannel {
	ch := &PushChannel{
		Users:      users,
		Actions:    actions,
		Logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		relay:      relay,
	}

	if ch.relayEnabled() {
		logger.WithField("instance_id", relay.InstanceID).Info("push channel: cloud relay configured")
	}

	// Direct Firebase messaging needs GOOGLE_APPLICATION_CREDENTIALS (or the
	// local service account file). Initialization failure is not fatal; the
	// relay path still works.
	opt := option.WithCredentialsFile("firebase-service-account-key.json")
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		logger.WithError(err).Info("push channel: direct firebase messaging unavailable")
		return ch
	}
	client, err := app.Messaging(context.Background())
	if err != nil {
		logger.WithError(err).Info("push channel: firebase messaging client unavailable")
		return ch
	}
	ch.client = client
	logger.Info("push channel: direct firebase messaging initialized")
	return ch
}

func (c *PushChannel) Name() string                { return "push" }
func (c *PushChannel) SupportsInteractivity() bool { return true }

func (c *PushChannel) relayEnabled() bool {
	return c.relay.URL != "" && c.relay.APIToken != "" && c.relay.InstanceID != ""
}

func (c *PushChannel) Send(ctx context.Context, userID string, payload db.NotificationPayload) db.ChannelDeliveryResult {
	data := c.buildData(userID, payload)

	if c.relayEnabled() {
		return c.sendViaRelay(ctx, userID, payload, data)
	}
	if c.client == nil {
		return db.ChannelDeliveryResult{Success: false, Error: "push channel not configured: no relay and no firebase credentials"}
	}
	return c.sendDirect(ctx, userID, payload, data)
}

// buildData assembles the data payload the mobile app consumes, including
// the one-tap action links when the issuer is configured.
func (c *PushChannel) buildData(userID string, payload db.NotificationPayload) map[string]string {
	data := map[string]string{
		"incident_id": payload.IncidentID,
		"title":       payload.Title,
		"severity":    payload.Severity,
		"source":      payload.Source,
		"type":        payload.Kind,
	}
	for k, v := range payload.Data {
		data[k] = v
	}
	if url := c.Actions.ActionURL(payload.IncidentID, userID, ActionAcknowledge); url != "" {
		data["ack_url"] = url
	}
	if url := c.Actions.ActionURL(payload.IncidentID, userID, ActionResolve); url != "" {
		data["resolve_url"] = url
	}
	return data
}

func (c *PushChannel) sendDirect(ctx context.Context, userID string, payload db.NotificationPayload, data map[string]string) db.ChannelDeliveryResult {
	user, err := c.Users.GetUser(ctx, userID)
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("failed to load user: %v", err)}
	}
	if user == nil || user.FCMToken == "" {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("no push token registered for user %s", userID)}
	}

	message := &messaging.Message{
		Token: user.FCMToken,
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("[%s] %s", strings.ToUpper(payload.Severity), payload.Title),
			Body:  fmt.Sprintf("%s\nSource: %s", payload.Body, payload.Source),
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Icon:         "ic_notification",
				Color:        colorBySeverity(payload.Severity),
				Sound:        "default",
				ChannelID:    "high_importance_channel",
				Priority:     messaging.PriorityHigh,
				DefaultSound: true,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: fmt.Sprintf("[%s] %s", strings.ToUpper(payload.Severity), payload.Title),
						Body:  payload.Body,
					},
					Badge: intPtr(1),
					Sound: "default",
					CustomData: map[string]interface{}{
						"incident_id": payload.IncidentID,
						"type":        payload.Kind,
					},
				},
			},
		},
	}

	messageID, err := c.client.Send(ctx, message)
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("fcm send failed: %v", err)}
	}
	now := time.Now().UTC()
	return db.ChannelDeliveryResult{Success: true, ProviderMessageID: messageID, DeliveredAt: &now}
}

// relayNotification is the payload shape the hosted push gateway accepts.
type relayNotification struct {
	InstanceID   string       `json:"instance_id"`
	UserID       string       `json:"user_id"`
	Notification relayPayload `json:"notification"`
}

type relayPayload struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Sound    string            `json:"sound,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

type relayResponse struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	DevicesCount   int    `json:"devices_count"`
	Error          string `json:"error,omitempty"`
}

func (c *PushChannel) sendViaRelay(ctx context.Context, userID string, payload db.NotificationPayload, data map[string]string) db.ChannelDeliveryResult {
	body := relayNotification{
		InstanceID: c.relay.InstanceID,
		UserID:     userID,
		Notification: relayPayload{
			Title:    fmt.Sprintf("[%s] %s", strings.ToUpper(payload.Severity), payload.Title),
			Body:     fmt.Sprintf("%s\nSource: %s", payload.Body, payload.Source),
			Priority: priorityBySeverity(payload.Severity),
			Sound:    "alert.caf",
			Data:     data,
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("failed to marshal relay payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.relay.URL+"/api/gateway/notifications/send", bytes.NewBuffer(jsonBody))
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("failed to build relay request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.relay.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("relay request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return db.ChannelDeliveryResult{Success: false, Error: fmt.Sprintf("relay error (status %d): %s", resp.StatusCode, string(respBody))}
	}

	result := db.ChannelDeliveryResult{Success: true}
	var parsed relayResponse
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		result.ProviderMessageID = parsed.NotificationID
		c.Logger.WithFields(logrus.Fields{
			"notification_id": parsed.NotificationID,
			"devices":         parsed.DevicesCount,
		}).Debug("push relay delivery accepted")
	}
	now := time.Now().UTC()
	result.DeliveredAt = &now
	return result
}

func priorityBySeverity(severity string) string {
	switch severity {
	case "critical", "high":
		return "high"
	default:
		return "normal"
	}
}

func colorBySeverity(severity string) string {
	switch severity {
	case "critical":
		return "#FF0000"
	case "high":
		return "#FF8C00"
	case "medium":
		return "#FFD700"
	case "low":
		return "#32CD32"
	default:
		return "#2196F3"
	}
}

func intPtr(i int) *int {
	return &i
}

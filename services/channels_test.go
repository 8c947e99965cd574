package services

import (
	"context"
	"fmt"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/config"
)

type fakeDirectory struct {
	users map[string]*db.User
}

func (f *fakeDirectory) GetUser(_ context.Context, id string) (*db.User, error) {
	return f.users[id], nil
}

func testIssuer() *ActionTokenIssuer {
	return NewActionTokenIssuer("test-secret", "https://pagemesh.example.com", time.Hour)
}

func TestChannelRegistryRejectsDuplicates(t *testing.T) {
	registry := NewChannelRegistry()
	require.NoError(t, registry.Register(&stubChannel{name: "email"}))
	assert.Error(t, registry.Register(&stubChannel{name: "email"}))
	assert.Equal(t, []string{"email"}, registry.Names())
}

func TestEmailChannelSend(t *testing.T) {
	users := &fakeDirectory{users: map[string]*db.User{
		"alice": {ID: "alice", Email: "alice@example.com", IsActive: true},
	}}
	ch := NewEmailChannel(users, testIssuer(), config.SMTPConfig{
		Server: "smtp.example.com", Port: 587, Username: "pager@example.com", Password: "pw",
	})

	var sentTo []string
	var sentMsg []byte
	ch.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sentTo, sentMsg = to, msg
		return nil
	}

	result := ch.Send(context.Background(), "alice", db.NotificationPayload{
		IncidentID: "inc-1", Title: "API down", Severity: "critical", Source: "prometheus", Kind: "escalated",
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{"alice@example.com"}, sentTo)
	assert.Contains(t, string(sentMsg), "Acknowledge: https://pagemesh.example.com/api/actions/acknowledge")
}

func TestEmailChannelMissingAddressFailsAsValue(t *testing.T) {
	users := &fakeDirectory{users: map[string]*db.User{"bob": {ID: "bob"}}}
	ch := NewEmailChannel(users, testIssuer(), config.SMTPConfig{
		Server: "smtp.example.com", Port: 587, Username: "pager@example.com",
	})

	result := ch.Send(context.Background(), "bob", db.NotificationPayload{IncidentID: "inc-1"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no valid email address")
}

type fakeTwilio struct {
	messages []twilioApi.CreateMessageParams
	calls    []twilioApi.CreateCallParams
	err      error
}

func (f *fakeTwilio) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, *params)
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (f *fakeTwilio) CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, *params)
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func TestSMSChannelSend(t *testing.T) {
	users := &fakeDirectory{users: map[string]*db.User{
		"alice": {ID: "alice", Phone: "+15550100", IsActive: true},
	}}
	api := &fakeTwilio{}
	ch := &SMSChannel{Users: users, From: "+15550999", api: api}

	result := ch.Send(context.Background(), "alice", db.NotificationPayload{
		IncidentID: "inc-1", Title: "API down", Severity: "critical", Source: "prometheus",
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "SM123", result.ProviderMessageID)
	require.Len(t, api.messages, 1)
	assert.Equal(t, "+15550100", *api.messages[0].To)
}

func TestSMSChannelProviderErrorFailsAsValue(t *testing.T) {
	users := &fakeDirectory{users: map[string]*db.User{
		"alice": {ID: "alice", Phone: "+15550100"},
	}}
	ch := &SMSChannel{Users: users, From: "+15550999", api: &fakeTwilio{err: fmt.Errorf("upstream 500")}}

	result := ch.Send(context.Background(), "alice", db.NotificationPayload{IncidentID: "inc-1"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "sms send failed")
}

func TestVoiceChannelReportsEstimatedDelivery(t *testing.T) {
	users := &fakeDirectory{users: map[string]*db.User{
		"alice": {ID: "alice", Phone: "+15550100"},
	}}
	api := &fakeTwilio{}
	ch := &VoiceChannel{Users: users, From: "+15550999", api: api}

	result := ch.Send(context.Background(), "alice", db.NotificationPayload{
		IncidentID: "inc-1", Title: "DB & cache down", Severity: "critical", Source: "grafana",
	})
	require.True(t, result.Success, result.Error)
	require.NotNil(t, result.EstimatedDeliveryAt)
	require.Len(t, api.calls, 1)
	assert.Contains(t, *api.calls[0].Twiml, "DB &amp; cache down")
}

func TestVoiceChannelUnconfigured(t *testing.T) {
	ch := NewVoiceChannel(&fakeDirectory{}, config.TwilioConfig{})
	result := ch.Send(context.Background(), "alice", db.NotificationPayload{IncidentID: "inc-1"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not configured")
}

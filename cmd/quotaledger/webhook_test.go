package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookSecret = "whsec_cli_test"

func runIn(t *testing.T, stdin []byte, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetIn(bytes.NewReader(stdin))
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func checkoutPayload(t *testing.T, mode string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          "evt_cli_1",
		"object":      "event",
		"type":        "checkout.session.completed",
		"api_version": stripego.APIVersion,
		"data": map[string]any{"object": map[string]any{
			"id":                  "cs_cli_1",
			"object":              "checkout.session",
			"mode":                mode,
			"payment_status":      "paid",
			"client_reference_id": "alice",
			"metadata":            map[string]string{"type": "ticket", "packId": "t240"},
		}},
	})
	require.NoError(t, err)
	return raw
}

func TestWebhookCreditsOnce(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", redisConfig(t))
	t.Setenv("QUOTALEDGER_STRIPE_WEBHOOK_SECRET", webhookSecret)

	payload := checkoutPayload(t, "payment")
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})

	var res struct {
		AlreadyProcessed bool
		BalanceAfter     int64
	}
	out, err := runIn(t, payload, "webhook", "--signature", signed.Header)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.AlreadyProcessed)
	assert.Equal(t, int64(14400), res.BalanceAfter)

	out, err = runIn(t, payload, "webhook", "--signature", signed.Header)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.AlreadyProcessed)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", "")
	t.Setenv("QUOTALEDGER_STRIPE_WEBHOOK_SECRET", webhookSecret)

	_, err := runIn(t, checkoutPayload(t, "payment"), "webhook", "--signature", "t=1,v1=deadbeef")
	require.Error(t, err)
}

func TestWebhookIgnoresSubscription(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", "")
	t.Setenv("QUOTALEDGER_STRIPE_WEBHOOK_SECRET", webhookSecret)

	payload := checkoutPayload(t, "subscription")
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})

	out, err := runIn(t, payload, "webhook", "--signature", signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "ignored: not a ticket purchase\n", out)
}

func TestWhoamiIssueAndResolve(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", "")
	t.Setenv("QUOTALEDGER_JWT_SECRET", "cli-secret")
	t.Setenv("QUOTALEDGER_JWT_ISSUER", "quotaledger-cli")

	token, err := run(t, "whoami", "--issue", "alice")
	require.NoError(t, err)

	out, err := run(t, "whoami", "Bearer "+strings.TrimSpace(token))
	require.NoError(t, err)
	assert.Equal(t, "alice\n", out)

	_, err = run(t, "whoami", "not-a-token")
	require.Error(t, err)
}

func TestWhoamiNeedsSecret(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", "")
	t.Setenv("QUOTALEDGER_JWT_SECRET", "")

	_, err := run(t, "whoami", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUOTALEDGER_JWT_SECRET")
}

func subscriptionPayload(t *testing.T, eventType, status string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          "evt_sub_1",
		"object":      "event",
		"type":        eventType,
		"api_version": stripego.APIVersion,
		"data": map[string]any{"object": map[string]any{
			"id":       "sub_cli_1",
			"object":   "subscription",
			"status":   status,
			"customer": "cus_cli",
			"metadata": map[string]string{"uid": "alice"},
		}},
	})
	require.NoError(t, err)
	return raw
}

func TestWebhookSubscriptionChangesPlan(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", redisConfig(t))
	t.Setenv("QUOTALEDGER_STRIPE_WEBHOOK_SECRET", webhookSecret)

	send := func(eventType, status string) {
		t.Helper()
		payload := subscriptionPayload(t, eventType, status)
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})
		_, err := runIn(t, payload, "webhook", "--signature", signed.Header)
		require.NoError(t, err)
	}
	plan := func() string {
		t.Helper()
		out, err := run(t, "usage", "alice")
		require.NoError(t, err)
		var usage struct{ Plan string }
		require.NoError(t, json.Unmarshal([]byte(out), &usage))
		return usage.Plan
	}

	send("customer.subscription.created", "active")
	assert.Equal(t, "pro", plan())

	send("customer.subscription.updated", "past_due")
	assert.Equal(t, "free", plan())

	send("customer.subscription.updated", "trialing")
	assert.Equal(t, "pro", plan())

	send("customer.subscription.deleted", "active")
	assert.Equal(t, "free", plan())
}

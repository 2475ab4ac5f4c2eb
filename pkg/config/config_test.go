package config

import (
	"testing"
	"time"

	"github.com/fatflowers/subsync/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("APP_CONFIG_NAME", "does-not-exist")
	t.Setenv("APP_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("APP_PROJECTION_BATCH_SIZE", "50")

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "whsec_test", c.Webhook.Secret)
	require.Equal(t, "provider-signature", c.Webhook.SignatureHeader)
	require.Equal(t, 300*time.Second, c.Webhook.Tolerance)
	require.Equal(t, 30*24*time.Hour, c.Idempotency.Retention)
	require.Equal(t, 50, c.Projection.BatchSize)
	require.Equal(t, 5, c.RateLimit.Mutation.Max)
	require.Equal(t, 10*time.Minute, c.RateLimit.Mutation.BlockDuration)
	require.Equal(t, "memory", c.RateLimit.Store)
}

func TestPlanLabel(t *testing.T) {
	c := &Config{Plans: []*types.Plan{{ID: "pro_monthly", PriceID: "pri_01", Label: "pro"}}}
	require.Equal(t, "pro", c.PlanLabel("pri_01", "premium"))
	require.Equal(t, "premium", c.PlanLabel("pri_unknown", "premium"))
	require.Nil(t, c.GetPlanByPriceID("pri_unknown"))
}

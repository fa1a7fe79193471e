package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleethub/internal/registry"
)

func requireTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	return dsn
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, requireTestDatabaseURL(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.EnsureSchema(ctx))
	_, err = s.pool.Exec(ctx, "TRUNCATE rules")
	require.NoError(t, err)
	return s
}

func TestSaveAndLoadRules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	rules := []registry.Rule{
		{
			ID: "interval-1", Name: "heartbeat", DeviceID: "dev-a", Topic: "cmd/dev-a/ping",
			Payload: "{}", QoS: 1, Trigger: registry.TriggerInterval, IntervalSeconds: 30,
			Enabled: true, CreatedAt: created,
		},
		{
			ID: "cond-1", Name: "overheat", DeviceID: "dev-b", Topic: "cmd/dev-b/fan",
			Payload: "on", Trigger: registry.TriggerCondition,
			ConditionTopic: "telemetry/dev-b/temp", ConditionOperator: ">", ConditionValue: "75",
			Enabled: true, Retained: true, CreatedAt: created,
		},
	}
	for _, r := range rules {
		require.NoError(t, s.SaveRule(ctx, r))
	}

	loaded, err := s.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Ordered by id.
	assert.Equal(t, "cond-1", loaded[0].ID)
	assert.Equal(t, ">", loaded[0].ConditionOperator)
	assert.Equal(t, "75", loaded[0].ConditionValue)
	assert.True(t, loaded[0].Retained)

	assert.Equal(t, "interval-1", loaded[1].ID)
	assert.Equal(t, 30, loaded[1].IntervalSeconds)
	assert.Equal(t, created, loaded[1].CreatedAt)
}

func TestSaveRuleIgnoresExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := registry.Rule{
		ID: "r1", Name: "first", DeviceID: "dev", Topic: "t",
		Trigger: registry.TriggerManual, Enabled: true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.SaveRule(ctx, rule))

	changed := rule
	changed.Name = "second"
	require.NoError(t, s.SaveRule(ctx, changed))

	loaded, err := s.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "first", loaded[0].Name)
}

func TestPingNilStore(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Ping(context.Background()))
	s.Close()
}

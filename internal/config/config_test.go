package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/future-self/internal/config"
	"github.com/Cypherspark/future-self/internal/provider"
	"github.com/Cypherspark/future-self/internal/worker"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, c.Timing.RandomMin)
	require.Equal(t, 180*24*time.Hour, c.Timing.RandomMax)
	require.Equal(t, 24*time.Hour, c.Oracle.Grace)
	require.Equal(t, 90*24*time.Hour, c.Oracle.DefaultDelay)
	require.Equal(t, time.Minute, c.Scheduler.SweepInterval)
	require.Equal(t, 5, c.Scheduler.MaxAttempts)
	require.Equal(t, 10000.0, c.Billing.MRRGoal)
	require.Equal(t, "dummy", c.Delivery.Provider)
	require.Equal(t, "0.0.0.0:8080", c.App.Addr())
	require.False(t, c.App.Development())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FUTURESELF_SCHEDULER_MAX_ATTEMPTS", "7")
	t.Setenv("FUTURESELF_SCHEDULER_SWEEP_INTERVAL", "15s")
	t.Setenv("FUTURESELF_APP_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://legacy/db")
	t.Setenv("PORT", "9999")

	c, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 7, c.Scheduler.MaxAttempts)
	require.Equal(t, 15*time.Second, c.Scheduler.SweepInterval)
	require.True(t, c.App.Development())
	require.Equal(t, "postgres://legacy/db", c.Database.URL)
	require.Equal(t, "9999", c.App.Port)
}

func TestLoad_PrefixedBeatsLegacy(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://legacy/db")
	t.Setenv("FUTURESELF_DATABASE_URL", "postgres://new/db")

	c, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://new/db", c.Database.URL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timing:
  random_min: 48h
  random_max: 72h
scheduler:
  overdue_after: 30m
billing:
  mrr_goal: 500
`), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, c.Timing.RandomMin)
	require.Equal(t, 72*time.Hour, c.Timing.RandomMax)
	require.Equal(t, 30*time.Minute, c.Scheduler.OverdueAfter)
	require.Equal(t, 500.0, c.Billing.MRRGoal)
	require.Equal(t, 5, c.Scheduler.MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("FUTURESELF_SCHEDULER_MAX_ATTEMPTS", "0")
	t.Setenv("FUTURESELF_DELIVERY_PROVIDER", "ses")

	_, err := config.Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_attempts")
	require.Contains(t, err.Error(), "from_email")

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_StaleAfterMustCoverSendAndFinish(t *testing.T) {
	t.Setenv("FUTURESELF_SCHEDULER_SEND_TIMEOUT", "30s")
	t.Setenv("FUTURESELF_SCHEDULER_STALE_AFTER", "30s")
	_, err := config.Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "stale_after")

	// send_timeout + finish timeout exactly is still unsafe.
	t.Setenv("FUTURESELF_SCHEDULER_STALE_AFTER", (30*time.Second + worker.FinishTimeout).String())
	_, err = config.Load("")
	require.Error(t, err)

	t.Setenv("FUTURESELF_SCHEDULER_STALE_AFTER", "1m")
	_, err = config.Load("")
	require.NoError(t, err)
}

func TestLoad_ReminderHour(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 9, c.Scheduler.ReminderHour)

	t.Setenv("FUTURESELF_SCHEDULER_REMINDER_HOUR", "24")
	_, err = config.Load("")
	require.ErrorContains(t, err, "reminder_hour")

	t.Setenv("FUTURESELF_SCHEDULER_REMINDER_HOUR", "-1")
	c, err = config.Load("")
	require.NoError(t, err)
	require.Equal(t, -1, c.SchedulerOptions().ReminderHour)
}

func TestSchedulerOptions(t *testing.T) {
	t.Setenv("FUTURESELF_SCHEDULER_MAX_ATTEMPTS", "9")
	t.Setenv("FUTURESELF_SCHEDULER_BACKOFF_BASE", "30s")
	c, err := config.Load("")
	require.NoError(t, err)

	o := c.SchedulerOptions()
	require.Equal(t, 9, o.MaxAttempts)
	require.Equal(t, 30*time.Second, o.BackoffBase)
	require.Equal(t, time.Hour, o.BackoffMax)
	require.Equal(t, 24*time.Hour, o.OverdueAfter)
	require.Equal(t, 10*time.Minute, o.StaleAfter)
	require.Equal(t, 50.0, o.ProviderQPS)
	require.Equal(t, worker.DefaultOptions().DBBackoffMax, o.DBBackoffMax)
}

func TestDeliveryProviderConfig(t *testing.T) {
	t.Setenv("FUTURESELF_DELIVERY_APP_URL", "https://app.example.com")
	c, err := config.Load("")
	require.NoError(t, err)

	pc := c.Delivery.ProviderConfig()
	require.Equal(t, "dummy", pc.Name)
	require.Equal(t, "https://app.example.com", pc.AppURL)

	d, err := provider.FromConfig(context.Background(), pc, nil)
	require.NoError(t, err)
	require.IsType(t, &provider.Dummy{}, d)
}

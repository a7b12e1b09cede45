package speechquota_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sq "github.com/ineyio/speechquota"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := sq.ParseConfig([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "speechquota_", cfg.Storage.Prefix)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Synthesis.Timeout)
	assert.Equal(t, "en-US-JennyNeural", cfg.Synthesis.DefaultVoice)
	assert.Equal(t, 3, cfg.Synthesis.MaxAttempts)
	assert.Equal(t, 2, cfg.Synthesis.LedgerRetries)
	assert.Equal(t, 90, cfg.Retention.DailyDays)
	assert.Equal(t, 12, cfg.Retention.MonthlyMonths)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Retention.ReservationTTL)
	assert.Equal(t, 24*time.Hour, cfg.Retention.CommitTTL)
	assert.Equal(t, "most_headroom", cfg.Synthesis.KeyPolicy)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "speechquota.ledger.anomaly", cfg.NATS.Subject)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, sq.DefaultPlans, cfg.EffectivePlans())
}

func TestParseConfig_Full(t *testing.T) {
	t.Setenv("TEST_AZURE_KEY", "from-env-secret")

	cfg, err := sq.ParseConfig([]byte(`
timezone: Europe/Berlin
storage:
  driver: redis
  dsn: redis://localhost:6379/0
http:
  addr: ":9090"
  shutdown_timeout: 5s
synthesis:
  timeout: 10s
  default_voice: de-DE-KatjaNeural
  output_format: ogg-24khz-16bit-mono-opus
  max_attempts: 5
plans:
  pro:
    max_characters_per_month: 250000
    max_requests_per_day: 500
    features:
      api_access: true
keys:
  - name: primary
    secret: ${TEST_AZURE_KEY}
    region: westeurope
    total_quota: 500000
metrics:
  enabled: true
nats:
  url: nats://localhost:4222
`))
	require.NoError(t, err)

	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, "speechquota:", cfg.Storage.Prefix)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, 5, cfg.Synthesis.MaxAttempts)
	assert.Equal(t, "ogg-24khz-16bit-mono-opus", cfg.Synthesis.OutputFormat)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)

	require.Len(t, cfg.Keys, 1)
	assert.Equal(t, "from-env-secret", cfg.Keys[0].Secret)
	assert.Equal(t, int64(500_000), cfg.Keys[0].TotalQuota)

	plans := cfg.EffectivePlans()
	assert.Equal(t, int64(250_000), plans[sq.TierPro].MaxCharactersPerMonth)
	assert.Equal(t, sq.TierPro, plans[sq.TierPro].Tier)
	assert.True(t, plans[sq.TierPro].Features.APIAccess)
	assert.Equal(t, int64(10_000), plans[sq.TierFree].MaxCharactersPerMonth)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "storage: {driver: mongo}"},
		{"sql driver without dsn", "storage: {driver: postgres}"},
		{"bad timezone", "timezone: Mars/Olympus"},
		{"negative retries", "synthesis: {ledger_retries: -1}"},
		{"negative attempts", "synthesis: {max_attempts: -1}"},
		{"negative retention", "retention: {daily_days: -1}"},
		{"unknown plan tier", "plans: {gold: {max_requests_per_day: 1}}"},
		{"plan tier twice", "plans: {pro: {max_requests_per_day: 1}, Pro: {max_requests_per_day: 2}}"},
		{"unknown key policy", "synthesis: {key_policy: random}"},
		{"negative reservation ttl", "retention: {reservation_ttl: -1s}"},
		{"reservation ttl within timeout", "synthesis: {timeout: 30s}\nretention: {reservation_ttl: 20s}"},
		{"negative commit ttl", "retention: {commit_ttl: -1h}"},
		{"negative plan limit", "plans: {free: {max_requests_per_day: -1}}"},
		{"invalid key", "keys: [{name: a, region: r}]"},
		{"duplicate key", "keys: [{name: a, secret: s, region: r}, {name: a, secret: t, region: r}]"},
		{"bad log format", "logging: {format: xml}"},
		{"malformed yaml", "storage: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sq.ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

// Plan tiers are matched the same way membership tiers are parsed.
func TestParseConfig_PlanTiersAreCaseInsensitive(t *testing.T) {
	cfg, err := sq.ParseConfig([]byte(`
plans:
  Pro:
    max_characters_per_month: 100000
    max_requests_per_day: 4
  " PREMIUM ":
    max_requests_per_day: 7
`))
	require.NoError(t, err)

	plans := cfg.EffectivePlans()
	assert.Equal(t, int64(100_000), plans[sq.TierPro].MaxCharactersPerMonth)
	assert.Equal(t, int64(4), plans[sq.TierPro].MaxRequestsPerDay)
	assert.Equal(t, sq.TierPro, plans[sq.TierPro].Tier)
	assert.Equal(t, int64(7), plans[sq.TierPremium].MaxRequestsPerDay)
	assert.Len(t, plans, 3)
}

func TestParseConfig_MaintenanceAndPolicy(t *testing.T) {
	cfg, err := sq.ParseConfig([]byte(`
synthesis:
  key_policy: least_recent
retention:
  daily_days: 30
  monthly_months: 6
  reservation_ttl: 2m
  commit_ttl: 6h
`))
	require.NoError(t, err)
	assert.Equal(t, "least_recent", cfg.Synthesis.KeyPolicy)
	assert.Equal(t, 2*time.Minute, cfg.Retention.ReservationTTL)
	assert.Equal(t, 6*time.Hour, cfg.Retention.CommitTTL)

	daily, monthly := cfg.Retention.UsageTTL()
	assert.Equal(t, 31*24*time.Hour, daily)
	assert.Equal(t, 7*31*24*time.Hour, monthly)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechquota.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: sqlite\n  dsn: /tmp/quota.db\n"), 0o600))

	cfg, err := sq.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/quota.db", cfg.Storage.DSN)

	_, err = sq.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

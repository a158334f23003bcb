package am

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Default cron expressions of the periodic sweeps
const (
	DefaultReminderSweepCron   = "*/15 * * * *"
	DefaultEscalationSweepCron = "0 * * * *"
	DefaultAutoActivateCron    = "0 * * * *"
	DefaultIdentitySyncCron    = "0 */6 * * *"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "hrpulse.db")

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.retry_limit", 5)
	v.SetDefault("pulse.retry_delay_seconds", 30)
	v.SetDefault("pulse.metrics_addr", "")

	v.SetDefault("mail.from", "hr@localhost")
	v.SetDefault("mail.transport", TransportOutbox) // Nothing leaves the box until smtp is configured
	v.SetDefault("mail.rate_per_minute", 60)
	v.SetDefault("mail.smtp.port", 587)

	v.SetDefault("identity.timeout_seconds", 10)
	v.SetDefault("identity.allow_private", false)

	v.SetDefault("automation.offer_stage", "OFFER")
	v.SetDefault("automation.pending_start_statuses", []string{"PENDING_START", "ONBOARDING"})
	v.SetDefault("automation.escalate_after_hours", 168) // One week of silence
	v.SetDefault("automation.max_send_attempts", 3)
	v.SetDefault("automation.schedules.reminder_sweep", DefaultReminderSweepCron)
	v.SetDefault("automation.schedules.escalation_sweep", DefaultEscalationSweepCron)
	v.SetDefault("automation.schedules.auto_activate", DefaultAutoActivateCron)
	v.SetDefault("automation.schedules.identity_sync", DefaultIdentitySyncCron)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "HRPULSE_DATABASE_PATH")
	v.BindEnv("mail.smtp.password", "HRPULSE_MAIL_SMTP_PASSWORD")
	v.BindEnv("identity.token", "HRPULSE_IDENTITY_TOKEN")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "hrpulse.db"
	}
	return c.Database.Path
}

// Policy returns the stage policy for stage. Stage names are matched
// case-insensitively because viper folds map keys to lower case.
func (c *Config) Policy(stage string) (StagePolicy, bool) {
	p, ok := c.Stages[strings.ToLower(stage)]
	return p, ok
}

// StagePolicies returns the stage policies keyed by upper-case stage name.
func (c *Config) StagePolicies() map[string]StagePolicy {
	out := make(map[string]StagePolicy, len(c.Stages))
	for stage, p := range c.Stages {
		out[strings.ToUpper(stage)] = p
	}
	return out
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Mail.SMTP.Password != "" {
		cp.Mail.SMTP.Password = "********"
	}
	if cp.Identity.Token != "" {
		cp.Identity.Token = "********"
	}
	return &cp
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d}, Mail: {Transport: %s}, Stages: %d}",
		c.Database.Path, c.Pulse.Workers, c.Mail.Transport, len(c.Stages))
}

package am

import (
	"slices"

	"github.com/robfig/cron/v3"

	"github.com/teranos/hrpulse/errors"
)

// CronParser parses the standard five-field cron expressions used for sweeps.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	// Ticker interval: 0 = recurring schedules never fire locally
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.RetryLimit < 0 {
		return errors.Newf("pulse.retry_limit must be >= 0, got %d", c.Pulse.RetryLimit)
	}
	if c.Pulse.RetryDelaySeconds < 0 {
		return errors.Newf("pulse.retry_delay_seconds must be >= 0, got %d", c.Pulse.RetryDelaySeconds)
	}

	switch c.Mail.Transport {
	case TransportOutbox:
	case TransportSMTP:
		if c.Mail.SMTP.Host == "" {
			return errors.New("mail.smtp.host cannot be empty when mail.transport = \"smtp\"")
		}
		if c.Mail.SMTP.Port <= 0 || c.Mail.SMTP.Port > 65535 {
			return errors.Newf("mail.smtp.port must be in 1..65535, got %d", c.Mail.SMTP.Port)
		}
	default:
		return errors.Newf("mail.transport must be %q or %q, got %q", TransportSMTP, TransportOutbox, c.Mail.Transport)
	}
	if c.Mail.RatePerMinute < 0 {
		return errors.Newf("mail.rate_per_minute must be >= 0, got %d", c.Mail.RatePerMinute)
	}

	if c.Identity.BaseURL != "" && c.Identity.TimeoutSeconds <= 0 {
		return errors.Newf("identity.timeout_seconds must be > 0, got %d", c.Identity.TimeoutSeconds)
	}

	if c.Automation.OfferStage == "" {
		return errors.New("automation.offer_stage cannot be empty")
	}
	if slices.Contains(c.Automation.PendingStartStatuses, "") {
		return errors.New("automation.pending_start_statuses cannot contain an empty status")
	}
	if c.Automation.EscalateAfterHours <= 0 {
		return errors.Newf("automation.escalate_after_hours must be > 0, got %d", c.Automation.EscalateAfterHours)
	}
	if c.Automation.MaxSendAttempts <= 0 {
		return errors.Newf("automation.max_send_attempts must be > 0, got %d", c.Automation.MaxSendAttempts)
	}

	for key, expr := range map[string]string{
		"reminder_sweep":   c.Automation.Schedules.ReminderSweep,
		"escalation_sweep": c.Automation.Schedules.EscalationSweep,
		"auto_activate":    c.Automation.Schedules.AutoActivate,
		"identity_sync":    c.Automation.Schedules.IdentitySync,
	} {
		if expr == "" {
			continue // Default cron applies
		}
		if _, err := CronParser.Parse(expr); err != nil {
			return errors.Wrapf(err, "automation.schedules.%s: invalid cron expression %q", key, expr)
		}
	}

	for stage, p := range c.Stages {
		if p.DelayMinutes < 0 {
			return errors.Newf("stages.%s.delay_minutes must be >= 0, got %d", stage, p.DelayMinutes)
		}
		if p.Reminder.Enabled && p.Reminder.DelayHours <= 0 {
			return errors.Newf("stages.%s.reminder.delay_hours must be > 0 when the reminder is enabled, got %d", stage, p.Reminder.DelayHours)
		}
	}

	return nil
}

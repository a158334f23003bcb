// Package am loads and validates hrpulse configuration.
//
// Configuration is TOML, merged in precedence order
// /etc/hrpulse/am.toml < ~/.hrpulse/am.toml < project am.toml < HRPULSE_* env.
package am

// Config represents the hrpulse configuration
type Config struct {
	Database   DatabaseConfig         `mapstructure:"database" toml:"database"`
	Pulse      PulseConfig            `mapstructure:"pulse" toml:"pulse"`
	Mail       MailConfig             `mapstructure:"mail" toml:"mail"`
	Identity   IdentityConfig         `mapstructure:"identity" toml:"identity"`
	Automation AutomationConfig       `mapstructure:"automation" toml:"automation"`
	Stages     map[string]StagePolicy `mapstructure:"stages" toml:"stages"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// PulseConfig configures the durable job queue and its workers
type PulseConfig struct {
	Workers               int    `mapstructure:"workers" toml:"workers"`                                 // 0 = enqueue only, no local workers
	PollIntervalMS        int    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`               // How often idle workers look for due jobs
	TickerIntervalSeconds int    `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"` // How often recurring schedules are checked
	RetryLimit            int    `mapstructure:"retry_limit" toml:"retry_limit"`                         // Retries after the first attempt
	RetryDelaySeconds     int    `mapstructure:"retry_delay_seconds" toml:"retry_delay_seconds"`         // Base delay, doubled per retry
	MetricsAddr           string `mapstructure:"metrics_addr" toml:"metrics_addr"`                       // e.g. ":9464"; empty disables /metrics
}

// MailConfig configures outbound email
type MailConfig struct {
	From          string     `mapstructure:"from" toml:"from"`
	Transport     string     `mapstructure:"transport" toml:"transport"` // "smtp" or "outbox"
	RatePerMinute int        `mapstructure:"rate_per_minute" toml:"rate_per_minute"`
	SMTP          SMTPConfig `mapstructure:"smtp" toml:"smtp"`
}

// SMTPConfig configures the SMTP relay
type SMTPConfig struct {
	Host     string `mapstructure:"host" toml:"host"`
	Port     int    `mapstructure:"port" toml:"port"`
	Username string `mapstructure:"username" toml:"username"`
	Password string `mapstructure:"password" toml:"password"`
}

// IdentityConfig configures the workspace identity directory
type IdentityConfig struct {
	BaseURL        string `mapstructure:"base_url" toml:"base_url"` // empty disables identity sync
	Token          string `mapstructure:"token" toml:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	AllowPrivate   bool   `mapstructure:"allow_private" toml:"allow_private"`
}

// AutomationConfig configures the lifecycle automation engine
type AutomationConfig struct {
	OfferStage           string          `mapstructure:"offer_stage" toml:"offer_stage"`
	PendingStartStatuses []string        `mapstructure:"pending_start_statuses" toml:"pending_start_statuses"`
	EscalateAfterHours   int             `mapstructure:"escalate_after_hours" toml:"escalate_after_hours"`
	MaxSendAttempts      int             `mapstructure:"max_send_attempts" toml:"max_send_attempts"`
	Schedules            SchedulesConfig `mapstructure:"schedules" toml:"schedules"`
}

// SchedulesConfig holds the cron expressions of the periodic sweeps
type SchedulesConfig struct {
	ReminderSweep   string `mapstructure:"reminder_sweep" toml:"reminder_sweep"`
	EscalationSweep string `mapstructure:"escalation_sweep" toml:"escalation_sweep"`
	AutoActivate    string `mapstructure:"auto_activate" toml:"auto_activate"`
	IdentitySync    string `mapstructure:"identity_sync" toml:"identity_sync"`
}

// StagePolicy is the automated email policy for one pipeline stage.
type StagePolicy struct {
	Enabled      bool           `mapstructure:"enabled" toml:"enabled"`
	DelayMinutes int            `mapstructure:"delay_minutes" toml:"delay_minutes"`
	TemplateID   string         `mapstructure:"template_id" toml:"template_id,omitempty"`
	Reminder     ReminderPolicy `mapstructure:"reminder" toml:"reminder"`
}

// ReminderPolicy controls the follow-up sent when a stage email gets no reply.
type ReminderPolicy struct {
	Enabled    bool `mapstructure:"enabled" toml:"enabled"`
	DelayHours int  `mapstructure:"delay_hours" toml:"delay_hours"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// Mail transports
const (
	TransportSMTP   = "smtp"
	TransportOutbox = "outbox"
)

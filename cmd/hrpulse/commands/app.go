package commands

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/automation"
	"github.com/teranos/hrpulse/db"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/identity"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/metrics"
	"github.com/teranos/hrpulse/people"
	"github.com/teranos/hrpulse/pulse"
)

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.AddDBSymbol(logger.Logger))
	if err != nil {
		return nil, errors.Wrapf(err, "database %s", path)
	}
	return database, nil
}

// app is every component of a running engine over one database.
type app struct {
	cfg     *am.Config
	db      *sql.DB
	sched   *pulse.Client
	actions *action.Store
	people  *people.Store
	threads *mail.Threads
	metrics *metrics.Metrics
	engine  *automation.Engine
}

// pulseConfig converts the pulse section of cfg. workers overrides the
// configured worker count when positive.
func pulseConfig(cfg *am.Config, workers int) pulse.Config {
	pc := pulse.Config{
		Workers:        cfg.Pulse.Workers,
		PollInterval:   time.Duration(cfg.Pulse.PollIntervalMS) * time.Millisecond,
		TickerInterval: time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second,
		RetryLimit:     cfg.Pulse.RetryLimit,
		RetryDelay:     time.Duration(cfg.Pulse.RetryDelaySeconds) * time.Second,
	}
	if workers > 0 {
		pc.Workers = workers
	}
	return pc
}

// buildTransport assembles validate -> record -> rate limit -> deliver.
func buildTransport(cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) mail.Transport {
	var deliver mail.Transport
	switch cfg.Mail.Transport {
	case am.TransportSMTP:
		deliver = mail.NewSMTPTransport(mail.SMTPConfig{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
		})
	default:
		deliver = mail.NewOutboxTransport(log)
	}
	limited := mail.NewRateLimitedTransport(deliver, cfg.Mail.RatePerMinute)
	return mail.NewRecordingTransport(database, limited, log)
}

// buildDirectory returns the identity directory, or nil when none is configured.
func buildDirectory(cfg *am.Config) (identity.Directory, error) {
	if cfg.Identity.BaseURL == "" {
		return nil, nil
	}
	dir, err := identity.NewHTTPDirectory(identity.Config{
		BaseURL:      cfg.Identity.BaseURL,
		Token:        cfg.Identity.Token,
		Timeout:      time.Duration(cfg.Identity.TimeoutSeconds) * time.Second,
		AllowPrivate: cfg.Identity.AllowPrivate,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure identity directory")
	}
	return dir, nil
}

// newApp loads configuration, opens the database and builds the
// engine with its handlers registered. Workers are not started.
func newApp(ctx context.Context, workers int) (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.Logger
	rt := &app{
		cfg:     cfg,
		db:      database,
		actions: action.NewStore(database),
		people:  people.NewStore(database),
		threads: mail.NewThreads(database),
		metrics: metrics.New(),
	}
	rt.sched = pulse.NewClient(ctx, database, pulseConfig(cfg, workers), log)
	rt.sched.SetObserver(rt.metrics)

	dir, err := buildDirectory(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}
	deps := automation.Deps{
		Actions:   rt.actions,
		People:    rt.people,
		Templates: mail.NewTemplates(database),
		Threads:   rt.threads,
		Transport: buildTransport(cfg, database, log),
		Scheduler: rt.sched,
		Recorder:  rt.metrics,
		Settings:  automation.SettingsFromConfig(cfg),
		Policies:  automation.PoliciesFromConfig(cfg),
		Directory: dir,
		Log:       log,
	}

	rt.engine, err = automation.NewEngine(deps)
	if err != nil {
		database.Close()
		return nil, err
	}
	rt.engine.Register()
	return rt, nil
}

func (rt *app) Close() error {
	return rt.db.Close()
}

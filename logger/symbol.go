package logger

import (
	"github.com/teranos/hrpulse/sym"
	"go.uber.org/zap"
)

// Symbol-aware logger decorators. The glyph is attached as a structured
// field, not baked into the message, so logs stay queryable by subsystem:
//
//	log := logger.AddMailSymbol(base.Named("reminders"))
//	log.Infow("Reminder cancelled by reply", "action_id", id)

// WithSymbol returns l with the given symbol field attached.
func WithSymbol(l *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	return l.With(FieldSymbol, symbol)
}

// AddPulseSymbol adds the Pulse symbol (꩜) to a logger
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Pulse)
}

// AddDBSymbol adds the DB symbol (⊔) to a logger
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.DB)
}

// AddMailSymbol adds the Mail symbol (✉) to a logger
func AddMailSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Mail)
}

// AddHireSymbol adds the Hire symbol (⊕) to a logger
func AddHireSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Hire)
}

// AddSweepSymbol adds the Sweep symbol (⟳) to a logger
func AddSweepSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(l, sym.Sweep)
}

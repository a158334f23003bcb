// Package sym defines the glyphs hrpulse attaches to log lines and CLI output.
// They are carried as a structured "symbol" field so logs stay queryable by
// subsystem.
package sym

// Engine symbols.
const (
	Pulse      = "꩜" // async jobs, retries, recurring schedules
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	Mail       = "✉" // outbound email, reminders, reply detection
	Hire       = "⊕" // employee/offer materialization
	Sweep      = "⟳" // periodic batch corrections
	AM         = "≡" // configuration
)

var descriptions = map[string]string{
	Pulse:      "Async jobs, retries and recurring schedules",
	PulseOpen:  "Graceful startup with orphaned job recovery",
	PulseClose: "Graceful shutdown",
	DB:         "Database/storage layer",
	Mail:       "Outbound email, reminders and reply detection",
	Hire:       "Employee and offer materialization",
	Sweep:      "Periodic batch corrections",
	AM:         "Configuration",
}

// Describe returns a one-line description of a glyph, or "" if unknown.
func Describe(glyph string) string {
	return descriptions[glyph]
}

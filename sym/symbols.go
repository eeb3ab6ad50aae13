// Package sym defines the canonical glyphs pulsecron uses as log markers
// and CLI prefixes. These symbols are stable across logs, CLI and API output.
package sym

// Pulse lifecycle glyphs.
const (
	Pulse      = "꩜" // scheduler activity: polls, dispatches, recovery
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // storage and migrations
	AM         = "≡" // configuration
)

// Names maps each glyph to its human-readable name.
var Names = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "pulse-open",
	PulseClose: "pulse-close",
	DB:         "db",
	AM:         "am",
}

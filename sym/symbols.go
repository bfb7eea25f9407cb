// Package sym defines the glyphs attached to log lines and CLI output.
// These symbols are stable across the CLI, logs, and the dashboard stream.
package sym

// System markers.
const (
	Scheduler = "꩜" // scheduler loop, claims, recovery
	Start     = "✿" // graceful startup
	Stop      = "❀" // graceful shutdown
	Store     = "⊔" // database and blob storage
	Feed      = "⟶" // fan-out and dispatch
)

// Stage glyphs, one per pipeline stage.
const (
	Queued      = "◌"
	Validating  = "≡"
	ConfigSaved = "⊔"
	Building    = "⨳"
	Deploying   = "⟶"
	Verifying   = "⊨"
	Completed   = "✦"
	Failed      = "✗"
	Cancelled   = "⊘"
)

// StageSymbols maps stage/status names to their glyph.
var StageSymbols = map[string]string{
	"queued":       Queued,
	"validating":   Validating,
	"config_saved": ConfigSaved,
	"building":     Building,
	"deploying":    Deploying,
	"verifying":    Verifying,
	"completed":    Completed,
	"failed":       Failed,
	"cancelled":    Cancelled,
}

// ForStage returns the glyph for a stage name, or the scheduler glyph for unknown names.
func ForStage(stage string) string {
	if s, ok := StageSymbols[stage]; ok {
		return s
	}
	return Scheduler
}

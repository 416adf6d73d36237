// Package sym defines the glyphs ytrag attaches to log lines and CLI output.
// They are stable so logs stay queryable by symbol.
package sym

// Domain symbols.
const (
	AM = "≡" // am: configuration and system settings
	IX = "⨳" // ix: ingest of external videos
	TX = "⌬" // tx: transcript segments
	DL = "⊘" // dl: dead-letter holding area
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // async work queue, stage processors, sweeps
	PulseOpen  = "✿" // graceful startup with orphaned work recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)

// SymbolToCommand maps glyph strings to the CLI command that owns them.
var SymbolToCommand = map[string]string{
	AM:    "am",
	IX:    "ingest",
	TX:    "jobs",
	DL:    "dlq",
	Pulse: "pulse",
	DB:    "db",
}

// CommandToSymbol maps CLI commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{
	"am":     AM,
	"ingest": IX,
	"jobs":   TX,
	"dlq":    DL,
	"pulse":  Pulse,
	"db":     DB,
}

// CommandDescriptions provides the short help line for each glyph-bearing command.
var CommandDescriptions = map[string]string{
	"am":     "Configuration: show, check and persist settings",
	"ingest": "Ingest: submit a video for transcription",
	"jobs":   "Jobs: inspect and cancel pipeline jobs",
	"dlq":    "Dead letter: inspect and requeue failed jobs",
	"pulse":  "Pulse: run stage workers and maintenance sweeps",
	"db":     "Database: migrations and storage",
}

// Short returns "<glyph> <description>" for a command, or the bare command name.
func Short(cmd string) string {
	glyph, ok := CommandToSymbol[cmd]
	if !ok {
		return cmd
	}
	return glyph + " " + CommandDescriptions[cmd]
}

package commands

import (
	"fmt"
	"strings"

	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pulse/async"
	"github.com/gustavoali/ytrag/sym"
	"github.com/gustavoali/ytrag/version"
)

type bannerInfo struct {
	verbosity int
	dbPath    string
	workDir   string
	pool      async.WorkerPoolConfig
	handlers  []string
	sweeps    bool
	embedding bool
}

// printStartupBanner prints the daemon startup message
func printStartupBanner(b bannerInfo) {
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════╗\n")
	fmt.Printf("   ║   %s  ytrag  %s  video → transcript → vectors   ║\n", sym.IX, sym.Pulse)
	fmt.Printf("   ╚═══════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ Pulse ─────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(b.verbosity))
	if b.dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, b.dbPath)
	}
	fmt.Printf("%s│%s Work dir:  %s\n", green, reset, b.workDir)
	fmt.Printf("%s│%s Workers:   %d (poll %v)\n", green, reset, b.pool.Workers, b.pool.PollInterval)
	fmt.Printf("%s│%s Handlers:  %s\n", green, reset, strings.Join(b.handlers, ", "))
	fmt.Printf("%s│%s Sweeps:    %s\n", green, reset, onOff(b.sweeps))
	fmt.Printf("%s│%s Embedding: %s\n", green, reset, onOff(b.embedding))
	fmt.Printf("%s└─────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s%s Submit videos with: ytrag ingest <url>%s\n", yellow, bold, sym.IX, reset)
	fmt.Printf("%s%s Press Ctrl+C for graceful shutdown%s\n\n", blue, sym.Pulse, reset)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.Short("am"),
	Long: sym.AM + ` am - Manage ytrag configuration

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (YTRAG_* prefix)
3. Project config (./am.toml or ./config.toml)
4. User config (~/.ytrag/am.toml)
5. System config (/etc/ytrag/config.toml)
6. Default values

Examples:
  ytrag am show                          # Show effective configuration
  ytrag am show --format json
  ytrag am get resilience.max_attempts
  ytrag am set pulse.workers 4           # Persist into ~/.ytrag/am.toml
  ytrag am check                         # Validate and report unknown keys`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value (dot notation)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := am.Load(); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		v := am.GetViper()
		if !v.IsSet(args[0]) {
			return fmt.Errorf("configuration key %q not found", args[0])
		}
		fmt.Println(v.Get(args[0]))
		return nil
	},
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Write a value into a TOML config file, creating it if needed.
A running daemon picks up log level changes without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			path = am.UserConfigPath()
		}
		if path == "" {
			return fmt.Errorf("cannot determine user config path, pass --file")
		}
		if err := am.SetValue(path, args[0], args[1]); err != nil {
			return err
		}

		// Re-read to make sure the result still validates
		cfg, err := am.LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("written config no longer loads: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			pterm.Warning.Printfln("%s is set, but the configuration is invalid: %v", args[0], err)
			return nil
		}
		fmt.Printf("%s %s = %s (%s)\n", sym.AM, args[0], args[1], path)
		return nil
	},
}

var amCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and report unknown keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		files := am.LoadedFiles()
		if len(files) == 0 {
			fmt.Println("No config files found, using defaults")
		}
		unknownTotal := 0
		for _, f := range files {
			unknown, err := am.CheckUnknownKeys(f)
			if err != nil {
				return err
			}
			fmt.Printf("  %s\n", f)
			for _, key := range unknown {
				pterm.Warning.Printfln("unknown key %q", key)
			}
			unknownTotal += len(unknown)
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		if unknownTotal > 0 {
			return fmt.Errorf("%d unknown key(s)", unknownTotal)
		}
		fmt.Println("✓ Configuration is valid")
		return nil
	},
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")
	amSetCmd.Flags().String("file", "", "Config file to write (default ~/.ytrag/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amCheckCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# ytrag configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json)", configFormat)
	}

	return nil
}

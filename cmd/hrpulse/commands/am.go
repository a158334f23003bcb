package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and initialize configuration",
	Long: sym.AM + ` am - hrpulse configuration

Configuration sources (in order of precedence):
1. Environment variables (HRPULSE_* prefix)
2. Project config (./am.toml, searched upwards)
3. User config (~/.hrpulse/am.toml)
4. System config (/etc/hrpulse/am.toml)
5. Default values

Examples:
  hrpulse am show                 # Show effective configuration
  hrpulse am show --format json   # Same, as JSON
  hrpulse am init                 # Write a default ./am.toml
  hrpulse am validate             # Check the configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (credentials masked)",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default am.toml in the current directory",
	RunE:  runAmInit,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current configuration",
	RunE:  runAmValidate,
}

var (
	configFormat string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing am.toml (a backup is kept)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	shown := cfg.Redacted()

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Print(string(data))
	case "toml":
		data, err := am.Marshal(shown)
		if err != nil {
			return err
		}
		fmt.Printf("# hrpulse configuration\n%s", string(data))
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

// defaultStages seeds am init with the offer follow-up flow.
func defaultStages() map[string]am.StagePolicy {
	return map[string]am.StagePolicy{
		"interview":  {Enabled: true, DelayMinutes: 5},
		"offer_sent": {Enabled: true, Reminder: am.ReminderPolicy{Enabled: true, DelayHours: 72}},
		"rejected":   {Enabled: false, DelayMinutes: 1440},
	}
}

func runAmInit(cmd *cobra.Command, args []string) error {
	const path = "am.toml"
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := am.Default()
	cfg.Stages = defaultStages()
	if err := am.Save(cfg, path, nil); err != nil {
		return err
	}
	pterm.Success.Printfln("%s Wrote %s", sym.AM, path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pterm.Success.Printfln("Configuration is valid (%d stage policies)", len(cfg.Stages))
	return nil
}

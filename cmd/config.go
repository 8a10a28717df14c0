package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RyanBlaney/voiceprint-verify/configs"
	"github.com/RyanBlaney/voiceprint-verify/internal/app"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect, create and validate configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Load the configuration from defaults, the config file, environment
variables and flags, and display every value.

Examples:
  voiceprint config show
  voiceprint --config /path/to/voiceprint.yaml config show`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"overwrite an existing configuration file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	config, err := configs.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	printConfig(cmd.OutOrStdout(), config)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath()
	if len(args) == 1 {
		path = args[0]
	}

	if err := app.WriteConfigFile(configs.GetDefaultConfig(), path, configForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	config, err := configs.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := configs.ValidateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	source := viper.ConfigFileUsed()
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", source)
	return nil
}

func printConfig(w io.Writer, config *configs.Config) {
	fmt.Fprintln(w, "VOICEPRINT CONFIGURATION")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	printSection(w, "APPLICATION SETTINGS")
	printKeyValue(w, "Config File", viper.ConfigFileUsed())
	printKeyValue(w, "Verbose", fmt.Sprintf("%t", config.Verbose))
	printKeyValue(w, "Log Level", config.LogLevel)
	printKeyValue(w, "Log File", config.LogFile)
	printKeyValue(w, "Output Format", config.OutputFormat)
	printKeyValue(w, "Config Directory", config.ConfigDir)
	printKeyValue(w, "Data Directory", config.DataDir)

	printSection(w, "STORAGE")
	printKeyValue(w, "Backend", config.Storage.Backend)
	printKeyValue(w, "Directory", config.Storage.Dir)
	printKeyValue(w, "Compression", fmt.Sprintf("%t", config.Storage.Compression))
	printKeyValue(w, "Badger In Memory", fmt.Sprintf("%t", config.Storage.Badger.InMemory))

	printSection(w, "ENROLLMENT")
	printKeyValue(w, "Min Samples", fmt.Sprintf("%d", config.Enrollment.MinSamples))

	m := config.Matching
	printSection(w, "MATCHING")
	printKeyValue(w, "Strategy", m.Strategy)
	printKeyValue(w, "Dimension", fmt.Sprintf("%d", m.Dimension))
	printKeyValue(w, "Max Concurrent", fmt.Sprintf("%d", m.MaxConcurrent))

	printSubsection(w, "Ensemble")
	printKeyValue(w, "  Threshold", fmt.Sprintf("%.3f", m.Ensemble.Threshold))
	printKeyValue(w, "  Epsilon", fmt.Sprintf("%g", m.Ensemble.Epsilon))
	printKeyValue(w, "  Weight Mean", fmt.Sprintf("%.2f", m.Ensemble.Weights.Mean))
	printKeyValue(w, "  Weight Median", fmt.Sprintf("%.2f", m.Ensemble.Weights.Median))
	printKeyValue(w, "  Weight Best Sample", fmt.Sprintf("%.2f", m.Ensemble.Weights.BestSample))
	printKeyValue(w, "  Weight Statistical", fmt.Sprintf("%.2f", m.Ensemble.Weights.Statistical))

	printSubsection(w, "Embedding")
	printKeyValue(w, "  Threshold", fmt.Sprintf("%.3f", m.Embedding.Threshold))

	printSubsection(w, "Alignment")
	printKeyValue(w, "  Threshold", fmt.Sprintf("%.3f", m.Alignment.Threshold))
	printKeyValue(w, "  Alpha", fmt.Sprintf("%.1f", m.Alignment.Alpha))

	printSection(w, "METRICS")
	printKeyValue(w, "Enabled", fmt.Sprintf("%t", config.Metrics.Enabled))
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n", title)
	fmt.Fprintln(w, strings.Repeat("-", len(title)))
}

func printSubsection(w io.Writer, title string) {
	fmt.Fprintf(w, "\n  %s\n", title)
}

func printKeyValue(w io.Writer, key, value string) {
	if value == "" {
		fmt.Fprintf(w, "%-35s\n", key)
	} else {
		fmt.Fprintf(w, "%-35s %s\n", key+":", value)
	}
}

func getConfigFilePath() string {
	if configFile != "" {
		return configFile
	}
	if dir := viper.GetString("config_dir"); dir != "" {
		return filepath.Join(dir, configs.AppName+".yaml")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", configs.AppName, configs.AppName+".yaml")
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/RyanBlaney/voiceprint-verify/configs"
	"github.com/RyanBlaney/voiceprint-verify/internal/app"
)

const envPrefix = "VOICEPRINT"

var (
	configFile     string
	verbose        bool
	logLevel       string
	outputFormat   string
	outputFile     string
	configDir      string
	dataDir        string
	storageBackend string
	storageDir     string
	strategy       string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   configs.AppName,
	Short: "Speaker voiceprint enrollment and verification",
	Long: `Enroll speakers from pre-extracted feature samples and verify probes
against their stored voiceprints.

Feature extraction happens upstream: every command that takes a features
file expects JSON or YAML holding either {vector: [...]} or
{matrix: [[...], ...]}.

Key features:
- Staged multi-sample enrollment with atomic voiceprint creation
- Ensemble, embedding and DTW alignment matching strategies
- Filesystem or Badger storage with optional zstd compression
- Fail-closed authentication with structured logs and metrics`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeConfig(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"config directory (default is $HOME/.config/voiceprint)")

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default is $HOME/.config/voiceprint/voiceprint.yaml)")

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"data directory (default is $HOME/.local/share/voiceprint)")

	// Output and logging flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"output format (json, table, csv, yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFile, "output-file", "",
		"write results to this file instead of stdout")

	// Storage and matching flags
	rootCmd.PersistentFlags().StringVar(&storageBackend, "storage-backend", "",
		"storage backend (filesystem, badger)")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "",
		"storage directory (default is <data-dir>/voiceprints)")
	rootCmd.PersistentFlags().StringVar(&strategy, "strategy", "",
		"matching strategy (ensemble, embedding, alignment)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("output_format", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("config_dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if configFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(configFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory and /etc
		viper.AddConfigPath(home)
		viper.AddConfigPath(filepath.Join(home, ".config", configs.AppName))
		viper.AddConfigPath("/etc/" + configs.AppName)
		viper.AddConfigPath("./configs")
		viper.SetConfigName(configs.AppName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// Set default values
	configs.SetDefaults(viper.GetViper())

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

// initializeConfig initializes configuration after flags are parsed
func initializeConfig(cmd *cobra.Command) error {
	// Bind all flags to viper
	if err := bindFlags(cmd, viper.GetViper()); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("storage-backend") {
		viper.Set("storage.backend", storageBackend)
	}
	if flags.Changed("strategy") {
		viper.Set("matching.strategy", strategy)
	}
	switch {
	case flags.Changed("storage-dir"):
		viper.Set("storage.dir", storageDir)
	case flags.Changed("data-dir") && !viper.InConfig("storage.dir"):
		// Storage lives under the data directory unless placed explicitly
		viper.Set("storage.dir", filepath.Join(dataDir, "voiceprints"))
	}
	return nil
}

// bindFlags binds each cobra flag to its associated viper configuration
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var lastErr error

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		// Environment variable name
		envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				lastErr = err
			}
		}

		// Bind the flag to viper
		if err := v.BindPFlag(f.Name, f); err != nil {
			lastErr = err
		}

		// Bind to environment variable
		if err := v.BindEnv(f.Name, envPrefix+"_"+envVarSuffix); err != nil {
			lastErr = err
		}
	})

	return lastErr
}

// newVoiceApp loads the effective configuration and opens the application
func newVoiceApp() (*app.VoiceApp, error) {
	// output_format is bound through viper, so only the file override is passed
	ctx := &app.Context{
		OutputFile: outputFile,
		Verbose:    verbose,
	}
	if err := app.LoadContextConfig(ctx); err != nil {
		return nil, err
	}
	return app.NewVoiceApp(ctx)
}

// GetConfig returns the current viper instance
func GetConfig() *viper.Viper {
	return viper.GetViper()
}

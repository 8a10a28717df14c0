package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RyanBlaney/voiceprint-verify/internal/app"
)

var (
	sampleIndex    int
	commandTimeout time.Duration
)

var stageCmd = &cobra.Command{
	Use:   "stage [user] [features-file]",
	Short: "Stage one enrollment sample without aggregating",
	Long: `Store one extracted feature sample for a user under the given index.
Restaging an index replaces the earlier sample. No voiceprint is built;
run finalize once enough samples are staged.

Examples:
  voiceprint stage alice sample1.json --index 1
  voiceprint stage alice sample2.yaml --index 2`,
	Args: cobra.ExactArgs(2),
	RunE: runStage,
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize [user]",
	Short: "Build the voiceprint once enough samples are staged",
	Args:  cobra.ExactArgs(1),
	RunE:  runFinalize,
}

var enrollCmd = &cobra.Command{
	Use:   "enroll [user] [features-file]",
	Short: "Stage a sample and build the voiceprint when the minimum is reached",
	Long: `Stage one extracted feature sample and, once the configured minimum
number of samples is present, aggregate them into the user's voiceprint.

Examples:
  # Three samples with the default minimum
  voiceprint enroll alice s1.json --index 1
  voiceprint enroll alice s2.json --index 2
  voiceprint enroll alice s3.json --index 3 -o json`,
	Args: cobra.ExactArgs(2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(enrollCmd)

	for _, c := range []*cobra.Command{stageCmd, enrollCmd} {
		c.Flags().IntVar(&sampleIndex, "index", 0, "sample index, 1-based")
		c.MarkFlagRequired("index")
	}
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", 30*time.Second,
		"timeout for storage operations")
}

type stageResult struct {
	UserID      string `json:"user_id" yaml:"user_id"`
	Index       int    `json:"index" yaml:"index"`
	SampleCount int    `json:"sample_count" yaml:"sample_count"`
}

type finalizeResult struct {
	UserID  string `json:"user_id" yaml:"user_id"`
	Created bool   `json:"created" yaml:"created"`
}

type enrollResult struct {
	UserID        string `json:"user_id" yaml:"user_id"`
	Index         int    `json:"index" yaml:"index"`
	SampleCount   int    `json:"sample_count" yaml:"sample_count"`
	SamplesNeeded int    `json:"samples_needed" yaml:"samples_needed"`
	Enrolled      bool   `json:"enrolled" yaml:"enrolled"`
}

func runStage(cmd *cobra.Command, args []string) error {
	userID, featurePath := args[0], args[1]

	feature, err := app.LoadFeatureFile(featurePath)
	if err != nil {
		return err
	}

	voiceApp, err := newVoiceApp()
	if err != nil {
		return err
	}
	defer voiceApp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	engine := voiceApp.Engine()
	if err := engine.StageSample(ctx, userID, sampleIndex, feature); err != nil {
		return fmt.Errorf("failed to stage sample: %w", err)
	}
	count, err := engine.SampleCount(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count samples: %w", err)
	}

	return voiceApp.Output(&stageResult{
		UserID:      userID,
		Index:       sampleIndex,
		SampleCount: count,
	})
}

func runFinalize(cmd *cobra.Command, args []string) error {
	userID := args[0]

	voiceApp, err := newVoiceApp()
	if err != nil {
		return err
	}
	defer voiceApp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	created, err := voiceApp.Engine().TryCreateVoiceprint(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to create voiceprint: %w", err)
	}

	return voiceApp.Output(&finalizeResult{
		UserID:  userID,
		Created: created,
	})
}

func runEnroll(cmd *cobra.Command, args []string) error {
	userID, featurePath := args[0], args[1]

	feature, err := app.LoadFeatureFile(featurePath)
	if err != nil {
		return err
	}

	voiceApp, err := newVoiceApp()
	if err != nil {
		return err
	}
	defer voiceApp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	progress, err := voiceApp.Engine().SubmitSample(ctx, userID, sampleIndex, feature)
	if err != nil {
		return fmt.Errorf("failed to enroll sample: %w", err)
	}

	return voiceApp.Output(&enrollResult{
		UserID:        userID,
		Index:         sampleIndex,
		SampleCount:   progress.SampleCount,
		SamplesNeeded: progress.SamplesNeeded,
		Enrolled:      progress.Enrolled,
	})
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

var titleCaser = cases.Title(language.English)

var statusCmd = &cobra.Command{
	Use:   "status [user]",
	Short: "Show the user's enrollment state and voiceprint summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var clearCmd = &cobra.Command{
	Use:   "clear [user]",
	Short: "Delete the user's voiceprint and all staged samples",
	Long: `Remove everything stored for a user so enrollment can start over.
Clearing a user with nothing stored succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCmd)
}

type statusResult struct {
	UserID        string                 `json:"user_id" yaml:"user_id"`
	Phase         string                 `json:"phase" yaml:"phase"`
	SampleCount   int                    `json:"sample_count" yaml:"sample_count"`
	MinSamples    int                    `json:"min_samples" yaml:"min_samples"`
	SamplesNeeded int                    `json:"samples_needed" yaml:"samples_needed"`
	Strategy      string                 `json:"strategy" yaml:"strategy"`
	Voiceprint    *common.VoiceprintInfo `json:"voiceprint,omitempty" yaml:"voiceprint,omitempty"`
}

type clearResult struct {
	UserID  string `json:"user_id" yaml:"user_id"`
	Cleared bool   `json:"cleared" yaml:"cleared"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	userID := args[0]

	voiceApp, err := newVoiceApp()
	if err != nil {
		return err
	}
	defer voiceApp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	engine := voiceApp.Engine()
	state, info, err := engine.EnrollmentStatus(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read enrollment state: %w", err)
	}

	result := &statusResult{
		UserID:        userID,
		Phase:         titleCaser.String(string(state.Phase)),
		SampleCount:   state.Count,
		MinSamples:    state.MinSamples,
		SamplesNeeded: state.SamplesNeeded(),
		Strategy:      string(engine.Strategy()),
		Voiceprint:    info,
	}

	return voiceApp.Output(result)
}

func runClear(cmd *cobra.Command, args []string) error {
	userID := args[0]

	voiceApp, err := newVoiceApp()
	if err != nil {
		return err
	}
	defer voiceApp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := voiceApp.Engine().ClearEnrollment(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear enrollment: %w", err)
	}

	return voiceApp.Output(&clearResult{UserID: userID, Cleared: true})
}

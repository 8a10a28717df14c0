package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/RyanBlaney/voiceprint-verify/internal/app"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

// exitRejected is the process status when a probe does not match
const exitRejected = 2

var exitFunc = os.Exit

var authenticateCmd = &cobra.Command{
	Use:   "authenticate [user] [features-file]",
	Short: "Verify a probe against the user's voiceprint",
	Long: `Score one extracted probe feature against the user's stored voiceprint
with the configured strategy. The result is always printed; the command
exits with status 2 when the probe is rejected or cannot be evaluated.

Examples:
  voiceprint authenticate alice probe.json
  voiceprint authenticate alice probe.yaml --strategy embedding -o json`,
	Aliases: []string{"verify"},
	Args:    cobra.ExactArgs(2),
	RunE:    runAuthenticate,
}

func init() {
	rootCmd.AddCommand(authenticateCmd)
}

func runAuthenticate(cmd *cobra.Command, args []string) error {
	userID, featurePath := args[0], args[1]

	voiceApp, err := newVoiceApp()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// An unreadable probe is reported as an unevaluated result, not a
	// command error
	var result *common.MatchResult
	probe, err := app.LoadFeatureFile(featurePath)
	if err != nil {
		result = common.Unevaluated(string(voiceApp.Engine().Strategy()), err)
		result.Threshold = voiceApp.Engine().Threshold()
	} else {
		result = voiceApp.Engine().Authenticate(ctx, userID, probe)
	}

	outErr := voiceApp.Output(result)
	voiceApp.Close()
	if outErr != nil {
		return outErr
	}

	if !result.IsMatch {
		exitFunc(exitRejected)
	}
	return nil
}

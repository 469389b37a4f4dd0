// Package cmd holds the fieldsync command line: the sync server and the
// operator tools around it.
package cmd

import (
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Collaborative map sync for emergency response sessions",
	Long: `fieldsync keeps the overlays, field reports, SOS signals and live
locations of an emergency response session consistent across every
connected client.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadEnvFile)
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")
}

// loadEnvFile loads envFile when it exists. Variables already set in the
// environment win.
func loadEnvFile() {
	if err := godotenv.Load(envFile); err != nil {
		slog.Debug("no env file loaded", slog.String("path", envFile), slog.Any("error", err))
	}
}

// cliLogger is the logger for the short-lived operator commands.
func cliLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
}

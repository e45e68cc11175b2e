// Command consult-agent joins a consultation from the terminal: it captures
// local devices, negotiates the peer connection through the signaling
// service and reports completion when a doctor ends the call.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"consultlink-backend/pkg/env"
	"consultlink-backend/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	apiURL      string
	accessToken string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:          "consult-agent",
		Short:        "Join and end ConsultLink video consultations",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return logger.Init(&logger.Config{
				Level:   opts.logLevel,
				Format:  "text",
				Output:  "stdout",
				Service: "consult-agent",
			})
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = logger.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", env.GetString("CONSULT_API_URL", "http://localhost:8085"), "consultation service base URL")
	flags.StringVar(&opts.accessToken, "access-token", env.GetStringFromFile("CONSULT_ACCESS_TOKEN", ""), "clinician JWT (doctors only)")
	flags.StringVar(&opts.logLevel, "log-level", env.GetString("LOG_LEVEL", "info"), "debug, info, warn or error")

	rootCmd.AddCommand(
		newJoinCmd(opts),
		newEndCmd(opts),
	)
	return rootCmd
}

func requireAccessToken(opts *globalOptions) error {
	if opts.accessToken == "" {
		return fmt.Errorf("--access-token or CONSULT_ACCESS_TOKEN is required")
	}
	return nil
}

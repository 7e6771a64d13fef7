package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "talentdeck",
		Short: "Session-security layer for the TalentDeck dashboard",
		Long: `talentdeck serves the session-security layer of the TalentDeck
recruitment dashboard: token refresh coordination, inactivity timeout,
login rate limiting, CSRF protection, and route guarding.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

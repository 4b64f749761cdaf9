package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfg           config
	portFlag      string
	storePathFlag string
	logLevelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "casecall",
	Short: "Clinician voice-call session controller",
	Long: `casecall runs voice calls between a clinician and a simulated patient,
keeps the call transcript, and saves a summary to the patient record when
the call ends.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = loadConfig()
		if portFlag != "" {
			cfg.port = portFlag
		}
		if storePathFlag != "" {
			cfg.storePath = storePathFlag
		}
		if logLevelFlag != "" {
			cfg.logLevel = logLevelFlag
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.logLevel)})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&portFlag, "port", "", "HTTP port (overrides CASECALL_PORT)")
	rootCmd.PersistentFlags().StringVar(&storePathFlag, "store", "", "KV store path (overrides STORE_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	rootCmd.AddCommand(serveCmd, patientsCmd, settingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

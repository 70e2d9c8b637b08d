package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ingenio-legal/amelia-bridge/internal/config"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvPath    = ".env"
	serviceName       = "amelia-bridge"
	serviceVersion    = "1.0.0"
)

var (
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Amelia voice and chat bridge",
	Long: `amelia-bridge serves the Ingenio Servicios Legales assistant.

It relays browser microphone audio to a Gemini Live session, schedules the
spoken replies back on the widget, keeps the running transcript and answers
typed questions through the Gemini chat API.

The Gemini credential is read from GEMINI_API_KEY (or API_KEY). A .env file
next to the binary is loaded first when present.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", defaultEnvPath, "dotenv file loaded before reading the credential")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the env file and then the YAML configuration
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, serviceVersion)
	},
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print a summary",
	Long: `Load the env file and configuration, run validation and print the
effective settings. The credential itself is never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration %s is valid\n\n", cfgFile)
		fmt.Fprintf(out, "HTTP:        %s:%d (enabled: %t)\n", cfg.HTTP.Address, cfg.HTTP.Port, cfg.HTTP.Enabled)
		fmt.Fprintf(out, "Audio:       %d Hz in, %d Hz out, block %d\n",
			cfg.Audio.InputSampleRate, cfg.Audio.OutputSampleRate, cfg.Audio.BlockSize)
		fmt.Fprintf(out, "Live model:  %s (voice %s)\n", cfg.Live.Model, cfg.Live.Voice)
		fmt.Fprintf(out, "Chat model:  %s\n", cfg.Chat.Model)
		fmt.Fprintf(out, "Sessions:    max %d, idle timeout %v\n",
			cfg.Sessions.MaxSessions, cfg.Sessions.GetIdleTimeoutDuration())
		fmt.Fprintf(out, "Logging:     %s/%s to %s\n", cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
		if cfg.HasCredential() {
			fmt.Fprintln(out, "Credential:  configured")
		} else {
			fmt.Fprintln(out, "Credential:  missing (set GEMINI_API_KEY)")
		}
		return nil
	},
}

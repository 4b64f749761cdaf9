package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/casecall/internal/kv"
	"github.com/hubenschmidt/casecall/internal/settings"
)

var (
	setSystemPrompt  string
	setModelProvider string
	setModelName     string
	setVoiceProvider string
	setVoiceID       string
	setFirstMessage  string
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the saved call settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective call settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoader(func(l *settings.Loader) error {
			s, err := l.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), s)
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save call settings; unset flags keep their current value",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoader(func(l *settings.Loader) error {
			s, err := l.Load(cmd.Context())
			if err != nil {
				return err
			}
			s = applyFlags(cmd, s)
			if err := l.Save(cmd.Context(), s); err != nil {
				return fmt.Errorf("failed to save settings: %w", err)
			}
			return printSettings(cmd.OutOrStdout(), s)
		})
	},
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the saved call settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoader(func(l *settings.Loader) error {
			return l.Reset(cmd.Context())
		})
	},
}

func init() {
	f := settingsSetCmd.Flags()
	f.StringVar(&setSystemPrompt, "system-prompt", "", "system prompt template")
	f.StringVar(&setModelProvider, "model-provider", "", "model provider")
	f.StringVar(&setModelName, "model-name", "", "model name")
	f.StringVar(&setVoiceProvider, "voice-provider", "", "voice provider")
	f.StringVar(&setVoiceID, "voice-id", "", "voice id")
	f.StringVar(&setFirstMessage, "first-message", "", "opening line template")
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsResetCmd)
}

func withLoader(fn func(*settings.Loader) error) error {
	store, err := kv.Open(cfg.storeBackend, cfg.storePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	return fn(settings.NewLoader(cfg.settingsFile, store))
}

func applyFlags(cmd *cobra.Command, s settings.CallSettings) settings.CallSettings {
	fields := []struct {
		flag string
		val  string
		dst  *string
	}{
		{"system-prompt", setSystemPrompt, &s.SystemPrompt},
		{"model-provider", setModelProvider, &s.ModelProvider},
		{"model-name", setModelName, &s.ModelName},
		{"voice-provider", setVoiceProvider, &s.VoiceProvider},
		{"voice-id", setVoiceID, &s.VoiceID},
		{"first-message", setFirstMessage, &s.FirstMessage},
	}
	for _, f := range fields {
		if cmd.Flags().Changed(f.flag) {
			*f.dst = f.val
		}
	}
	return s
}

func printSettings(out io.Writer, s settings.CallSettings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	if missing := s.Missing(); len(missing) > 0 {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("missing: %v", missing)))
	}
	return nil
}

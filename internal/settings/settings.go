// Package settings loads the call settings used to configure the voice
// engine: built-in defaults, an optional settings file, CASECALL_ environment
// overrides, and the JSON record saved by the settings screen.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/hubenschmidt/casecall/internal/kv"
	"github.com/hubenschmidt/casecall/internal/prompts"
)

// StoreKey is the KV key holding the saved settings record.
const StoreKey = "callSettings"

// CallSettings configures the model and voice for a call.
type CallSettings struct {
	SystemPrompt  string `json:"systemPrompt" mapstructure:"systemPrompt"`
	ModelProvider string `json:"modelProvider" mapstructure:"modelProvider"`
	ModelName     string `json:"modelName" mapstructure:"modelName"`
	VoiceProvider string `json:"voiceProvider" mapstructure:"voiceProvider"`
	VoiceID       string `json:"voiceId" mapstructure:"voiceId"`
	FirstMessage  string `json:"firstMessage" mapstructure:"firstMessage"`
}

// Defaults returns the built-in settings.
func Defaults() CallSettings {
	return CallSettings{
		SystemPrompt:  prompts.DefaultSystem,
		ModelProvider: "openai",
		ModelName:     "gpt-4o",
		VoiceProvider: "11labs",
		VoiceID:       "pNInz6obpgDQGcFmaJgB",
		FirstMessage:  prompts.DefaultFirstMessage,
	}
}

// Missing names the required settings that are blank. FirstMessage is
// optional.
func (s CallSettings) Missing() []string {
	var out []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			out = append(out, name)
		}
	}
	check("modelProvider", s.ModelProvider)
	check("modelName", s.ModelName)
	check("voiceProvider", s.VoiceProvider)
	check("voiceId", s.VoiceID)
	check("systemPrompt", s.SystemPrompt)
	return out
}

// Source supplies the settings for a new call.
type Source interface {
	Load(ctx context.Context) (CallSettings, error)
}

// Static is a Source that always returns the same settings.
type Static CallSettings

func (s Static) Load(context.Context) (CallSettings, error) { return CallSettings(s), nil }

// Loader reads settings fresh on every Load so edits apply to the next call.
type Loader struct {
	file  string
	store kv.Store
}

// NewLoader creates a Loader. file and store are both optional.
func NewLoader(file string, store kv.Store) *Loader {
	return &Loader{file: file, store: store}
}

// Load layers defaults, the settings file, the saved record, and CASECALL_
// environment variables, in increasing precedence.
func (l *Loader) Load(ctx context.Context) (CallSettings, error) {
	v := viper.New()
	for key, val := range defaultMap() {
		v.SetDefault(key, val)
	}

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.ReadInConfig(); err != nil {
			return Defaults(), fmt.Errorf("read settings file: %w", err)
		}
	}

	if l.store != nil {
		saved, err := l.store.Get(ctx, StoreKey)
		switch {
		case errors.Is(err, kv.ErrNotFound):
		case err != nil:
			return Defaults(), fmt.Errorf("read saved settings: %w", err)
		default:
			v.SetConfigType("json")
			if err := v.MergeConfig(bytes.NewReader(saved)); err != nil {
				return Defaults(), fmt.Errorf("merge saved settings: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CASECALL")
	v.AutomaticEnv()

	var out CallSettings
	if err := v.Unmarshal(&out); err != nil {
		return Defaults(), fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// Save writes s as the saved settings record.
func (l *Loader) Save(ctx context.Context, s CallSettings) error {
	if l.store == nil {
		return errors.New("settings: no store configured")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return l.store.Set(ctx, StoreKey, data)
}

// Reset removes the saved settings record.
func (l *Loader) Reset(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	return l.store.Delete(ctx, StoreKey)
}

func defaultMap() map[string]string {
	d := Defaults()
	return map[string]string{
		"systemPrompt":  d.SystemPrompt,
		"modelProvider": d.ModelProvider,
		"modelName":     d.ModelName,
		"voiceProvider": d.VoiceProvider,
		"voiceId":       d.VoiceID,
		"firstMessage":  d.FirstMessage,
	}
}

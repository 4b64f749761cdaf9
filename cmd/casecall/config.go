package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/casecall/internal/env"
	"github.com/hubenschmidt/casecall/internal/kv"
	"github.com/hubenschmidt/casecall/internal/session"
)

const (
	engineWS   = "ws"
	engineText = "text"
)

type config struct {
	port              string
	logLevel          string
	summarizerURL     string
	summarizerPool    int
	summarizerTimeout time.Duration
	engine            string
	voiceEngineURL    string
	voiceEngineKey    string
	openAIKey         string
	openAIBaseURL     string
	llmMaxTokens      int
	storeBackend      string
	storePath         string
	patientsFile      string
	settingsFile      string
	gracePeriod       time.Duration
	traceDatabaseURL  string
	maxStreams        int
}

func loadConfig() config {
	return config{
		port:              env.Str("CASECALL_PORT", "8000"),
		logLevel:          env.Str("LOG_LEVEL", "info"),
		summarizerURL:     env.Str("SUMMARIZER_URL", "http://localhost:8001"),
		summarizerPool:    env.Int("SUMMARIZER_POOL_SIZE", 10),
		summarizerTimeout: env.Duration("SUMMARIZER_TIMEOUT", 60*time.Second),
		engine:            env.Str("ENGINE", engineWS),
		voiceEngineURL:    env.Str("VOICE_ENGINE_URL", ""),
		voiceEngineKey:    env.Str("VOICE_ENGINE_KEY", ""),
		openAIKey:         env.Str("OPENAI_API_KEY", ""),
		openAIBaseURL:     env.Str("OPENAI_BASE_URL", ""),
		llmMaxTokens:      env.Int("LLM_MAX_TOKENS", 300),
		storeBackend:      env.Str("STORE_BACKEND", kv.BackendBadger),
		storePath:         env.Str("STORE_PATH", "data/casecall"),
		patientsFile:      env.Str("PATIENTS_FILE", ""),
		settingsFile:      env.Str("SETTINGS_FILE", ""),
		gracePeriod:       env.Duration("GRACE_PERIOD", session.DefaultGracePeriod),
		traceDatabaseURL:  env.Str("TRACE_DATABASE_URL", ""),
		maxStreams:        env.Int("MAX_STREAMS", 100),
	}
}

// engineName resolves which engine serves calls. The WebSocket engine needs
// a URL; without one calls fall back to the text engine.
func (c config) engineName() string {
	if c.engine == engineWS && c.voiceEngineURL == "" {
		return engineText
	}
	return c.engine
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

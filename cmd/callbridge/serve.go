package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/providers/gemini"
	"github.com/vango-go/vai-callbridge/pkg/core/providers/openai"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/credentials"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/session"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-callbridge/pkg/gateway/server"
	"github.com/vango-go/vai-callbridge/pkg/gateway/store"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools/gcal"
)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer calls until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Providers(); err != nil {
		return err
	}

	var db *store.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = store.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.MigrateOnStart {
			if _, err := db.Migrate(ctx); err != nil {
				return err
			}
		}
	}

	model, modelName, err := newModel(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	m := metrics.New("callbridge")
	lc := &lifecycle.Lifecycle{}
	calls := sessions.NewTracker(cfg.Server.MaxCalls)
	directory := newDirectory(cfg, db)
	cal := gcal.New(newCredentials(cfg.Google, db, logger))

	sttOptions := stt.DefaultStreamOptions()
	sttOptions.Model = cfg.Deepgram.Model
	sttOptions.Language = cfg.Deepgram.Language
	ttsOptions := tts.DefaultOptions(cfg.ElevenLabs.VoiceID)
	ttsOptions.Model = cfg.ElevenLabs.ModelID
	temperature := cfg.LLM.Temperature

	ready := handlers.ReadyHandler{Lifecycle: lc, Calls: calls}
	if db != nil {
		ready.DB = db
	}
	srv := gatewayserver.New(cfg, gatewayserver.Routes{
		Voice: handlers.VoiceHandler{
			Agents:     directory,
			Lifecycle:  lc,
			Calls:      calls,
			Metrics:    m,
			Logger:     logger,
			PublicHost: cfg.Server.PublicHost,
		},
		Media: handlers.MediaStreamHandler{
			Agents:       directory,
			Lifecycle:    lc,
			Calls:        calls,
			Metrics:      m,
			Logger:       logger,
			Model:        model,
			ModelName:    modelName,
			Temperature:  &temperature,
			MaxTokens:    cfg.LLM.MaxTokens,
			SystemPrompt: cfg.LLM.SystemPrompt,
			STT:          stt.NewDeepgram(cfg.Deepgram.APIKey, cfg.Deepgram.BaseURL),
			STTOptions:   sttOptions,
			TTS:          tts.NewElevenLabs(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.BaseURL),
			TTSOptions:   ttsOptions,
			Tools:        agentTools(cal, cfg.Calendar, logger),
			Config:       sessionConfig(cfg),
		},
		Ready:   ready,
		Metrics: m,
	}, logger)
	httpSrv := srv.HTTPServer()

	logger.Info("starting callbridge",
		"addr", cfg.Server.Addr,
		"version", version,
		"llm_provider", cfg.LLM.Provider,
		"model", modelName,
		"max_calls", cfg.Server.MaxCalls,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received", "live_calls", calls.Count())
	}

	lc.BeginDrain(time.Now())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Media streams are hijacked connections, so Shutdown does not wait for them.
	if !calls.Wait(shutdownCtx) {
		n := calls.CancelAll()
		logger.Warn("grace period over, ending live calls", "cancelled", n)
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
		calls.Wait(finalCtx)
		finalCancel()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("callbridge stopped")
	return nil
}

func newModel(ctx context.Context, cfg config.LLM) (core.Model, string, error) {
	switch cfg.Provider {
	case "gemini":
		name := cfg.Model
		if name == "" || strings.HasPrefix(name, "gpt-") {
			name = gemini.DefaultModel
		}
		p, err := gemini.New(ctx, cfg.GeminiKey, gemini.Options{})
		if err != nil {
			return nil, "", err
		}
		return p, name, nil
	default:
		name := cfg.Model
		if name == "" {
			name = openai.DefaultModel
		}
		opts := []openai.Option{}
		if cfg.OpenAIURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIURL))
		}
		return openai.New(cfg.OpenAIKey, opts...), name, nil
	}
}

// newDirectory resolves agents from the config file first, then the database.
func newDirectory(cfg config.Config, db *store.DB) agents.Directory {
	chain := agents.Chain{agents.NewStatic(cfg.Agents...)}
	if db != nil {
		chain = append(chain, store.NewAgents(db))
	}
	return agents.WithDefault{Directory: chain, DefaultID: cfg.DefaultAgent}
}

func newCredentials(cfg config.Google, db *store.DB, logger *slog.Logger) credentials.Source {
	switch {
	case cfg.AccessToken != "":
		return credentials.Static{credentials.StaticKey(gcal.Provider, ""): cfg.AccessToken}
	case db != nil:
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
			Scopes:       []string{calendar.CalendarScope},
		}
		return credentials.NewRefresher(store.NewCredentials(db), map[string]*oauth2.Config{gcal.Provider: oauthCfg}, logger)
	default:
		logger.Warn("no calendar credentials configured, falling back to application default credentials")
		return nil
	}
}

func agentTools(cal tools.Calendar, cfg config.Calendar, logger *slog.Logger) handlers.ToolsFunc {
	return func(p agents.Profile) (session.ToolSet, error) {
		tz := p.Timezone
		if tz == "" {
			tz = cfg.Timezone
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("agent %s timezone: %w", p.ID, err)
		}
		hours := tools.Hours{
			StartHour:   cfg.StartHour,
			EndHour:     cfg.EndHour,
			SlotMinutes: cfg.SlotMinutes,
			MaxSlots:    cfg.MaxSlots,
			Location:    loc,
		}
		all, err := tools.NewRegistry(
			tools.AvailabilityTool(cal, hours, time.Now),
			tools.MeetingTool(cal, hours),
			tools.EndCallTool(logger),
		)
		if err != nil {
			return nil, err
		}
		if len(p.Tools) == 0 {
			return all, nil
		}
		return all.Subset(p.Tools)
	}
}

func sessionConfig(cfg config.Config) session.Config {
	l := cfg.Live
	out := session.DefaultConfig()
	out.HandshakeTimeout = l.HandshakeTimeout
	out.TurnTimeout = l.TurnTimeout
	out.ToolTimeout = l.ToolTimeout
	out.ToolDrainGrace = l.ToolDrainGrace
	out.ToolQueueSize = l.ToolQueueSize
	out.DrainUnits = l.DrainUnits
	out.HangupDelay = l.HangupDelay
	out.WriteTimeout = l.WriteTimeout
	out.PingInterval = l.PingInterval
	out.ReadTimeout = l.ReadTimeout
	out.MaxJSONMessageBytes = l.MaxMessageBytes
	out.MarkSlack = l.MarkSlack
	out.MaxSessionDuration = l.MaxSessionDuration
	out.OutboundQueueSize = l.OutboundQueueSize
	out.InboundMaxFPS = l.InboundMaxFPS
	out.InboundBurst = l.InboundBurst
	out.ProviderRetries = l.ProviderRetries
	out.ProviderRetryBase = l.ProviderRetryBase
	out.PacingFactor = l.PacingFactor
	out.InterimRepeats = l.InterimRepeats
	out.SilenceCommit = l.SilenceCommit
	out.MaxHistoryTurns = cfg.LLM.MaxHistory
	out.AckPhrase = l.AckPhrase
	out.ApologyPhrase = l.ApologyPhrase
	return out
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/auth"
	"github.com/hirecall/interviewd/internal/config"
	"github.com/hirecall/interviewd/internal/evaluation"
	"github.com/hirecall/interviewd/internal/httpapi"
	"github.com/hirecall/interviewd/internal/llm"
	"github.com/hirecall/interviewd/internal/notify"
	"github.com/hirecall/interviewd/internal/observability"
	"github.com/hirecall/interviewd/internal/orchestrator"
	"github.com/hirecall/interviewd/internal/protocol"
	"github.com/hirecall/interviewd/internal/relay"
	"github.com/hirecall/interviewd/internal/script"
	"github.com/hirecall/interviewd/internal/session"
	"github.com/hirecall/interviewd/internal/store"
	"github.com/hirecall/interviewd/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	st, err := store.New(runCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	hub, err := notify.New(runCtx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	var completer llm.Completer
	if cfg.OpenAI.APIKey != "" {
		c, err := llm.NewOpenAICompleter(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.CompletionModel,
			Timeout: cfg.OpenAI.Timeout,
		})
		if err != nil {
			return err
		}
		completer = c
	} else {
		logger.Warn("OPENAI_API_KEY not set, scripts and evaluations use fallbacks")
	}
	catalog := script.DefaultCatalog()
	generator := script.NewGenerator(completer, catalog, metrics, logger.Named("script"))
	evaluator := evaluation.NewEvaluator(completer, metrics, logger.Named("evaluation"))

	var provider telephony.Provider
	switch {
	case cfg.TelephonyEnabled():
		p, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			FromNumber: cfg.Twilio.FromNumber,
		})
		if err != nil {
			return err
		}
		provider = p
	case cfg.IsDevelopment():
		logger.Warn("telephony credentials not set, using mock provider")
		provider = telephony.NewMockProvider()
	default:
		logger.Warn("telephony credentials not set, outbound calls disabled")
	}

	service := orchestrator.NewService(orchestrator.Config{
		PublicBaseURL:      cfg.PublicBaseURL,
		DefaultCountryCode: cfg.DefaultCountryCode,
		AutoFinalize:       cfg.AutoFinalize,
		FinalizeTimeout:    cfg.FinalizeTimeout,
	}, orchestrator.Deps{
		Store:     st,
		Provider:  provider,
		Scripts:   generator,
		Evaluator: evaluator,
		Catalog:   catalog,
		Hub:       hub,
		Metrics:   metrics,
		Logger:    logger.Named("orchestrator"),
	})

	sessions := session.NewManager(cfg.Realtime.IdleTimeout)
	var bridge *relay.Bridge
	if cfg.OpenAI.APIKey != "" {
		dialer := relay.NewOpenAIDialer(relay.OpenAIDialerConfig{
			URL:    cfg.Realtime.URL,
			Model:  cfg.Realtime.Model,
			APIKey: cfg.OpenAI.APIKey,
		})
		sessionCfg := protocol.SessionConfig{
			Instructions: cfg.Realtime.Instructions,
			Voice:        cfg.Realtime.Voice,
			TurnDetection: protocol.TurnDetection{
				Threshold:         cfg.Realtime.VADThreshold,
				PrefixPaddingMS:   cfg.Realtime.VADPrefixPaddingMS,
				SilenceDurationMS: cfg.Realtime.VADSilenceMS,
			},
		}
		if cfg.Realtime.TranscriptionModel != "" {
			sessionCfg.InputAudioTranscription = &protocol.InputTranscription{Model: cfg.Realtime.TranscriptionModel}
		}
		recorder := relay.NewRecorder(st, hub, metrics, logger.Named("recorder"))
		bridge = relay.NewBridge(dialer, relay.Config{Session: sessionCfg}, sessions, recorder, metrics, logger.Named("relay"))
	} else {
		logger.Warn("OPENAI_API_KEY not set, realtime relay disabled")
	}
	sessions.StartJanitor(runCtx, 5*time.Second)

	var maker *auth.Maker
	if cfg.JWTSecret != "" {
		if maker, err = auth.NewMaker(cfg.JWTSecret); err != nil {
			return err
		}
	} else {
		logger.Warn("AUTH_JWT_SECRET not set, all requests act as the local owner")
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Service:  service,
		Sessions: sessions,
		Bridge:   bridge,
		Hub:      hub,
		Store:    st,
		Maker:    maker,
		Metrics:  metrics,
		Logger:   logger.Named("http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr), zap.String("public_base_url", cfg.PublicBaseURL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if bridge != nil {
		bridge.StopAll()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pending finalizations abandoned", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"speech-coach/server/internal/api"
	"speech-coach/server/internal/coach"
	"speech-coach/server/internal/config"
	"speech-coach/server/internal/domain"
	"speech-coach/server/internal/gate"
	"speech-coach/server/internal/gateway"
	"speech-coach/server/internal/llm"
	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/orchestrator"
	"speech-coach/server/internal/safety"
	"speech-coach/server/internal/session"
	"speech-coach/server/internal/signal"
	"speech-coach/server/internal/speech"
	"speech-coach/server/internal/timeline"
)

// 队列单轮上限在两次外部调用超时之外留出的余量
const turnTimeoutSlack = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging, verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// app 进程内的全部组件
type app struct {
	policies     *safety.PolicyStore
	deck         *domain.Deck
	hub          *gateway.Hub
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	policy := safety.DefaultPolicy()
	if cfg.Safety.PolicyPath != "" {
		p, err := safety.LoadPolicy(cfg.Safety.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	policies := safety.NewPolicyStore(policy)

	deck, err := domain.LoadDeck(cfg.Paths.Cards)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	classifier := signal.NewClassifier(client, cfg.LLM.ClassifierTimeout, logger)
	generator := coach.NewGenerator(client, cfg.LLM.GenerationTimeout, logger)
	g := gate.New(policies, signal.NewDetector(classifier), generator, time.Now, logger)

	hub := gateway.NewHub(logger)
	queues := session.NewQueues(cfg.LLM.ClassifierTimeout+cfg.LLM.GenerationTimeout+turnTimeoutSlack, logger)
	orch := orchestrator.New(session.NewInMemoryStore(), timeline.NewInMemoryStore(), queues, g, time.Now, orchestrator.Options{
		Deck:            deck,
		Publisher:       hub,
		SessionDuration: cfg.Safety.SessionDuration,
		Logger:          logger,
	})

	synth := speech.NewPollySynthesizer(cfg.Speech, logger)
	return &app{
		policies:     policies,
		deck:         deck,
		hub:          hub,
		orchestrator: orch,
		server:       api.NewServer(cfg, orch, deck, hub, synth, logger),
	}, nil
}

// serve 阻塞直到 ctx 结束或任一组件失败，然后按序关闭。
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("speechcoach listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("llm_provider", cfg.LLM.Provider),
			zap.Int("cards", a.deck.Len()),
			zap.Bool("speech", cfg.Speech.Enabled))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先断开长连接并取消进行中的轮次，再等 HTTP 请求收尾
		a.hub.CloseAll()
		a.orchestrator.Shutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		logger.Info("speechcoach stopped")
		return nil
	})
	if cfg.Safety.WatchPolicy && cfg.Safety.PolicyPath != "" {
		path := cfg.Safety.PolicyPath
		g.Go(func() error {
			return config.WatchFile(gctx, path, 0, logger, func() {
				// 新策略校验失败时保留旧策略继续服务
				if err := a.policies.ReloadFile(path); err != nil {
					logger.Warn("policy reload rejected", zap.String("path", path), zap.Error(err))
					return
				}
				logger.Info("policy reloaded", zap.String("path", path))
			})
		})
	}

	return g.Wait()
}

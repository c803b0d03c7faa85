package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/caricature"
	"github.com/davidwalker2235/fulgencio-project/internal/config"
	"github.com/davidwalker2235/fulgencio-project/internal/httpapi"
	"github.com/davidwalker2235/fulgencio-project/internal/notify"
	"github.com/davidwalker2235/fulgencio-project/internal/observability"
	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
	"github.com/davidwalker2235/fulgencio-project/internal/relay"
	"github.com/davidwalker2235/fulgencio-project/internal/session"
	"github.com/davidwalker2235/fulgencio-project/internal/userstore"
)

const imageTimeout = 2 * time.Minute

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Store    userstore.Store
	Metrics  *observability.Metrics

	resolver *relay.Resolver
	stop     context.CancelFunc
	watchers sync.WaitGroup
}

// Build wires the store, relay and HTTP surface from cfg. The status watcher
// runs until Cleanup is called.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := userstore.NewStore(ctx, userstore.Options{
		Mode:              cfg.UserStore,
		FirebaseURL:       cfg.FirebaseURL,
		FirebaseAuthToken: cfg.FirebaseAuthToken,
		DatabaseURL:       cfg.DatabaseURL,
		Timeout:           cfg.StoreTimeout,
	}, logger.Named("userstore"))
	if err != nil {
		return nil, fmt.Errorf("user store init failed: %w", err)
	}

	var realtimeDialer *relay.RealtimeDialer
	if cfg.RealtimeConfigured() {
		realtimeDialer = relay.NewRealtimeDialer(cfg.AzureEndpoint, cfg.AzureAPIKey, cfg.AzureAPIVersion, cfg.ModelName, logger.Named("dial"), metrics)
	}

	var (
		dialer  relay.Dialer
		variant relay.Variant
	)
	switch cfg.AgentType {
	case config.AgentExternal:
		dialer = relay.NewAgentDialer(cfg.AgentWSURL, metrics)
		variant = relay.VariantAgent
	default:
		variant = relay.VariantRealtime
		if realtimeDialer != nil {
			dialer = realtimeDialer
		}
	}

	notifier := notify.New(cfg.NotifyURL, cfg.NotifyTimeout, cfg.NotifyRetries, logger.Named("notify"), metrics)
	resolver := relay.NewResolver(store, notifier, relay.ResolverOptions{
		Timeout:       cfg.StoreTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
	}, logger.Named("resolver"), metrics)

	deps := httpapi.Deps{
		Registry:  session.NewRegistry(),
		Users:     store,
		StoreMode: store.Mode(),
		Logger:    logger.Named("http"),
		Metrics:   metrics,
	}
	if dialer != nil {
		deps.Relay = relay.New(dialer, resolver, relay.Options{
			Variant:            variant,
			ManualResponses:    cfg.ManualResponses,
			Instructions:       cfg.SessionInstructions(),
			Voice:              cfg.Voice,
			TranscriptionModel: cfg.TranscriptionModel,
			VAD: protocol.TurnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMS:   cfg.VADPrefixPaddingMS,
				SilenceDurationMS: cfg.VADSilenceDurationMS,
			},
		}, logger.Named("relay"), metrics)
	}
	if realtimeDialer != nil {
		deps.Summarizer = relay.NewSummarizer(realtimeDialer, cfg.SummaryInstructions, cfg.SummaryTimeout, logger.Named("summary"))
	}
	if cfg.ImageConfigured() {
		gen, err := caricature.NewAzureGenerator(caricature.GeneratorConfig{
			Endpoint:   cfg.ImageEndpoint,
			APIKey:     cfg.ImageAPIKey,
			APIVersion: cfg.ImageAPIVersion,
			Deployment: cfg.ImageDeployment,
			Size:       cfg.ImageSize,
			Count:      cfg.ImageCount,
			Prompt:     cfg.ImagePrompt,
			Timeout:    imageTimeout,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("caricature generator init failed: %w", err)
		}
		deps.Caricatures = caricature.NewService(gen, store, logger.Named("caricature"), metrics)
	}

	watchCtx, stop := context.WithCancel(context.Background())
	res := &BuildResult{
		Config:   cfg,
		API:      httpapi.New(cfg, deps),
		Registry: deps.Registry,
		Store:    store,
		Metrics:  metrics,
		resolver: resolver,
		stop:     stop,
	}
	res.watchers.Add(1)
	go func() {
		defer res.watchers.Done()
		res.watchStatus(watchCtx, logger.Named("status"))
	}()
	return res, nil
}

// watchStatus pushes every change of the store's status field to all open
// browser sessions and remembers it for sessions that connect later.
func (b *BuildResult) watchStatus(ctx context.Context, logger *zap.Logger) {
	err := b.Store.WatchStatus(ctx, func(v any) {
		b.Registry.SetStatus(v)
		sent, failed := b.Registry.Broadcast(protocol.NewStatusUpdate(v))
		b.Metrics.Broadcast(sent, failed)
		logger.Debug("status broadcast", zap.Int("sent", sent), zap.Int("failed", failed))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("status watcher stopped", zap.Error(err))
	}
}

// Cleanup stops the status watcher, waits for pending notifications and
// releases the store.
func (b *BuildResult) Cleanup() error {
	b.stop()
	b.watchers.Wait()
	b.resolver.Wait()
	return b.Store.Close()
}

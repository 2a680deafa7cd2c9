package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vox-go/vox-relay/pkg/core/analysis"
	"github.com/vox-go/vox-relay/pkg/core/providers/elevenlabs"
	"github.com/vox-go/vox-relay/pkg/gateway/config"
	"github.com/vox-go/vox-relay/pkg/gateway/handlers"
	gatewayserver "github.com/vox-go/vox-relay/pkg/gateway/server"
	"github.com/vox-go/vox-relay/pkg/gateway/store"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error)
	newAnalyzer  func(ctx context.Context, cfg config.Config, agents analysis.AgentSource, logger *slog.Logger) (handlers.TranscriptAnalyzer, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:  func() (config.Config, error) { return config.Load("") },
		openStore:   openStore,
		newAnalyzer: newAnalyzer,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// upstreamHTTPClient is the outbound client shared by the provider REST
// calls and the transcript analyzer.
func upstreamHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.UpstreamConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
		},
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		logger.Info("conversation store: in-memory")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	logger.Info("conversation store: postgres")
	return pg, pg.Close, nil
}

// newAnalyzer builds the configured transcript analyzer. Backend "off"
// returns nil, which disables the analysis step.
func newAnalyzer(ctx context.Context, cfg config.Config, agents analysis.AgentSource, logger *slog.Logger) (handlers.TranscriptAnalyzer, error) {
	switch cfg.Analyzer {
	case config.AnalyzerAnthropic:
		var opts []analysis.AnthropicOption
		if cfg.AnalyzerModel != "" {
			opts = append(opts, analysis.WithAnthropicModel(cfg.AnalyzerModel))
		}
		model := analysis.NewAnthropicModel(cfg.AnthropicAPIKey, opts...)
		logger.Info("transcript analyzer", "backend", "anthropic", "model", model.Name())
		return analysis.New(agents, model, logger), nil
	case config.AnalyzerGemini:
		model, err := analysis.NewGeminiModel(ctx, cfg.GeminiAPIKey, cfg.AnalyzerModel)
		if err != nil {
			return nil, fmt.Errorf("gemini analyzer: %w", err)
		}
		logger.Info("transcript analyzer", "backend", "gemini", "model", model.Name())
		return analysis.New(agents, model, logger), nil
	default:
		logger.Info("transcript analyzer disabled")
		return nil, nil
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openStore == nil || deps.newAnalyzer == nil {
		return errors.New("missing store or analyzer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	provider := elevenlabs.New(cfg.UpstreamAPIKey,
		elevenlabs.WithBaseURL(cfg.UpstreamBaseURL),
		elevenlabs.WithHTTPClient(upstreamHTTPClient(cfg)))

	st, closeStore, err := deps.openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	analyzer, err := deps.newAnalyzer(ctx, cfg, provider, logger)
	if err != nil {
		return err
	}

	srv := gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Store:    st,
		Provider: provider,
		Analyzer: analyzer,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting relay", "addr", cfg.Addr, "analyzer", string(cfg.Analyzer))

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitLiveSessions(waitCtx) {
		canceled := srv.CancelLiveSessions()
		logger.Warn("force-canceled live sessions", "count", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	_ = godotenv.Load()

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vox-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}

package telegram

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

const maxUpdateBody = 1 << 20

// WebhookConfig configures the webhook HTTP server.
type WebhookConfig struct {
	Addr       string // listen address (default :8080)
	Path       string // webhook URL path (default /telegram/webhook)
	Secret     string // expected X-Telegram-Bot-Api-Secret-Token value
	Normalizer *Normalizer
	Handler    func(ctx context.Context, u *domain.Update)
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Webhook receives Bot API updates over HTTP and hands the normalized form
// to the handler. Each update runs in its own goroutine so the platform gets
// its 200 before the model round-trip completes; redelivery of updates that
// raced a crash is the dedupe stage's problem.
type Webhook struct {
	cfg    WebhookConfig
	server *http.Server
	wg     sync.WaitGroup
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Path == "" {
		cfg.Path = "/telegram/webhook"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	return &Webhook{cfg: cfg}
}

// Start runs the server until ctx is cancelled, then drains in-flight
// updates and shuts down.
func (w *Webhook) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handleUpdate)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintf(rw, "ok uptime=%s\n", w.cfg.Metrics.Uptime().Round(time.Second))
	})
	mux.Handle("/metrics", w.cfg.Metrics.Handler())

	w.server = &http.Server{
		Addr:              w.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.cfg.Logger.Info("webhook server starting", "addr", w.cfg.Addr, "path", w.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.cfg.Logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := w.server.Shutdown(shutdownCtx)
		w.wg.Wait()
		return err
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) handleUpdate(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if w.cfg.Secret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.cfg.Secret)) != 1 {
			w.cfg.Metrics.Counter("chatrelay_webhook_rejected_total", "Webhook requests with a bad secret token", "").Inc()
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	update, err := w.cfg.Normalizer.Normalize(body)
	if err != nil {
		w.cfg.Logger.Warn("undecodable update", "err", err)
		// 200 regardless: a 4xx would make the platform redeliver the same
		// broken payload forever.
		rw.WriteHeader(http.StatusOK)
		return
	}
	if update == nil {
		rw.WriteHeader(http.StatusOK)
		return
	}

	w.cfg.Metrics.Counter("chatrelay_webhook_updates_total", "Updates accepted from the webhook", "").Inc()
	inflight := w.cfg.Metrics.Gauge("chatrelay_inflight_updates", "Updates currently being processed", "")
	inflight.Inc()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer inflight.Dec()
		w.cfg.Handler(context.Background(), update)
	}()

	rw.WriteHeader(http.StatusOK)
}

package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"git.fleetops.dev/dispatch/golang/convoy/internal/realtime"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Server struct {
	Handler *Handler
	Manager *realtime.Manager
}

func NewServer(handler *Handler, manager *realtime.Manager) *Server {
	return &Server{
		Handler: handler,
		Manager: manager,
	}
}

func (server *Server) Router() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Group(func(r chi.Router) {
		r.Use(RequireSignature)
		r.Post("/webhooks/transcription", server.Handler.HandleTranscriptionEvent)
		r.Post("/webhooks/call-completion", server.Handler.HandleCompletionEvent)
	})

	router.Group(func(r chi.Router) {
		r.Use(RequireAPIKey)
		r.Post("/api/calls", server.Handler.HandlePlaceCall)
	})

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		realtime.ServeWS(server.Manager, w, r)
	})

	return router
}

// Run serves until the context is canceled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	timeout := time.Duration(config.Conf.HTTPTimeout) * time.Second

	httpServer := &http.Server{
		Addr:              ":" + config.Conf.HTTPPort,
		Handler:           server.Router(),
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		IdleTimeout:       timeout,
	}

	errChan := make(chan error, 1)

	go func() {
		logging.Logger.Info("start webhook server on port " + config.Conf.HTTPPort)

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		logging.Logger.Error("Failed to shutdown webhook server gracefully", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("webhook server stopped")

	return nil
}

// RequireAPIKey guards the internal call placement endpoint with a static
// bearer key.
func RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := r.Header.Get("Authorization")

		token, found := cutBearer(authorization)
		if !found || token != config.Conf.CallAPIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func cutBearer(authorization string) (string, bool) {
	const prefix = "Bearer "

	if len(authorization) <= len(prefix) || authorization[:len(prefix)] != prefix {
		return "", false
	}

	return authorization[len(prefix):], true
}

package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds request bodies; private keys are the largest payload.
const maxBodyBytes = 1 << 20

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig provides default server configuration values. The
// write timeout covers a synchronous run, which is bounded by the exec
// timeout plus the connect timeout.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:8000",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    6 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer serves handler until ctx is done, then shuts down gracefully.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig, logger lg.Logger) error {
	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", config.Addr, err)
	}
	return Serve(ctx, ln, handler, config, logger)
}

// Serve is RunServer on an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, config ServerConfig, logger lg.Logger) error {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", lg.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-errCh

	logger.Info("Server stopped gracefully")
	return nil
}

// WithRequestLogger scopes the context logger to the request so handlers can
// log through lg.FromContext.
func WithRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		logger := lg.FromContext(r.Context()).With(
			lg.String("method", r.Method),
			lg.String("path", r.URL.Path),
		)
		next.ServeHTTP(rw, r.WithContext(lg.Attach(r.Context(), logger)))
	})
}

type requestKey struct{}

// ValidationHandler decodes the JSON body into T, validates it and passes it
// to the next handler through the request context.
type ValidationHandler[T any] struct {
	next     http.Handler
	validate *validator.Validate
}

// NewValidationHandler creates a new validation handler for the given request type.
func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next, validate: validator.New()}
}

func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var request T
	decoder := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	defer r.Body.Close()

	if err := decoder.Decode(&request); err != nil {
		WriteError(rw, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	if err := h.validate.Struct(request); err != nil {
		WriteError(rw, http.StatusBadRequest, err.Error())
		return
	}

	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// RequestFrom returns the request decoded by ValidationHandler[T].
func RequestFrom[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(requestKey{}).(T)
	return v, ok
}

func WriteJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	// the status line is already out; a failed encode only truncates the body
	_ = json.NewEncoder(rw).Encode(v)
}

// WriteError writes {"detail": msg}.
func WriteError(rw http.ResponseWriter, status int, msg string) {
	WriteJSON(rw, status, map[string]string{"detail": msg})
}

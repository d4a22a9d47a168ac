package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/chatroom/internal/platform/timeouts"
	"github.com/louisbranch/chatroom/internal/services/chat/identity"
	"github.com/louisbranch/chatroom/internal/services/chat/rooms"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
)

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Policy   identity.Policy
	Identity identity.Config

	// Store is the durable backend. Nil runs memory-only.
	Store        storage.Store
	HistoryLimit int
	MessageTTL   time.Duration

	AllowedOrigins []string
	OAuth          OAuthConfig

	// OnPersisted observes detached message writes.
	OnPersisted func(msg storage.Message, persisted bool)
}

// Server hosts the chat HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	gateway         *storage.Gateway
	coordinator     *Coordinator
	coordinatorStop context.CancelFunc
	coordinatorDone chan struct{}
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server with an explicit context.
//
// The context bounds the startup store probe only. The dispatch goroutine
// starts here and stops in Close.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	resolver, err := identity.NewResolver(config.Policy, config.Identity)
	if err != nil {
		return nil, fmt.Errorf("init identity resolver: %w", err)
	}

	gateway := storage.Open(ctx, config.Store, storage.Options{
		HistoryLimit: config.HistoryLimit,
		MessageTTL:   config.MessageTTL,
	})
	registry := rooms.NewRegistry(gateway)
	coordinator := NewCoordinator(registry, gateway, CoordinatorOptions{OnPersisted: config.OnPersisted})

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Run(runCtx)
	}()

	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: newHandler(handlerDeps{
			coordinator:    coordinator,
			resolver:       resolver,
			catalog:        gateway,
			hostedUI:       newHostedUI(config.OAuth),
			allowedOrigins: config.AllowedOrigins,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	log.Printf("chat: identity policy %s, durable store available=%t", resolver.Policy(), gateway.Available())
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		gateway:         gateway,
		coordinator:     coordinator,
		coordinatorStop: stop,
		coordinatorDone: done,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat: server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close stops the dispatch goroutine, waits for detached writes and releases
// the durable store.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.coordinatorStop != nil {
		s.coordinatorStop()
	}
	if s.coordinatorDone != nil {
		<-s.coordinatorDone
	}
	if s.coordinator != nil {
		s.coordinator.Wait()
	}
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			log.Printf("chat: close durable store: %v", err)
		}
	}
}

// Package websocket serves the chat protocol over websocket connections.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/session"
)

// SessionHandler owns the session lifecycle and frame handling for a
// connection. Handle returning an error terminates the connection.
type SessionHandler interface {
	Connect(ctx context.Context, token string) (*session.Session, error)
	Handle(ctx context.Context, sess *session.Session, raw []byte) error
	Disconnect(ctx context.Context, sess *session.Session)
}

// Acceptor upgrades HTTP requests on the configured path and runs one
// session per connection.
type Acceptor struct {
	cfg      config.WebSocketConfig
	handler  SessionHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
	stopped  bool
}

// NewAcceptor creates a websocket acceptor with the given configuration.
//
// Precondition: handler and logger must be non-nil; cfg must pass config validation.
// Postcondition: Returns an Acceptor ready for ListenAndServe or Handler.
func NewAcceptor(cfg config.WebSocketConfig, handler SessionHandler, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		now:     time.Now,
		quit:    make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(cfg.AllowedOrigins, logger).check,
	}
	return a
}

// Handler returns the HTTP handler serving the upgrade path.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.serveWS)
	return mux
}

// ListenAndServe binds the configured address and serves until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	select {
	case <-a.quit:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	a.wg.Add(1)
	defer a.wg.Done()
	a.handleConn(ws, bearerToken(r), r.RemoteAddr)
}

func (a *Acceptor) handleConn(ws *websocket.Conn, token, addr string) {
	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := a.handler.Connect(ctx, token)
	if err != nil {
		a.logger.Error("connecting session", zap.String("remote_addr", addr), zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unavailable"),
			time.Now().Add(a.cfg.WriteTimeout))
		ws.Close()
		return
	}

	// Closing the socket on quit unblocks the read pump.
	go func() {
		select {
		case <-a.quit:
			cancel()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(a.cfg.WriteTimeout))
			ws.Close()
		case <-ctx.Done():
		}
	}()

	c := &conn{
		ws:      ws,
		sess:    sess,
		cfg:     a.cfg,
		handler: a.handler,
		limiter: newRateLimiter(a.cfg.RateLimit.Burst, a.cfg.RateLimit.Refill, a.now),
		logger:  a.logger,
	}
	c.serve(ctx)

	a.logger.Info("connection ended",
		zap.String("remote_addr", addr),
		zap.String("session_id", sess.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for browser clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Stop closes the listener and every open connection, then waits for their
// sessions to be torn down.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.running = false
	close(a.quit)
	srv := a.server
	a.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

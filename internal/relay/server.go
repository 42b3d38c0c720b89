// Package relay is a small signaling server for development and tests.
//
// It speaks the same {event, data} envelopes as the production backend:
// auth:login, auth:me, chat:list and user:list are answered from static
// configuration, rtc:signal is forwarded to its toUserId, message:send fans
// out to chat members, presence:update is broadcast, and anything else is
// echoed back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/meshcall/internal/util"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
	readLimit           = 256 * 1024
)

// Account is a user the relay can authenticate.
type Account struct {
	ID          string `mapstructure:"id"`
	Username    string `mapstructure:"username"`
	DisplayName string `mapstructure:"display_name"`
	Password    string `mapstructure:"password"`
	Token       string `mapstructure:"token"`
}

// Room is a configured chat. Members are user ids.
type Room struct {
	ID      string   `mapstructure:"id"`
	Type    string   `mapstructure:"type"`
	Title   string   `mapstructure:"title"`
	Members []string `mapstructure:"members"`
}

// Options configures a Server. Zero durations take defaults.
type Options struct {
	Accounts     []Account
	Rooms        []Room
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// Server upgrades /ws requests and routes their events through a hub.
type Server struct {
	hub      *hub
	upgrader websocket.Upgrader
	log      util.Scope
}

// New creates a server.
func New(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Server{
		hub: newHub(opts),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: util.Scoped("relay"),
	}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
		s.hub.closeAll()
	}()

	s.log.Info("listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Online returns the ids of users with a bound session.
func (s *Server) Online() []string { return s.hub.online() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade: %v", err)
		return
	}

	userID := token
	if acct, ok := s.hub.byToken(token); ok {
		userID = acct.ID
	}
	sess := newSession(uuid.NewString(), conn, s.hub)
	s.hub.bind(sess, userID)
	go sess.writePump()
	go sess.readPump()
}

package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Server streams subscriptions of a RemoteStore to websocket clients.
type Server struct {
	store    ports.RemoteStore
	logger   ports.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a relay for store.
func NewServer(store ports.RemoteStore, logger ports.Logger) *Server {
	return &Server{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and relays change events until either side
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table, filter := parseFeedQuery(r.URL.Query())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.store.Subscribe(ctx, table, filter)
	if err != nil {
		http.Error(w, err.Error(), subscribeStatus(err))
		return
	}
	defer func() { _ = sub.Close() }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(zerr.Wrap(err, "upgrade feed connection"))
		return
	}
	defer func() { _ = conn.Close() }()

	connID := uuid.NewString()
	s.logger.Info(fmt.Sprintf("feed %s opened for %s", connID, table))
	defer s.logger.Info(fmt.Sprintf("feed %s closed", connID))

	if err := s.write(conn, frame{Kind: frameHello, ConnID: connID}); err != nil {
		return
	}

	// Client frames are ignored; reading detects the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				s.closeWith(conn, sub.Err())
				return
			}
			if err := s.write(conn, eventFrame(ev)); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, f frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// closeWith reports why the upstream subscription ended before closing.
func (s *Server) closeWith(conn *websocket.Conn, err error) {
	if err == nil {
		err = domain.ErrSubscriptionClosed
	}
	f := frame{Kind: frameError, Message: err.Error()}
	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		f.Code = remote.Code
		f.Message = remote.Message
	}
	_ = s.write(conn, f)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}

func subscribeStatus(err error) int {
	var remote *domain.RemoteError
	switch {
	case errors.Is(err, domain.ErrUnknownTable), errors.Is(err, domain.ErrInvalidRow):
		return http.StatusBadRequest
	case errors.As(err, &remote) && remote.Status >= http.StatusBadRequest:
		return remote.Status
	default:
		return http.StatusBadGateway
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/realtime"
	"github.com/doingharm/gamepad-relay/router"
	"github.com/doingharm/gamepad-relay/state"
)

// wsPort adapts a websocket connection to router.Port.
type wsPort struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func newWSPort(conn *websocket.Conn) *wsPort {
	return &wsPort{id: uuid.NewString(), conn: conn}
}

func (p *wsPort) ID() string { return p.id }

func (p *wsPort) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (p *wsPort) write(data []byte) error {
	if p.closed.Load() {
		return router.ErrPortClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		p.closed.Store(true)
		return fmt.Errorf("%w: %v", router.ErrPortClosed, err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.closed.Store(true)
		return fmt.Errorf("%w: %v", router.ErrPortClosed, err)
	}
	return nil
}

func (p *wsPort) close() {
	p.closed.Store(true)
	p.conn.Close()
}

// handleWorker attaches one page to the router. The page speaks the port
// protocol: INIT, UPDATE_STATE and CLEANUP in; BROADCAST_STATE and
// DEBUG_LOG out.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	userID, authenticated := s.userFromRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	port := newWSPort(conn)
	log := s.logger.With().Str("port", port.ID()).Logger()

	s.deps.Router.Attach(port)
	defer func() {
		s.deps.Router.Detach(port.ID())
		port.close()
		log.Debug().Msg("worker port closed")
	}()

	log.Info().Str("remote_addr", r.RemoteAddr).Bool("authenticated", authenticated).Msg("worker port opened")

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("worker port read failed")
			}
			return
		}

		msg, err := protocol.WorkerInbound.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("rejected worker message")
			continue
		}

		// only an authenticated page may claim a user id
		if m, ok := msg.(*protocol.Init); ok {
			m.UserID = ""
			if authenticated {
				m.UserID = userID
			}
		}

		if err = s.deps.Router.Handle(ctx, port, msg); err != nil {
			log.Warn().Err(err).Str("type", string(msg.MessageType())).Msg("worker message failed")
		}
	}
}

const overlayBuffer = 64

// handleOverlay streams a realtime channel to a public viewer. The path
// parameter is a username or a full channel id.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	name, err := resolveChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch, err := s.deps.Broker.Channel(name)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer ch.Close()

	// subscribe before the upgrade so nothing published after the
	// handshake is missed
	updates := make(chan *state.NormalizedState, overlayBuffer)
	unsubscribe, err := realtime.Subscribe(ch, func(st *state.NormalizedState) {
		select {
		case updates <- st:
		default:
		}
	}, func(err error) {
		s.logger.Debug().Err(err).Str("channel", name).Msg("undecodable overlay payload")
	})
	if err != nil {
		s.logger.Error().Err(err).Str("channel", name).Msg("failed to subscribe overlay")
		writeError(w, "Realtime channel unavailable", http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}
	port := newWSPort(conn)
	defer port.close()

	s.logger.Info().Str("channel", name).Str("remote_addr", r.RemoteAddr).Msg("overlay viewer connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// viewers never send anything meaningful; reads only detect the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			data, err := protocol.Encode(&protocol.BroadcastState{
				State:         st,
				ButtonChanges: state.ButtonChanges{Pressed: []int{}, Released: []int{}},
				Timestamp:     timestampOf(st),
			})
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to encode overlay state")
				continue
			}
			if err = port.write(data); err != nil {
				s.logger.Debug().Err(err).Str("channel", name).Msg("overlay viewer gone")
				return
			}
		}
	}
}

func timestampOf(st *state.NormalizedState) int64 {
	if st == nil {
		return time.Now().UnixMilli()
	}
	return st.Timestamp
}

package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/events"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Streams authenticate with bearer tokens, not cookies.
		return true
	},
}

// Server upgrades runner stream requests and forwards desired-state
// events over the socket.
type Server struct {
	store  *store.Store
	broker *events.Broker
}

// NewServer creates a stream server.
func NewServer(st *store.Store, broker *events.Broker) *Server {
	return &Server{store: st, broker: broker}
}

// ServeStream handles GET /workspace/{workspaceID}/runner/{runnerID}/stream.
// Authentication and the runner::view check happen in middleware before
// this runs.
func (s *Server) ServeStream(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	runnerID := chi.URLParam(r, "runnerID")
	logger := log.WithRunnerID(runnerID)

	if _, err := s.store.GetRunner(r.Context(), workspaceID, runnerID); err != nil {
		apierror.WriteHTTP(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	ctx := r.Context()
	if err := s.store.SetRunnerConnected(ctx, workspaceID, runnerID, true); err != nil {
		logger.Warn().Err(err).Msg("failed to mark runner connected")
	}
	metrics.ConnectedRunners.Inc()
	logger.Info().Str("workspace_id", workspaceID).Msg("runner stream opened")

	defer func() {
		metrics.ConnectedRunners.Dec()
		if err := s.store.SetRunnerConnected(ctx, workspaceID, runnerID, false); err != nil {
			logger.Warn().Err(err).Msg("failed to mark runner disconnected")
		}
		logger.Info().Msg("runner stream closed")
	}()

	sub := s.broker.Subscribe(workspaceID, runnerID)
	defer s.broker.Unsubscribe(workspaceID, runnerID, sub)

	// Pings are answered from the write loop so every socket write
	// happens on one goroutine.
	pongCh := make(chan struct{}, 8)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != MessagePing {
				continue
			}
			if err := s.store.TouchRunner(ctx, workspaceID, runnerID, time.Now()); err != nil {
				logger.Warn().Err(err).Msg("failed to record runner ping")
			}
			select {
			case pongCh <- struct{}{}:
			default:
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		case <-pongCh:
			if err := ws.WriteJSON(&Message{Type: MessagePong}); err != nil {
				return
			}
			metrics.StreamMessagesSent.WithLabelValues(string(MessagePong)).Inc()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			msg := toMessage(ev)
			if msg == nil {
				continue
			}
			if err := ws.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Msg("stream write failed")
				return
			}
			metrics.StreamMessagesSent.WithLabelValues(string(msg.Type)).Inc()
		}
	}
}

func toMessage(ev *events.Event) *Message {
	switch ev.Type {
	case events.EventDeploymentCreated:
		return &Message{Type: MessageDeploymentCreated, ID: ev.DeploymentID, Deployment: ev.New}
	case events.EventDeploymentUpdated:
		return &Message{Type: MessageDeploymentUpdated, ID: ev.DeploymentID, Old: ev.Old, New: ev.New}
	case events.EventDeploymentDeleted:
		return &Message{Type: MessageDeploymentDeleted, ID: ev.DeploymentID}
	default:
		return nil
	}
}

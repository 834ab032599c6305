package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stepflow/orchestrator"
)

// EventsHandler streams scheduler events over WebSocket.
type EventsHandler struct {
	bus     *orchestrator.EventBus
	logger  *zap.Logger
	origins []string
}

// NewEventsHandler creates a handler that serves events from the bus.
// origins restricts acceptable WebSocket origins; empty allows same-origin
// requests only.
func NewEventsHandler(bus *orchestrator.EventBus, origins []string, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		bus:     bus,
		logger:  logger.With(zap.String("component", "events_handler")),
		origins: origins,
	}
}

// HandleStream serves GET /api/v1/events and
// GET /api/v1/workflows/{id}/events. With a path ID only that workflow's
// events are forwarded. Each event is one JSON text frame.
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	h.logger.Debug("event stream opened",
		zap.String("workflow_id", workflowID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Drain incoming frames so control messages are processed and a client
	// close ends the stream.
	g.Go(func() error {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e, ok := <-events:
				if !ok {
					return conn.Close(websocket.StatusGoingAway, "event bus closed")
				}
				if workflowID != "" && e.WorkflowID != workflowID {
					continue
				}
				payload, err := json.Marshal(e)
				if err != nil {
					return err
				}
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
		h.logger.Debug("event stream ended", zap.Error(err))
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/codewandler/trackr/core/dispatch"
	"github.com/codewandler/trackr/core/event"
)

var errNoEvents = errors.New("message has no events")

type streamMessage struct {
	Events []event.Event `json:"events"`
}

// stream upgrades to a WebSocket after the session accepted the connection,
// so policy rejections surface as plain HTTP errors.
func (s *Server) stream(rw http.ResponseWriter, r *http.Request) {
	id := queryIdentity(r)
	if id == "" {
		s.writeError(rw, r, fmt.Errorf("%w: id query parameter", dispatch.ErrMissingIdentity))
		return
	}

	st, err := s.d.OpenStream(r.Context(), id)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.timeout)
		defer cancel()
		if err := st.Close(ctx); err != nil {
			s.log.Warn("stream close failed", slog.String("identity", id), slog.Any("error", err))
		}
	}()

	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Debug("websocket accept failed", slog.String("identity", id), slog.Any("error", err))
		return
	}
	defer conn.CloseNow()

	log := s.log.With(slog.String("identity", id))
	log.Debug("stream opened")
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debug("stream read ended", slog.Any("error", err))
			}
			return
		}

		if err := s.ingestFrame(ctx, st, data); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			werr := wsjson.Write(wctx, conn, ErrorResponse{Error: err.Error()})
			cancel()
			if werr != nil {
				log.Debug("stream error envelope not delivered", slog.Any("error", werr))
				return
			}
		}
	}
}

// ingestFrame rejects a malformed frame as a whole; the stream stays open.
func (s *Server) ingestFrame(ctx context.Context, st *dispatch.Stream, data []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %w", dispatch.ErrMalformedMessage, err)
	}
	if msg.Events == nil {
		return fmt.Errorf("%w: %w", dispatch.ErrMalformedMessage, errNoEvents)
	}
	_, err := st.Send(ctx, msg.Events)
	return err
}

package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/italolelis/attachment_downloader/internal/attachment"
	"github.com/italolelis/attachment_downloader/internal/logctx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// streamer pushes RenderState updates for one target over a WebSocket. Each
// socket owns exactly one subscription, released when the socket closes.
type streamer struct {
	queue    Queue
	upgrader websocket.Upgrader
}

func newStreamer(q Queue) *streamer {
	return &streamer{
		queue: q,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetID := chi.URLParam(r, "targetID")
	logger := logctx.LoggerFromContext(ctx).With("target_id", targetID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client
		logger.DebugContext(ctx, "websocket upgrade failed", "err", err)

		return
	}
	defer conn.Close()

	// only the newest state matters to a view; older ones are overwritten
	updates := make(chan attachment.RenderState, 1)

	sub := s.queue.Subscribe(targetID, func(rs attachment.RenderState) {
		for {
			select {
			case updates <- rs:
				return
			default:
			}

			select {
			case <-updates:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	closed := make(chan struct{})

	go func() {
		defer close(closed)

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	logger.DebugContext(ctx, "render state stream opened")

	for {
		select {
		case <-closed:
			logger.DebugContext(ctx, "render state stream closed by client")

			return
		case <-ctx.Done():
			return
		case rs := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteJSON(rs); err != nil {
				logger.DebugContext(ctx, "failed to write render state", "err", err)

				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/domovoy-ai/domovoy/internal/stream"
)

// maxFrameSize bounds one incoming WebSocket message. Base64-encoded audio
// chunks are the largest frames clients send.
const maxFrameSize = 4 << 20

// wsConn adapts a WebSocket connection to the session transport interface.
type wsConn struct {
	conn *websocket.Conn
}

var _ stream.ClientConn = (*wsConn)(nil)

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not configured")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WarnContext(r.Context(), "websocket accept failed", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(r.Context(), -1)

	if err := s.streams.Serve(r.Context(), &wsConn{conn: conn}); err != nil {
		s.log.WarnContext(r.Context(), "stream session ended with error", slog.Any("error", err))
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// Package relay exposes the speech service to remote capture endpoints over
// WebSocket.
//
// Each client connection gets its own remote session, opened when the client
// connects and closed when it disconnects. The wire protocol is deliberately
// thin: clients send raw binary frames of 16 kHz s16le mono PCM and receive
// raw binary frames of 24 kHz s16le mono PCM synthesized by the model. No
// envelope, no handshake beyond the HTTP upgrade. Text frames are ignored.
//
// The relay never reconnects the remote session: when the session fails (or
// never opened), inbound audio is dropped and the client connection stays
// open, so a constrained endpoint only has to manage its own transport.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/gemini"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the read side
	// gives up. Pings go out at pingPeriod to keep healthy clients inside
	// this window.
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// maxFrameBytes caps inbound frames. One second of 16 kHz s16le audio is
	// 32000 bytes; anything far beyond that is a misbehaving client.
	maxFrameBytes = 1 << 18

	// sendBuffer is the per-client outbound queue depth. A client that falls
	// behind has frames dropped rather than stalling the session's receive
	// loop.
	sendBuffer = 64
)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics attaches metrics instruments to the server.
func WithMetrics(met *observe.Metrics) Option {
	return func(s *Server) { s.metrics = met }
}

// WithTranscriptHandler registers a callback for transcript fragments from
// every client's session. Must not block.
func WithTranscriptHandler(fn func(tr gemini.Transcript)) Option {
	return func(s *Server) { s.onTranscript = fn }
}

// client is one connected capture endpoint.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server relays PCM between WebSocket clients and per-client remote
// sessions. All methods are safe for concurrent use.
type Server struct {
	connector    bridge.Connector
	metrics      *observe.Metrics
	onTranscript func(gemini.Transcript)
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New creates a relay server that opens one session via connector for each
// client connection.
func New(connector bridge.Connector, opts ...Option) *Server {
	s := &Server{
		connector: connector,
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the /ws route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("relay: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.add(c) {
		conn.Close()
		return
	}
	defer s.remove(c)

	slog.Info("relay: client connected", "remote", r.RemoteAddr)
	if s.metrics != nil {
		s.metrics.RelayClients.Add(r.Context(), 1)
		defer s.metrics.RelayClients.Add(context.Background(), -1)
	}

	// One session per client. A failed connect is not fatal for the client
	// connection: frames are dropped until the client reconnects its own
	// transport. There is no server-side session retry.
	sess := s.openSession(r.Context())

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The read pump ending (client disconnect) cancels the group context,
	// which closes the session, which in turn ends the forward goroutine.
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readPump(c, sess) })
	g.Go(func() error { return s.writePump(ctx, c) })
	if sess != nil {
		g.Go(func() error { s.forward(c, sess); return nil })
		g.Go(func() error {
			<-ctx.Done()
			sess.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		slog.Warn("relay: client connection ended", "remote", r.RemoteAddr, "err", err)
		return
	}
	slog.Info("relay: client disconnected", "remote", r.RemoteAddr)
}

// openSession connects a remote session for one client, or returns nil when
// the connect fails.
func (s *Server) openSession(ctx context.Context) bridge.Session {
	began := time.Now()
	sess, err := s.connector.Connect(ctx)
	if err != nil {
		slog.Warn("relay: session connect failed, dropping client audio", "err", err)
		return nil
	}
	if s.metrics != nil {
		s.metrics.SessionConnectDuration.Record(ctx, time.Since(began).Seconds())
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	return sess
}

// readPump forwards inbound binary frames into the session until the client
// connection fails or closes. Frames arriving while the session is absent or
// dead are dropped; the connection stays open.
func (s *Server) readPump(c *client, sess bridge.Session) error {
	for {
		msgType, frame, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if len(frame)%2 != 0 {
			if s.metrics != nil {
				s.metrics.DecodeErrors.Add(context.Background(), 1)
			}
			slog.Debug("relay: discarding odd-length frame", "bytes", len(frame))
			continue
		}

		if sess == nil {
			s.dropFrame()
			continue
		}
		if err := sess.SendAudio(frame); err != nil {
			// The session may have terminated; the client keeps its
			// connection and decides its own retry policy.
			s.dropFrame()
		} else if s.metrics != nil {
			s.metrics.FramesSent.Add(context.Background(), 1)
		}
	}
}

func (s *Server) dropFrame() {
	if s.metrics != nil {
		s.metrics.RecordChunkDropped(context.Background(), "no_session")
	}
}

// forward streams the session's output to the client and fans out
// transcripts. It returns when the session terminates; the client connection
// stays open with inbound audio dropping thereafter.
func (s *Server) forward(c *client, sess bridge.Session) {
	// Interruption handling is the client's concern: it hears frames as they
	// arrive and has no server-buffered playback to flush.
	go audio.Drain(sess.Interrupts())
	go func() {
		for tr := range sess.Transcripts() {
			if s.onTranscript != nil {
				s.onTranscript(tr)
			}
		}
	}()

	for chunk := range sess.Audio() {
		if s.metrics != nil {
			s.metrics.ChunksReceived.Add(context.Background(), 1)
		}
		select {
		case c.send <- chunk:
		default:
			if s.metrics != nil {
				s.metrics.RecordChunkDropped(context.Background(), "slow_client")
			}
		}
	}

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if err := sess.Err(); err != nil {
		slog.Warn("relay: session terminated, client audio now dropping", "err", err)
	}
}

// writePump delivers queued frames and periodic pings to the client.
func (s *Server) writePump(ctx context.Context, c *client) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case pcm, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return nil
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				return err
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Closed reports whether the server has been shut down.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close disconnects all clients and rejects new ones. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.send)
		c.conn.Close()
	}
	clear(s.clients)
	s.mu.Unlock()
	return nil
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// isExpectedClose reports whether err is a routine client disconnect.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

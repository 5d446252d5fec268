// Package monitor serves a local status endpoint plus a websocket feed
// of live board updates, so a browser tab can watch the bot play.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ThatOnePro/lichess-bot/internal/game"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	sendBuffer    = 64
	broadcastSize = 256
)

// The monitor binds to a loopback address; any origin may read it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Status is the health payload.
type Status struct {
	Status      string `json:"status"`
	Bot         string `json:"bot"`
	ActiveGames int    `json:"activeGames"`
	UptimeSec   int    `json:"uptimeSec"`
}

// Server exposes the bot's state over HTTP and websocket.
type Server struct {
	addr    string
	botName string
	active  func() int
	logger  zerolog.Logger
	hub     *hub
	started time.Time
}

func NewServer(addr, botName string, active func() int, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		botName: botName,
		active:  active,
		logger:  logger,
		hub:     newHub(logger),
		started: time.Now(),
	}
}

// Publish pushes one board update to every connected client. It never
// blocks; updates are dropped when the feed cannot keep up.
func (s *Server) Publish(u game.Update) {
	s.hub.publish(u)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.HandleFunc("/ws", s.wsHandler)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.run(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info().Str("addr", srv.Addr).Msg("monitor listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Status{
		Status:      "ok",
		Bot:         s.botName,
		ActiveGames: s.active(),
		UptimeSec:   int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}

// hub fans board updates out to the connected clients.
type hub struct {
	logger     zerolog.Logger
	clients    map[*client]bool
	broadcast  chan game.Update
	register   chan *client
	unregister chan *client
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan game.Update, broadcastSize),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *hub) publish(u game.Update) {
	select {
	case h.broadcast <- u:
	default:
		h.logger.Warn().Str("game_id", u.GameID).Msg("monitor feed full, dropping update")
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("monitor client connected")
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.logger.Debug().Int("clients", len(h.clients)).Msg("monitor client disconnected")
		case u := <-h.broadcast:
			message, err := json.Marshal(u)
			if err != nil {
				h.logger.Error().Err(err).Msg("marshalling update failed")
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow consumer: drop it rather than stall the feed.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// readPump discards whatever the client sends while keeping the
// connection's liveness deadlines fed.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush anything else already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

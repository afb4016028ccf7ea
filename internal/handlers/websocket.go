package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/config"
	"github.com/mossy-p/blink-signaling/internal/middleware"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/presence"
	"github.com/mossy-p/blink-signaling/internal/signaling"
	"github.com/mossy-p/blink-signaling/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

var errSendBufferFull = errors.New("send buffer full")

// Gateway runs a signaling caller on behalf of every connected browser. The
// browser is the media engine; this process talks to the store.
type Gateway struct {
	Store    store.Store
	Presence presence.Tracker
	Session  config.SessionConfig
	Log      *pterm.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte
	caller *signaling.Caller
	log    *pterm.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	blinks  sync.WaitGroup

	mu       sync.Mutex
	engine   *bridgeEngine
	closed   bool
	stopping bool
}

// HandleBlink upgrades an authenticated participant to the signaling socket.
func (g *Gateway) HandleBlink(c *gin.Context) {
	participantID, ok := middleware.ParticipantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Participant not authenticated"})
		return
	}

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling shutting down"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.Log.Warn("failed to upgrade connection", g.Log.Args("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:     participantID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		log:    g.Log,
		ctx:    ctx,
		cancel: cancel,
	}
	client.caller = signaling.NewCaller(g.Store, participantID, client.newEngine, signaling.CallerOptions{
		Policy:        signaling.Policy{AutoRenegotiateOnFailure: g.Session.AutoRenegotiateOnFailure},
		AnswerTimeout: g.Session.AnswerTimeout,
		Logger:        g.Log,
		OnState:       client.onState,
		OnError:       client.onError,
	})

	if !g.register(client) {
		cancel()
		conn.Close()
		return
	}
	client.release = func() { g.unregister(client) }

	g.Log.Info("participant connected", g.Log.Args("participant", participantID))

	if g.Presence != nil {
		go presence.Keep(ctx, g.Presence, participantID, g.Session.HeartbeatInterval, func(err error) {
			g.Log.Warn("presence heartbeat failed", g.Log.Args("participant", participantID, "error", err))
		})
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

func (g *Gateway) register(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if g.clients == nil {
		g.clients = make(map[*Client]struct{})
	}
	g.clients[c] = struct{}{}
	return true
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, c)
}

// Close ends the session of every connected participant and disconnects
// them. Hijacked sockets outlive http.Server.Shutdown, so this must run
// before the store goes away. Later upgrades are refused.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, c := range clients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.shutdown(ctx)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
		g.Log.Info("gateway closed", g.Log.Args("participants", len(clients)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown ends the caller while the store is still reachable, then drops the
// socket so the pumps exit.
func (c *Client) shutdown(ctx context.Context) {
	c.cancel()
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	if err := c.caller.Close(ctx); err != nil {
		c.log.Warn("failed to end session", c.log.Args("participant", c.ID, "error", err))
	}
	c.blinks.Wait()
	c.Conn.Close()
}

func (c *Client) newEngine(context.Context) (signaling.MediaEngine, error) {
	engine := newBridgeEngine(c.sendMessage)
	c.mu.Lock()
	c.engine = engine
	c.mu.Unlock()
	return engine, nil
}

func (c *Client) currentEngine() *bridgeEngine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

func (c *Client) onState(s *signaling.Session, st signaling.State) {
	if st == signaling.StateRoleResolved {
		_ = c.sendMessage(models.SignalMessage{
			Type:   models.SignalTypeRole,
			Role:   s.Role().String(),
			RoomID: s.RoomID(),
		})
	}
	_ = c.sendMessage(models.SignalMessage{
		Type:   models.SignalTypeState,
		State:  st.String(),
		RoomID: s.RoomID(),
		PeerID: s.PeerID(),
	})
}

func (c *Client) onError(err error) {
	c.sendError(err)
}

func (c *Client) sendError(err error) {
	if errors.Is(err, signaling.ErrPeerLeft) {
		_ = c.sendMessage(models.SignalMessage{Type: models.SignalTypePeerLeft})
		return
	}
	_ = c.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: err.Error()})
}

func (c *Client) blink() {
	err := c.caller.Blink(c.ctx)
	if err == nil || c.ctx.Err() != nil || errors.Is(err, signaling.ErrSessionClosed) {
		return
	}
	c.log.Warn("blink failed", c.log.Args("participant", c.ID, "error", err))
	c.sendError(err)
}

func (c *Client) handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeBlink:
		c.mu.Lock()
		if c.stopping {
			c.mu.Unlock()
			return
		}
		c.blinks.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.blinks.Done()
			c.blink()
		}()

	case models.SignalTypeDescription:
		engine := c.currentEngine()
		if engine == nil || !engine.resolve(msg.RequestID, msg.SDP) {
			c.log.Debug("unexpected description", c.log.Args("participant", c.ID, "request", msg.RequestID))
		}

	case models.SignalTypeCandidate:
		engine := c.currentEngine()
		if msg.Candidate == nil || engine == nil {
			return
		}
		engine.localCandidate(*msg.Candidate)

	case models.SignalTypeConnectionState:
		state, ok := signaling.ParseConnectionState(msg.State)
		engine := c.currentEngine()
		if !ok || engine == nil {
			return
		}
		engine.connectionState(state)

	case models.SignalTypeLeave:
		if s := c.caller.Current(); s != nil {
			_ = s.End(c.ctx)
		}

	default:
		c.log.Debug("unknown message type", c.log.Args("participant", c.ID, "type", msg.Type))
		_ = c.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "unknown message type"})
	}
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		_ = c.caller.Close(context.Background())

		c.mu.Lock()
		c.closed = true
		close(c.Send)
		c.mu.Unlock()

		c.Conn.Close()
		c.release()
		c.log.Info("participant disconnected", c.log.Args("participant", c.ID))
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", c.log.Args("participant", c.ID, "error", err))
			}
			break
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Debug("failed to parse message", c.log.Args("participant", c.ID, "error", err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message", c.log.Args("participant", c.ID, "error", err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errParticipantGone
	}
	select {
	case c.Send <- data:
		return nil
	default:
		c.log.Warn("send buffer full, dropping message", c.log.Args("participant", c.ID, "type", msg.Type))
		return errSendBufferFull
	}
}

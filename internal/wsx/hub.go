// Package wsx is the signalling transport: a gorilla/websocket hub with a
// per-room fan-out (Upgrade puts each client in a room named by its own
// session id) and a typed command registry, carried over
// unmodified from the teacher's websocket.Hub/CommandRegistry pattern and
// generalized from a single global room map to one Hub instance owned by
// the session manager.
package wsx

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/overlaymeet/server/internal/logx"
)

// CommandFunc handles one decoded signalling message. sessionID is the
// sender's own id (taken from the message's "from" field, same as the
// teacher's handler signature), payload is the raw decoded JSON object.
type CommandFunc func(sessionID string, hub *Hub, payload map[string]interface{})

// CommandRegistry maps a message's "type" field to its handler.
type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]CommandFunc)}
}

// Register installs the handler for a command type.
func (cr *CommandRegistry) Register(command string, handler CommandFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.handlers[command] = handler
}

func (cr *CommandRegistry) lookup(command string) (CommandFunc, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	h, ok := cr.handlers[command]
	return h, ok
}

// Client is one websocket connection, registered in the room named by
// MeetingID (Upgrade sets it to the session id) and identified by its
// session id.
type Client struct {
	Conn     *websocket.Conn
	Send     chan []byte
	Registry *CommandRegistry
	MeetingID string
	SessionID string
}

// message is the envelope used for internal broadcast routing. Content is
// the already-marshalled outbound payload.
type message struct {
	MeetingID string
	SessionID string // empty means "every client in the room"
	Content   []byte
}

// Hub multiplexes multiple rooms over one set of goroutines,
// exactly as the teacher's Hub.Run loop does for its Rooms map.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Client]bool

	broadcast  chan message
	register   chan *Client
	unregister chan *Client
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan message, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives the hub's single-goroutine state machine. Call it once, in a
// goroutine, at server startup.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if _, ok := h.rooms[c.MeetingID]; !ok {
				h.rooms[c.MeetingID] = make(map[*Client]bool)
			}
			h.rooms[c.MeetingID][c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.rooms[c.MeetingID]; ok {
				if _, exists := clients[c]; exists {
					delete(clients, c)
					close(c.Send)
					if len(clients) == 0 {
						delete(h.rooms, c.MeetingID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			clients, ok := h.rooms[msg.MeetingID]
			if !ok {
				h.mu.Unlock()
				continue
			}
			for c := range clients {
				if msg.SessionID != "" && c.SessionID != msg.SessionID {
					continue
				}
				select {
				case c.Send <- msg.Content:
				default:
					close(c.Send)
					delete(clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register enqueues a newly-upgraded client's join onto the hub goroutine.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister enqueues a client's departure.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// SendTo marshals event as JSON and delivers it to a single session in a
// meeting. A zero sessionID broadcasts to every session in the meeting.
func (h *Hub) SendTo(meetingID, sessionID string, event interface{}) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.broadcast <- message{MeetingID: meetingID, SessionID: sessionID, Content: b}
	return nil
}

// Broadcast delivers event to every session in a meeting.
func (h *Hub) Broadcast(meetingID string, event interface{}) error {
	return h.SendTo(meetingID, "", event)
}

// Send delivers event to exactly one session, addressed by its own id. Every
// connected client is registered under a room equal to its own session id
// (see Upgrade), so unicast never needs a separate meeting/room key — only
// the session manager needs to know which meeting a session belongs to.
func (h *Hub) Send(sessionID string, event interface{}) error {
	return h.SendTo(sessionID, sessionID, event)
}

var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if os.Getenv("ENVIRONMENT") != "production" {
			return true
		}
		return origin == os.Getenv("ALLOWED_ORIGIN")
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ReadPump decodes inbound frames and dispatches them to the command
// registry by their "type" field, mirroring the teacher's ReadPump. Its
// defer mirrors the teacher's too: an unexpected socket close must unwind
// the client from the hub exactly like an explicit "leave" does.
func (c *Client) ReadPump() {
	defer func() {
		logx.Info("client disconnected", logx.Fields{"meeting": c.MeetingID, "session": c.SessionID})
		hubForClient(c).Unregister(c)
		disconnectHook(c.SessionID)
		c.Conn.Close()
	}()

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			logx.Error("websocket read error", err, logx.Fields{"meeting": c.MeetingID, "session": c.SessionID})
			break
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			logx.Error("websocket payload unmarshal failed", err, logx.Fields{"raw": string(raw)})
			continue
		}

		typ, _ := payload["type"].(string)
		if typ == "" {
			logx.Warn("websocket message missing type", logx.Fields{"raw": string(raw)})
			continue
		}

		handler, ok := c.Registry.lookup(typ)
		if !ok {
			logx.Warn("unknown websocket command", logx.Fields{"type": typ, "session": c.SessionID})
			continue
		}

		from, _ := payload["from"].(string)
		if from == "" {
			from = c.SessionID
		}
		handler(from, hubForClient(c), payload)
	}
}

// WritePump drains the client's Send channel to the socket, exactly as the
// teacher's WritePump does.
func (c *Client) WritePump() {
	defer c.Conn.Close()
	for msg := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logx.Error("websocket write error", err, logx.Fields{"session": c.SessionID})
			break
		}
	}
}

// hubForClient resolves the Hub installed via SetGlobalHub (called from
// cmd/server at startup) so handlers invoked from ReadPump can reach the
// owning Hub without Client holding a direct pointer back (kept for symmetry
// with the teacher's package-global WsHub — here there is exactly one Hub
// per process instead).
var hubForClient = func(*Client) *Hub { return globalHub }

var globalHub *Hub

// SetGlobalHub installs the process's single Hub instance, called once
// during server startup before any client connects.
func SetGlobalHub(h *Hub) { globalHub = h }

// disconnectHook is invoked from ReadPump's defer with the session id of the
// socket that just closed. It is how a transport-level close reaches the
// session layer's teardown without this package importing internal/session.
var disconnectHook = func(sessionID string) {}

// SetDisconnectHook installs the session layer's teardown callback, called
// once during server startup before any client connects.
func SetDisconnectHook(fn func(sessionID string)) { disconnectHook = fn }

// Upgrade upgrades an HTTP request to a websocket connection and registers
// the client under a room keyed by its own session id — which meeting (if
// any) that session belongs to is tracked entirely in internal/session, not
// here, so unicast delivery never needs it.
func Upgrade(w http.ResponseWriter, r *http.Request, hub *Hub, registry *CommandRegistry, sessionID string) (*Client, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		Conn:      conn,
		Send:      make(chan []byte, 256),
		Registry:  registry,
		MeetingID: sessionID,
		SessionID: sessionID,
	}
	hub.Register(c)
	go c.WritePump()
	go c.ReadPump()
	return c, nil
}

// Planning Poker
//
// Each room is an ephemeral estimation session identified by an opaque
// lowercase code. Participants join over a per-room WebSocket, cast
// hidden numeric estimates, reveal them together, and the host resets
// the round.
//
// Features:
// - WebSockets per room code: /room/:roomid and /room/:roomid/ws
// - First user to join a room becomes its host
// - Votes stay hidden until revealed; only a has-voted flag is broadcast
// - Any participant can reveal; only the host can reset the round
// - Users identified by a client-held id, stable across reconnects
// - Overlapping connections for one user never duplicate membership
// - Rooms are deleted the moment their last member leaves
// - Idle rooms auto-reaped after a configurable timeout
// - Random 8-char room codes via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type       string   `json:"type"`                 // "join", "vote", "reveal", "reset"
	Name       string   `json:"name,omitempty"`       // join
	UserID     string   `json:"userId,omitempty"`     // join
	PlayerType string   `json:"playerType,omitempty"` // join
	Value      *float64 `json:"value"`                // vote (null clears)
}

// RoomStateMessage carries the full sanitized snapshot, sent only to a
// connection that has just joined.
type RoomStateMessage struct {
	Type   string    `json:"type"` // "room-state"
	Room   RoomState `json:"room"`
	UserID string    `json:"userId"` // the recipient's own id
}

type UserJoinedMessage struct {
	Type string `json:"type"` // "user-joined"
	User User   `json:"user"`
}

type UserLeftMessage struct {
	Type   string `json:"type"` // "user-left"
	UserID string `json:"userId"`
}

// VoteCastMessage never carries the value itself, only whether one
// exists, so nothing leaks before the reveal.
type VoteCastMessage struct {
	Type     string `json:"type"` // "vote-cast"
	UserID   string `json:"userId"`
	HasVoted bool   `json:"hasVoted"`
}

type RevealedMessage struct {
	Type  string              `json:"type"` // "revealed"
	Votes map[string]*float64 `json:"votes"`
}

type ResetMessage struct {
	Type string `json:"type"` // "reset"
}

// Sent to a single offending connection; protocol problems never
// affect the rest of the room.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any

	// userID is empty until a join is accepted. Owned by the hub loop.
	userID string
}

type inboundMessage struct {
	client  *Client
	msg     ClientMessage
	invalid bool // frame was not valid JSON
}

// Hub serializes all access to one room: every mutation funnels
// through its run loop, so two messages for the same room can never
// interleave. Different rooms run on independent hubs.
type Hub struct {
	id      string
	room    *Room
	clients map[*Client]bool

	unreg   chan *Client
	inbound chan inboundMessage

	// done is closed (under both locks) when the hub is released or
	// reaped; the run loop exits on it, late senders bail out, and
	// addClient refuses new connections.
	done chan struct{}

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	manager *RoomManager
}

func newHub(roomID string, manager *RoomManager) *Hub {
	now := time.Now()
	return &Hub{
		id:         roomID,
		room:       newRoom(roomID),
		clients:    make(map[*Client]bool),
		unreg:      make(chan *Client),
		inbound:    make(chan inboundMessage),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
		manager:    manager,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case c := <-h.unreg:
			h.handleLeave(cfg, c)

		case im := <-h.inbound:
			if im.invalid {
				h.mu.Lock()
				h.sendLocked(im.client, ErrorMessage{
					Type:    "error",
					Message: "malformed message",
				})
				h.mu.Unlock()
				continue
			}

			switch im.msg.Type {
			case "join":
				h.handleJoin(cfg, im)
			case "vote":
				h.handleVote(im)
			case "reveal":
				h.handleReveal(cfg, im)
			case "reset":
				h.handleReset(cfg, im)
			default:
				h.mu.Lock()
				h.sendLocked(im.client, ErrorMessage{
					Type:    "error",
					Message: "unknown message type: " + im.msg.Type,
				})
				h.mu.Unlock()
			}
		}
	}
}

// sendLocked queues a message for one client without ever blocking the
// hub loop; clients that can't keep up are dropped. Assumes h.mu held.
func (h *Hub) sendLocked(c *Client, msg any) {
	if !h.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcastLocked fans a message out to every connection mapped into
// the room, minus an optional excluded one. Connections that have not
// joined yet are not part of the room and hear nothing, sanitized or
// otherwise. Assumes h.mu held.
func (h *Hub) broadcastLocked(msg any, exclude *Client) {
	for client := range h.clients {
		if client == exclude || client.userID == "" {
			continue
		}

		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// handleJoin processes "join" messages.
func (h *Hub) handleJoin(cfg *Config, im inboundMessage) {
	c := im.client
	msg := im.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.userID != "" {
		h.sendLocked(c, ErrorMessage{Type: "error", Message: "already joined"})
		return
	}

	if msg.UserID == "" || msg.Name == "" {
		h.sendLocked(c, ErrorMessage{Type: "error", Message: "name and userId are required"})
		return
	}

	user, rejoined := h.room.AttachUser(msg.UserID, msg.Name, msg.PlayerType)
	c.userID = msg.UserID

	h.sendLocked(c, RoomStateMessage{
		Type:   "room-state",
		Room:   h.room.Snapshot(),
		UserID: msg.UserID,
	})

	if rejoined {
		return
	}

	h.broadcastLocked(UserJoinedMessage{Type: "user-joined", User: *user}, c)

	logf(cfg, "GAMES: User %q joined %s", msg.Name, h.id)
}

// handleVote processes "vote" messages. Unapplied votes (revealed
// room, unjoined connection) broadcast nothing.
func (h *Hub) handleVote(im inboundMessage) {
	c := im.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.userID == "" {
		h.sendLocked(c, ErrorMessage{Type: "error", Message: "join a room before voting"})
		return
	}

	applied, hasVoted := h.room.RecordVote(c.userID, im.msg.Value)
	if !applied {
		return
	}

	h.broadcastLocked(VoteCastMessage{
		Type:     "vote-cast",
		UserID:   c.userID,
		HasVoted: hasVoted,
	}, nil)
}

// handleReveal processes "reveal" messages. Any participant may
// reveal; there is deliberately no host check here.
func (h *Hub) handleReveal(cfg *Config, im inboundMessage) {
	c := im.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.userID == "" {
		h.sendLocked(c, ErrorMessage{Type: "error", Message: "join a room before revealing"})
		return
	}

	votes := h.room.Reveal()

	h.broadcastLocked(RevealedMessage{Type: "revealed", Votes: votes}, nil)

	logf(cfg, "GAMES: Votes revealed in %s", h.id)
}

// handleReset processes "reset" messages, host only.
func (h *Hub) handleReset(cfg *Config, im inboundMessage) {
	c := im.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.userID == "" {
		h.sendLocked(c, ErrorMessage{Type: "error", Message: "join a room before resetting"})
		return
	}

	if !h.room.Reset(c.userID) {
		h.sendLocked(c, ErrorMessage{Type: "error", Message: "Only the host can reset"})
		return
	}

	h.broadcastLocked(ResetMessage{Type: "reset"}, nil)

	logf(cfg, "GAMES: Round reset in %s", h.id)
}

// handleLeave tears down a closed connection. The user only leaves the
// room when no other live connection carries their id, which is how an
// old connection's close racing a reconnect stays harmless.
func (h *Hub) handleLeave(cfg *Config, c *Client) {
	h.mu.Lock()

	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	userID := c.userID
	if userID == "" {
		h.mu.Unlock()
		return
	}

	for client := range h.clients {
		if client.userID == userID {
			// Reconnect in progress; the user stays a member.
			h.mu.Unlock()
			return
		}
	}

	removed, _ := h.room.DetachUser(userID)
	if !removed {
		h.mu.Unlock()
		return
	}

	empty := len(h.room.Users) == 0
	if !empty {
		h.broadcastLocked(UserLeftMessage{Type: "user-left", UserID: userID}, nil)
	}

	h.mu.Unlock()

	logf(cfg, "GAMES: User %q left %s", userID, h.id)

	if empty {
		h.manager.release(h)
	}
}

// addClient registers a connection, failing when the hub has already
// been released or reaped. The done check and the insert share the
// lock that release and the reaper close done under, so a connection
// can never land in a dead hub. Nothing is sent to the connection
// until a join message arrives.
func (h *Hub) addClient(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}

	h.lastActive = time.Now()
	h.clients[c] = true

	return true
}

// closeAll disconnects any remaining clients; the run loop calls it
// on its way out.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RoomManager holds a set of hubs keyed by room code, so each
// $path/$roomid is its own isolated session.
type RoomManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newRoomManager(idleTimeout time.Duration) *RoomManager {
	rm := &RoomManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *RoomManager) getHub(cfg *Config, roomID string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[roomID]; ok {
		return hub
	}

	hub := newHub(roomID, rm)
	rm.hubs[roomID] = hub
	go hub.run(cfg)
	return hub
}

// release drops a hub whose room has emptied out and stops its run
// loop. The empty check happens under the same locks addClient
// inserts under, so either a racing connection lands first (and the
// hub stays), or it finds done closed and retries against a fresh
// hub. The map guard means done can never close twice.
func (rm *RoomManager) release(h *Hub) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) == 0 && rm.hubs[h.id] == h {
		delete(rm.hubs, h.id)
		close(h.done)
	}
}

// attach registers a connection with the hub for roomID, retrying when
// it raced a release or reap: a hub is only ever marked done after
// leaving the map, so the next lookup starts a fresh one.
func (rm *RoomManager) attach(cfg *Config, roomID string, c *Client) *Hub {
	for {
		hub := rm.getHub(cfg, roomID)
		if hub.addClient(c) {
			return hub
		}
	}
}

// newRoomID generates a crypto-random room code and ensures it doesn't
// collide with existing rooms. Codes are lowercase; lookups fold case,
// so the generated form is also the canonical one.
func (rm *RoomManager) newRoomID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		rm.mu.Lock()
		_, exists := rm.hubs[id]
		rm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		for id, hub := range rm.hubs {
			hub.mu.Lock()
			if hub.lastActive.Before(cutoff) {
				delete(rm.hubs, id)
				close(hub.done)
			}
			hub.mu.Unlock()
		}
		rm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :roomid
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := normalizeRoomID(ps.ByName("roomid"))
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		hub := rm.attach(cfg, roomID, client)

		go client.writePump()
		client.readPump(hub)
	}
}

// Room codes are case-insensitive by convention.
func normalizeRoomID(roomID string) string {
	return strings.ToLower(strings.TrimSpace(roomID))
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Bad frames get an error reply, not a hangup.
			if !c.forward(h, inboundMessage{client: c, invalid: true}) {
				return
			}
			continue
		}

		if !c.forward(h, inboundMessage{client: c, msg: msg}) {
			return
		}
	}
}

// forward hands a frame to the hub loop unless the hub has shut down.
func (c *Client) forward(h *Hub, im inboundMessage) bool {
	select {
	case h.inbound <- im:
		return true
	case <-h.done:
		return false
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed poker/index.html
var indexHTML []byte

//go:embed poker/app.css
var pokerCSS []byte

//go:embed poker/app.js
var pokerJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pokerCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pokerJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:roomid.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := rm.newRoomID()
		logf(cfg, "GAMES: Created room %s/%s", path, roomID)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerPokerGame sets up routes so that:
//   - $path                  → redirects to new random room (8-char ID)
//   - $path/:roomid          → HTML client
//   - $path/:roomid/ws       → WebSocket for that room
//   - $path/:roomid/qr       → PNG QR code for that room URL
func registerPokerGame(cfg *Config, path string, mux *httprouter.Router) {
	rm := newRoomManager(cfg.sessionTimeout)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, rm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/poker/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/poker/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomid/ws", serveWSForManager(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/leravalera4/rps-game/rpsgame"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 8192
)

// conn is one player's websocket. Outbound frames go through send so the
// write side stays single-owner.
type conn struct {
	playerID string
	wallet   string
	ws       *websocket.Conn
	send     chan []byte
	gw       *Gateway
}

// Gateway owns every live websocket and routes decoded events into the
// coordinator. One connection per player id; a reconnect replaces the old
// connection.
type Gateway struct {
	log   slog.Logger
	coord *Coordinator

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewGateway(log slog.Logger) *Gateway {
	return &Gateway{
		log:   log,
		conns: make(map[string]*conn),
	}
}

// Bind attaches the coordinator. Done after construction because the
// coordinator needs the gateway as its Notifier.
func (g *Gateway) Bind(coord *Coordinator) { g.coord = coord }

// Notify implements Notifier. Frames for slow receivers are dropped, never
// queued unboundedly.
func (g *Gateway) Notify(playerID, event string, data any) {
	raw, err := MarshalEnvelope(event, data)
	if err != nil {
		g.log.Errorf("gateway: marshal %s: %v", event, err)
		return
	}
	g.mu.RLock()
	c := g.conns[playerID]
	g.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		g.log.Warnf("gateway: dropping %s for slow player %s", event, playerID)
	}
}

// HandleWS upgrades an HTTP request to the realtime channel. The client
// identifies itself by wallet address in the query string; the player id is
// derived from it the same way the coordinator derives it.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		http.Error(w, "wallet required", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnf("gateway: upgrade: %v", err)
		return
	}

	c := &conn{
		playerID: rpsgame.PlayerIDFromWallet(wallet),
		wallet:   wallet,
		ws:       ws,
		send:     make(chan []byte, 64),
		gw:       g,
	}

	g.mu.Lock()
	if old := g.conns[c.playerID]; old != nil {
		old.ws.Close()
	}
	g.conns[c.playerID] = c
	total := len(g.conns)
	g.mu.Unlock()
	g.log.Infof("gateway: player %s connected (%d online)", c.playerID, total)

	go c.writePump()
	go c.readPump()
}

// remove drops c from the registry and reports whether c was still the
// player's registered connection. A reconnect replaces the map entry first,
// so the superseded conn's teardown sees false here.
func (g *Gateway) remove(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns[c.playerID] != c {
		return false
	}
	delete(g.conns, c.playerID)
	return true
}

func (c *conn) readPump() {
	defer func() {
		registered := c.gw.remove(c)
		c.ws.Close()
		// A dropped connection mid-match is a forfeit, same as an explicit
		// leave. A connection replaced by a reconnect is not: the player is
		// still here, on the new socket.
		if registered {
			c.gw.coord.Disconnected(c.playerID)
		}
	}()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Debugf("gateway: read %s: %v", c.playerID, err)
			}
			return
		}
		c.handle(raw)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle decodes one inbound frame and dispatches it. Any error goes back as
// an error event; session state is untouched on rejection.
func (c *conn) handle(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError(CodeBadRequest, "malformed envelope")
		return
	}

	var err error
	switch env.Event {
	case EvCreateSession:
		var req CreateSessionReq
		if err = json.Unmarshal(env.Data, &req); err == nil {
			_, err = c.gw.coord.CreateSession(c.wallet, req)
		}
	case EvJoinSession:
		var req JoinSessionReq
		if err = json.Unmarshal(env.Data, &req); err == nil {
			_, err = c.gw.coord.JoinSession(c.wallet, req)
		}
	case EvSubmitMove:
		var req SubmitMoveReq
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = c.gw.coord.SubmitMoveCommitment(c.playerID, req)
		}
	case EvRevealMove:
		var req RevealMoveReq
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = c.gw.coord.RevealMove(c.playerID, req)
		}
	case EvStakeConfirmed:
		var req SessionRef
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = c.gw.coord.StakeConfirmed(c.wallet, req.SessionID)
		}
	case EvLeaveSession:
		var req SessionRef
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = c.gw.coord.LeaveSession(c.playerID, req.SessionID)
		}
	case EvStartGame:
		// The coordinator starts matches itself once joins and stakes line
		// up; an explicit start from a client is acknowledged as a no-op.
	default:
		c.sendError(CodeBadRequest, "unknown event "+env.Event)
		return
	}

	if err != nil {
		c.gw.log.Debugf("gateway: %s %s: %v", c.playerID, env.Event, err)
		c.sendError(errorCode(err), err.Error())
	}
}

func (c *conn) sendError(code, msg string) {
	raw, err := MarshalEnvelope(EvError, ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// Close shuts every live connection, used on server shutdown.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.conns {
		c.ws.Close()
		delete(g.conns, id)
	}
}

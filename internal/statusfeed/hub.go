// Package statusfeed broadcasts session state and transcript changes to
// websocket subscribers.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	log "log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"yara/internal/session"
)

const (
	Path = "/ws"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

type Kind string

const (
	KindState   Kind = "state"
	KindEntry   Kind = "entry"
	KindCleared Kind = "cleared"
	KindNotice  Kind = "notice"
)

type Event struct {
	Kind    Kind           `json:"kind"`
	From    string         `json:"from,omitempty"`
	State   string         `json:"state,omitempty"`
	Entry   *session.Entry `json:"entry,omitempty"`
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`
	Time    time.Time      `json:"time"`
}

// Hub implements session.Observer. Slow subscribers are dropped instead of
// blocking the session.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
	last  *Event
}

var _ session.Observer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
	}
}

type peer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "err", err)
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	if h.last != nil {
		if data, err := json.Marshal(h.last); err == nil {
			p.send <- data
		}
	}
	n := len(h.peers)
	h.mu.Unlock()

	log.Debug("Status subscriber connected", "remote", r.RemoteAddr, "subscribers", n)

	go h.writePump(p)
	h.readPump(p)
}

// readPump only drains control frames and notices the disconnect.
func (h *Hub) readPump(p *peer) {
	defer h.remove(p)

	p.conn.SetReadLimit(512)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Status subscriber read error", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	p.close()
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) broadcast(ev Event) {
	ev.Time = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode status event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Kind == KindState {
		h.last = &ev
	}
	for p := range h.peers {
		select {
		case p.send <- data:
		default:
			log.Warn("Dropping slow status subscriber")
			delete(h.peers, p)
			p.close()
		}
	}
}

func (h *Hub) StateChanged(from, to session.State) {
	h.broadcast(Event{Kind: KindState, From: from.String(), State: to.String()})
}

func (h *Hub) EntryAdded(e session.Entry) {
	h.broadcast(Event{Kind: KindEntry, Entry: &e})
}

func (h *Hub) HistoryCleared() {
	h.broadcast(Event{Kind: KindCleared})
}

func (h *Hub) Notice(level session.NoticeLevel, msg string) {
	h.broadcast(Event{Kind: KindNotice, Level: string(level), Message: msg})
}

// Serve runs an HTTP server exposing the hub at Path until ctx ends.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Info("Status feed listening", "addr", addr, "path", Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package notebook implements the collaborative markdown pages: a
// WebSocket protocol that lets several peers edit the same document at
// once, backed in memory by a CRDT (see internal/notebook/crdt) and
// persisted to the store on a debounce so every keystroke doesn't hit
// SQLite.
package notebook

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/notebook/crdt"
	"github.com/biginformatics/hive/internal/store"
)

const (
	saveDebounce  = 5 * time.Second
	teardownAfter = 10 * time.Second
)

// WebSocket close codes for the notebook protocol.
const (
	CloseMissingParams = 4000
	CloseUnauthorized  = 4001
	ClosePageNotFound  = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The notebook is reached through the same bearer-token auth as every
	// other endpoint, not cookies, so cross-origin requests carry no
	// ambient credential; the browser same-origin policy has nothing to
	// protect here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is the wire shape of every message exchanged over the notebook
// WebSocket, in both directions.
type frame struct {
	Type    string   `json:"type"`
	Update  []byte   `json:"update,omitempty"`
	Message string   `json:"message,omitempty"`
	Viewers []string `json:"viewers,omitempty"`
}

type peer struct {
	identity string
	send     chan frame
}

// session is one page's live collaborative state: the in-memory document,
// its connected peers, and the save/teardown timers that debounce
// persistence and garbage-collect the session once everyone has left.
type session struct {
	mu            sync.Mutex
	pageID        string
	doc           *crdt.Document
	peers         map[*peer]bool
	saveTimer     *time.Timer
	teardownTimer *time.Timer
}

// Hub owns every page's live session. Zero value is not usable; use New.
type Hub struct {
	store  *store.Store
	clock  clockx.Clock
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(st *store.Store, clock clockx.Clock, logger *slog.Logger) *Hub {
	if clock == nil {
		clock = clockx.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{store: st, clock: clock, logger: logger, sessions: make(map[string]*session)}
}

// RejectWS upgrades just far enough to send a protocol close frame with
// code before tearing the connection down, for failures (missing params,
// unauthorized) discovered before a page is even known.
func RejectWS(w http.ResponseWriter, r *http.Request, code int, reason string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	deadline := time.Now().Add(time.Second)
	return conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// ServeWS upgrades the request to a WebSocket and runs the notebook
// protocol for pageID until the peer disconnects. identity and isOwnerOrAdmin
// come from the caller's already-authenticated request context.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identity, pageID string, isOwnerOrAdmin bool) error {
	page, err := h.store.GetNotebookPage(pageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RejectWS(w, r, ClosePageNotFound, "page not found")
		}
		return herr.Wrap(herr.Internal, "load notebook page", err)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := h.getOrCreateSession(pageID, page.Content)

	p := &peer{identity: identity, send: make(chan frame, 32)}
	sess.mu.Lock()
	sess.peers[p] = true
	if sess.teardownTimer != nil {
		sess.teardownTimer.Stop()
		sess.teardownTimer = nil
	}
	snapshot, serr := sess.doc.Serialize()
	viewers := sess.viewerIdentitiesLocked()
	sess.mu.Unlock()
	if serr != nil {
		return serr
	}

	p.send <- frame{Type: "sync", Update: snapshot}
	h.broadcastViewers(sess, viewers)

	writerDone := make(chan struct{})
	go h.writeLoop(conn, p, writerDone)

	h.readLoop(conn, sess, p, identity, isOwnerOrAdmin)

	h.removePeer(sess, p)
	close(p.send)
	<-writerDone
	return nil
}

func (h *Hub) getOrCreateSession(pageID, content string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[pageID]; ok {
		return s
	}
	s := &session{
		pageID: pageID,
		doc:    crdt.Seed(1, content),
		peers:  make(map[*peer]bool),
	}
	h.sessions[pageID] = s
	return s
}

func (h *Hub) writeLoop(conn *websocket.Conn, p *peer, done chan<- struct{}) {
	defer close(done)
	for f := range p.send {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
}

func (h *Hub) readLoop(conn *websocket.Conn, sess *session, p *peer, identity string, isOwnerOrAdmin bool) {
	for {
		var in frame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		if in.Type != "update" {
			continue
		}
		h.handleUpdate(sess, p, in.Update, identity, isOwnerOrAdmin)
	}
}

func (h *Hub) handleUpdate(sess *session, from *peer, raw []byte, identity string, isOwnerOrAdmin bool) {
	page, err := h.store.GetNotebookPage(sess.pageID)
	if err != nil {
		h.logger.Error("reload notebook page for update check", "page", sess.pageID, "error", err)
		return
	}
	if page.ArchivedAt != nil {
		from.send <- frame{Type: "error", Message: "Page is archived"}
		return
	}
	if page.Locked && page.LockedBy != identity && !isOwnerOrAdmin {
		from.send <- frame{Type: "error", Message: "Page is locked"}
		return
	}

	update, err := crdt.Decode(raw)
	if err != nil {
		from.send <- frame{Type: "error", Message: "Malformed update"}
		return
	}

	sess.mu.Lock()
	sess.doc.Apply(update)
	h.scheduleSaveLocked(sess)
	for peer := range sess.peers {
		if peer == from {
			continue
		}
		select {
		case peer.send <- frame{Type: "update", Update: raw}:
		default:
		}
	}
	sess.mu.Unlock()
}

// scheduleSaveLocked (re)starts the debounced persistence timer. Callers
// must hold sess.mu.
func (h *Hub) scheduleSaveLocked(sess *session) {
	if sess.saveTimer != nil {
		sess.saveTimer.Stop()
	}
	sess.saveTimer = time.AfterFunc(saveDebounce, func() {
		h.save(sess)
	})
}

func (h *Hub) save(sess *session) {
	sess.mu.Lock()
	text := sess.doc.Text()
	sess.mu.Unlock()

	if err := h.store.UpdateNotebookPageContent(sess.pageID, text, h.clock.Now()); err != nil {
		h.logger.Error("persist notebook page", "page", sess.pageID, "error", err)
	}
}

func (h *Hub) removePeer(sess *session, p *peer) {
	sess.mu.Lock()
	delete(sess.peers, p)
	empty := len(sess.peers) == 0
	viewers := sess.viewerIdentitiesLocked()
	if empty {
		sess.teardownTimer = time.AfterFunc(teardownAfter, func() {
			h.teardown(sess.pageID)
		})
	}
	sess.mu.Unlock()

	h.broadcastViewers(sess, viewers)
}

func (h *Hub) teardown(pageID string) {
	h.mu.Lock()
	sess, ok := h.sessions[pageID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess.mu.Lock()
	stillEmpty := len(sess.peers) == 0
	sess.mu.Unlock()
	if !stillEmpty {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, pageID)
	h.mu.Unlock()

	h.save(sess)
}

func (s *session) viewerIdentitiesLocked() []string {
	out := make([]string, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p.identity)
	}
	return out
}

func (h *Hub) broadcastViewers(sess *session, viewers []string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for p := range sess.peers {
		select {
		case p.send <- frame{Type: "viewers", Viewers: viewers}:
		default:
		}
	}
}

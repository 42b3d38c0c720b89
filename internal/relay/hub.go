package relay

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/util"
)

// hub binds user ids to sessions and routes events between them.
type hub struct {
	opts Options
	log  util.Scope

	mu       sync.RWMutex
	sessions map[string]*session // by connection id
	users    map[string]*session // by bound user id, newest wins
	status   map[string]string
}

func newHub(opts Options) *hub {
	return &hub{
		opts:     opts,
		log:      util.Scoped("relay"),
		sessions: make(map[string]*session),
		users:    make(map[string]*session),
		status:   make(map[string]string),
	}
}

func (h *hub) byToken(token string) (Account, bool) {
	for _, a := range h.opts.Accounts {
		if a.Token != "" && a.Token == token {
			return a, true
		}
	}
	return Account{}, false
}

func (h *hub) account(id string) (Account, bool) {
	for _, a := range h.opts.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// bind registers s and, when userID is set, makes it that user's session.
func (h *hub) bind(s *session, userID string) {
	h.mu.Lock()
	h.sessions[s.id] = s
	if userID != "" {
		s.setUser(userID)
		h.users[userID] = s
		h.status[userID] = protocol.StatusOnline
	}
	h.mu.Unlock()

	if userID != "" {
		h.log.Debug("session %s bound to %s", s.id, userID)
		h.broadcast(protocol.EventPresence, protocol.Presence{UserID: userID, Status: protocol.StatusOnline})
	}
}

func (h *hub) unbind(s *session) {
	userID := s.user()
	h.mu.Lock()
	delete(h.sessions, s.id)
	left := userID != "" && h.users[userID] == s
	if left {
		delete(h.users, userID)
		h.status[userID] = protocol.StatusOffline
	}
	h.mu.Unlock()

	if left {
		h.log.Debug("%s went offline", userID)
		h.broadcast(protocol.EventPresence, protocol.Presence{UserID: userID, Status: protocol.StatusOffline})
	}
}

func (h *hub) online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *hub) closeAll() {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.shutdown()
	}
}

func (h *hub) lookup(userID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID]
}

func (h *hub) broadcast(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("encode %s: %v", event, err)
		return
	}
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(frame)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (h *hub) handle(s *session, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventAuthLogin:
		h.login(s, env.Data)
	case protocol.EventAuthMe:
		if uid, ok := h.require(s, env.Event); ok {
			s.emit(protocol.EventAuthMe, h.user(uid))
		}
	case protocol.EventChatList:
		if uid, ok := h.require(s, env.Event); ok {
			s.emit(protocol.EventChatList, h.chatsFor(uid))
		}
	case protocol.EventUserList:
		if _, ok := h.require(s, env.Event); ok {
			users := make([]protocol.User, 0, len(h.opts.Accounts))
			for _, a := range h.opts.Accounts {
				users = append(users, h.user(a.ID))
			}
			s.emit(protocol.EventUserList, users)
		}
	case protocol.EventSignal:
		h.forward(s, env.Data)
	case protocol.EventMessageSend:
		h.message(s, env.Data)
	case protocol.EventPresence:
		uid, ok := h.require(s, env.Event)
		if !ok {
			return
		}
		var p protocol.Presence
		if !s.decode(env.Event, env.Data, &p) {
			return
		}
		if p.Status == "" {
			p.Status = protocol.StatusOnline
		}
		h.mu.Lock()
		h.status[uid] = p.Status
		h.mu.Unlock()
		h.broadcast(protocol.EventPresence, protocol.Presence{UserID: uid, Status: p.Status})
	default:
		s.emit(env.Event, env.Data)
	}
}

func (h *hub) require(s *session, event string) (string, bool) {
	uid := s.user()
	if uid == "" {
		s.fail(event, "not authenticated")
		return "", false
	}
	return uid, true
}

func (h *hub) login(s *session, data json.RawMessage) {
	var req protocol.LoginRequest
	if !s.decode(protocol.EventAuthLogin, data, &req) {
		return
	}
	for _, a := range h.opts.Accounts {
		if (a.Username == req.UsernameOrEmail || a.ID == req.UsernameOrEmail) && a.Password == req.Password {
			token := a.Token
			if token == "" {
				token = a.ID
			}
			h.bind(s, a.ID)
			s.emit(protocol.EventAuthLogin, protocol.AuthResponse{Token: token, User: h.user(a.ID)})
			return
		}
	}
	s.fail(protocol.EventAuthLogin, "invalid credentials")
}

// user describes uid, including unconfigured ids that connected by token.
func (h *hub) user(uid string) protocol.User {
	u := protocol.User{ID: uid, Username: uid}
	if a, ok := h.account(uid); ok {
		u.Username = a.Username
		u.DisplayName = a.DisplayName
	}
	h.mu.RLock()
	u.Status = h.status[uid]
	h.mu.RUnlock()
	if u.Status == "" {
		u.Status = protocol.StatusOffline
	}
	return u
}

func (h *hub) chatsFor(uid string) []protocol.Chat {
	chats := []protocol.Chat{}
	for _, r := range h.opts.Rooms {
		if !slices.Contains(r.Members, uid) {
			continue
		}
		c := protocol.Chat{ID: r.ID, Type: r.Type, Title: r.Title}
		for _, m := range r.Members {
			c.Members = append(c.Members, h.user(m))
		}
		chats = append(chats, c)
	}
	return chats
}

func (h *hub) room(id string) (Room, bool) {
	for _, r := range h.opts.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return Room{}, false
}

// forward relays a signal to its addressee without interpreting it.
func (h *hub) forward(s *session, data json.RawMessage) {
	var head struct {
		ToUserID string `json:"toUserId"`
	}
	if !s.decode(protocol.EventSignal, data, &head) {
		return
	}
	if head.ToUserID == "" {
		h.log.Debug("signal from %s without addressee dropped", s.id)
		return
	}
	target := h.lookup(head.ToUserID)
	if target == nil {
		h.log.Debug("signal target %s offline", head.ToUserID)
		return
	}
	target.emit(protocol.EventSignal, data)
}

func (h *hub) message(s *session, data json.RawMessage) {
	uid, ok := h.require(s, protocol.EventMessageSend)
	if !ok {
		return
	}
	var msg protocol.Message
	if !s.decode(protocol.EventMessageSend, data, &msg) {
		return
	}
	r, ok := h.room(msg.ChatID)
	if !ok || !slices.Contains(r.Members, uid) {
		s.fail(protocol.EventMessageSend, "unknown chat")
		return
	}
	msg.ID = uuid.NewString()
	msg.SenderID = uid
	msg.Created = time.Now().UnixMilli()
	if msg.Kind == "" {
		msg.Kind = "text"
	}
	for _, m := range r.Members {
		if target := h.lookup(m); target != nil {
			target.emit(protocol.EventMessageRecv, msg)
		}
	}
}

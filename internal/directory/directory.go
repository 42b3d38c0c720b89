// Package directory keeps the local identity and the chat roster in sync
// with the server over the shared transport.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/transport"
	"github.com/1ureka/meshcall/internal/util"
)

// DefaultTimeout bounds authentication and listing requests.
const DefaultTimeout = 12 * time.Second

// ServerError is a request the server rejected with an "error" event.
type ServerError = protocol.ErrorPayload

// Link is the part of the transport the directory uses.
type Link interface {
	Send(event string, payload any)
	On(event string, h transport.Handler) func()
	Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Directory caches who the local user is and which chats they belong to.
// It is safe for concurrent use.
type Directory struct {
	link    Link
	timeout time.Duration
	log     util.Scope

	mu    sync.RWMutex
	me    *protocol.User
	token string
	chats map[string]*protocol.Chat
	order []string

	offs []func()
}

// New subscribes a Directory to roster and presence events. A timeout of
// zero means DefaultTimeout.
func New(link Link, timeout time.Duration) *Directory {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Directory{
		link:    link,
		timeout: timeout,
		log:     util.Scoped("directory"),
		chats:   make(map[string]*protocol.Chat),
	}
	d.offs = []func(){
		link.On(protocol.EventChatCreated, d.onChat),
		link.On(protocol.EventChatUpdated, d.onChat),
		link.On(protocol.EventPresence, d.onPresence),
	}
	return d
}

// Close removes the directory's subscriptions.
func (d *Directory) Close() {
	for _, off := range d.offs {
		off()
	}
	d.offs = nil
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// Login authenticates on the current connection and stores the identity.
func (d *Directory) Login(ctx context.Context, usernameOrEmail, password string) (protocol.AuthResponse, error) {
	data, err := d.link.Request(ctx, protocol.EventAuthLogin, protocol.LoginRequest{
		UsernameOrEmail: usernameOrEmail,
		Password:        password,
	}, d.timeout)
	if err != nil {
		return protocol.AuthResponse{}, fmt.Errorf("login: %w", err)
	}
	var resp protocol.AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return protocol.AuthResponse{}, fmt.Errorf("login: decode reply: %w", err)
	}

	d.mu.Lock()
	d.me = &resp.User
	d.token = resp.Token
	d.mu.Unlock()
	d.log.Info("logged in as %s", resp.User.ID)
	return resp, nil
}

// Me asks the server who the connection belongs to and stores the answer.
func (d *Directory) Me(ctx context.Context) (protocol.User, error) {
	data, err := d.link.Request(ctx, protocol.EventAuthMe, nil, d.timeout)
	if err != nil {
		return protocol.User{}, fmt.Errorf("identify: %w", err)
	}
	var u protocol.User
	if err := json.Unmarshal(data, &u); err != nil {
		return protocol.User{}, fmt.Errorf("identify: decode reply: %w", err)
	}
	if u.ID == "" {
		return protocol.User{}, fmt.Errorf("identify: server returned no user id")
	}

	d.mu.Lock()
	d.me = &u
	d.mu.Unlock()
	return u, nil
}

// UserID returns the local user id, or "" before Login or Me succeeded.
func (d *Directory) UserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.me == nil {
		return ""
	}
	return d.me.ID
}

// Token returns the session token issued by Login.
func (d *Directory) Token() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.token
}

// UpdatePresence announces the local user's status.
func (d *Directory) UpdatePresence(status string) {
	d.link.Send(protocol.EventPresence, protocol.Presence{Status: status})
}

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

// LoadChats fetches the chat list and replaces the roster with it.
func (d *Directory) LoadChats(ctx context.Context) ([]protocol.Chat, error) {
	data, err := d.link.Request(ctx, protocol.EventChatList, nil, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	var chats []protocol.Chat
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, fmt.Errorf("list chats: decode reply: %w", err)
	}

	d.mu.Lock()
	clear(d.chats)
	d.order = d.order[:0]
	for i := range chats {
		d.putLocked(chats[i])
	}
	d.mu.Unlock()
	return chats, nil
}

func (d *Directory) putLocked(c protocol.Chat) {
	if _, ok := d.chats[c.ID]; !ok {
		d.order = append(d.order, c.ID)
	}
	c.Members = slices.Clone(c.Members)
	d.chats[c.ID] = &c
}

func (d *Directory) onChat(data json.RawMessage) {
	var c protocol.Chat
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		d.log.Warn("ignoring malformed chat event: %s", data)
		return
	}
	d.mu.Lock()
	d.putLocked(c)
	d.mu.Unlock()
}

func (d *Directory) onPresence(data json.RawMessage) {
	var p protocol.Presence
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.chats {
		for i := range c.Members {
			if c.Members[i].ID == p.UserID {
				c.Members[i].Status = p.Status
			}
		}
	}
	if d.me != nil && d.me.ID == p.UserID {
		d.me.Status = p.Status
	}
}

// Chat returns a copy of the chat with id.
func (d *Directory) Chat(id string) (protocol.Chat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chats[id]
	if !ok {
		return protocol.Chat{}, false
	}
	out := *c
	out.Members = slices.Clone(c.Members)
	return out, true
}

// Chats returns every known chat in arrival order.
func (d *Directory) Chats() []protocol.Chat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]protocol.Chat, 0, len(d.order))
	for _, id := range d.order {
		c := *d.chats[id]
		c.Members = slices.Clone(c.Members)
		out = append(out, c)
	}
	return out
}

// Members returns the members of chat id.
func (d *Directory) Members(id string) []protocol.User {
	c, _ := d.Chat(id)
	return c.Members
}

// MemberIDs returns the member ids of chat id.
func (d *Directory) MemberIDs(id string) []string {
	members := d.Members(id)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

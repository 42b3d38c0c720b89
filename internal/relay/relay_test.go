package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshcall/internal/protocol"
)

func testOptions() Options {
	return Options{
		Accounts: []Account{
			{ID: "u-alice", Username: "alice", Password: "pw-a", Token: "tok-alice"},
			{ID: "u-bob", Username: "bob", Password: "pw-b", Token: "tok-bob"},
		},
		Rooms: []Room{
			{ID: "c-ab", Type: "direct", Title: "alice & bob", Members: []string{"u-alice", "u-bob"}},
			{ID: "c-b", Type: "group", Title: "bob only", Members: []string{"u-bob", "u-carol"}},
		},
	}
}

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	srv := New(testOptions())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url, token string, header http.Header) *wsClient {
	t.Helper()
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads until an envelope for event arrives, skipping others.
func (c *wsClient) expect(event string) *protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if env.Event == event {
			return env
		}
	}
}

// expectNone verifies nothing for event arrives within d.
func (c *wsClient) expectNone(event string, d time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(d)
	for {
		c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if env, err := protocol.Decode(data); err == nil && env.Event == event {
			c.t.Fatalf("unexpected %s: %s", event, env.Data)
		}
	}
}

// expectPresence reads presence updates until one about userID arrives.
func (c *wsClient) expectPresence(userID string) protocol.Presence {
	c.t.Helper()
	for {
		var p protocol.Presence
		if err := json.Unmarshal(c.expect(protocol.EventPresence).Data, &p); err != nil {
			c.t.Fatal(err)
		}
		if p.UserID == userID {
			return p
		}
	}
}

func waitOnline(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.Online()) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("online = %v, want %d users", srv.Online(), want)
}

// TestSignalForwarding verifies signals reach only their addressee.
func TestSignalForwarding(t *testing.T) {
	srv, url := startRelay(t)
	alice := dial(t, url, "tok-alice", nil)
	bob := dial(t, url, "tok-bob", nil)
	carol := dial(t, url, "u-carol", nil)
	waitOnline(t, srv, 3)

	sig := map[string]any{
		"type": "offer", "chatId": "c-ab", "fromUserId": "u-alice", "toUserId": "u-bob",
		"payload": map[string]string{"kind": "invite"}, "callType": "video",
	}
	alice.send(protocol.EventSignal, sig)

	env := bob.expect(protocol.EventSignal)
	var got map[string]any
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got["fromUserId"] != "u-alice" || got["callType"] != "video" {
		t.Errorf("forwarded = %v", got)
	}
	carol.expectNone(protocol.EventSignal, 150*time.Millisecond)
	alice.expectNone(protocol.EventSignal, 50*time.Millisecond)
}

// TestAuthentication covers token, bearer, login and unauthenticated requests.
func TestAuthentication(t *testing.T) {
	_, url := startRelay(t)

	anon := dial(t, url, "", nil)
	anon.send(protocol.EventAuthMe, nil)
	var perr protocol.ErrorPayload
	if err := json.Unmarshal(anon.expect(protocol.EventError).Data, &perr); err != nil {
		t.Fatal(err)
	}
	if perr.Event != protocol.EventAuthMe || perr.Message == "" {
		t.Errorf("error = %+v", perr)
	}

	anon.send(protocol.EventAuthLogin, protocol.LoginRequest{UsernameOrEmail: "alice", Password: "nope"})
	anon.expect(protocol.EventError)

	anon.send(protocol.EventAuthLogin, protocol.LoginRequest{UsernameOrEmail: "alice", Password: "pw-a"})
	var auth protocol.AuthResponse
	if err := json.Unmarshal(anon.expect(protocol.EventAuthLogin).Data, &auth); err != nil {
		t.Fatal(err)
	}
	if auth.Token != "tok-alice" || auth.User.ID != "u-alice" {
		t.Errorf("auth = %+v", auth)
	}

	anon.send(protocol.EventAuthMe, nil)
	var me protocol.User
	json.Unmarshal(anon.expect(protocol.EventAuthMe).Data, &me)
	if me.ID != "u-alice" || me.Status != protocol.StatusOnline {
		t.Errorf("me = %+v", me)
	}

	bearer := dial(t, url, "", http.Header{"Authorization": {"Bearer tok-bob"}})
	bearer.send(protocol.EventAuthMe, nil)
	json.Unmarshal(bearer.expect(protocol.EventAuthMe).Data, &me)
	if me.ID != "u-bob" || me.Username != "bob" {
		t.Errorf("bearer me = %+v", me)
	}
}

// TestChatList verifies that only the caller's chats are listed.
func TestChatList(t *testing.T) {
	_, url := startRelay(t)
	alice := dial(t, url, "tok-alice", nil)

	alice.send(protocol.EventChatList, nil)
	var chats []protocol.Chat
	if err := json.Unmarshal(alice.expect(protocol.EventChatList).Data, &chats); err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "c-ab" || len(chats[0].Members) != 2 {
		t.Fatalf("chats = %+v", chats)
	}
	if chats[0].Members[0].Status != protocol.StatusOnline || chats[0].Members[1].Status != protocol.StatusOffline {
		t.Errorf("member status = %+v", chats[0].Members)
	}
}

// TestPresence verifies connect, update and disconnect broadcasts.
func TestPresence(t *testing.T) {
	srv, url := startRelay(t)
	alice := dial(t, url, "tok-alice", nil)
	waitOnline(t, srv, 1)

	bob := dial(t, url, "tok-bob", nil)
	if p := alice.expectPresence("u-bob"); p.Status != protocol.StatusOnline {
		t.Fatalf("presence = %+v", p)
	}

	bob.send(protocol.EventPresence, protocol.Presence{Status: protocol.StatusBusy})
	if p := alice.expectPresence("u-bob"); p.Status != protocol.StatusBusy {
		t.Fatalf("presence = %+v", p)
	}

	bob.conn.Close()
	if p := alice.expectPresence("u-bob"); p.Status != protocol.StatusOffline {
		t.Fatalf("presence = %+v", p)
	}
	waitOnline(t, srv, 1)
}

// TestMessageFanout verifies message:send reaches every online member.
func TestMessageFanout(t *testing.T) {
	srv, url := startRelay(t)
	alice := dial(t, url, "tok-alice", nil)
	bob := dial(t, url, "tok-bob", nil)
	waitOnline(t, srv, 2)

	alice.send(protocol.EventMessageSend, protocol.Message{ChatID: "c-ab", Content: "hi"})
	for _, c := range []*wsClient{alice, bob} {
		var m protocol.Message
		json.Unmarshal(c.expect(protocol.EventMessageRecv).Data, &m)
		if m.Content != "hi" || m.SenderID != "u-alice" || m.ID == "" {
			t.Errorf("message = %+v", m)
		}
	}

	alice.send(protocol.EventMessageSend, protocol.Message{ChatID: "c-b", Content: "sneak"})
	alice.expect(protocol.EventError)
}

func TestUnknownEventEchoes(t *testing.T) {
	_, url := startRelay(t)
	c := dial(t, url, "tok-alice", nil)
	c.send("debug:ping", map[string]int{"n": 7})
	env := c.expect("debug:ping")
	if string(env.Data) != `{"n":7}` {
		t.Errorf("echo = %s", env.Data)
	}
}

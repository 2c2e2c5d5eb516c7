package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"socialchat/internal/auth"
	"socialchat/internal/chat"
	"socialchat/internal/config"
	"socialchat/internal/history"
	"socialchat/internal/metrics"
	"socialchat/internal/model"
)

const testSecret = "handler-test-secret"

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

type testEnv struct {
	srv    *httptest.Server
	h      *Handler
	issuer *auth.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithHistory(t, history.DefaultCapacity)
}

func newTestEnvWithHistory(t *testing.T, capacity int) *testEnv {
	t.Helper()
	cfg := config.Config{
		Env:            "test",
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	svc := chat.New(chat.Options{History: history.New(capacity)})
	h := New(cfg, svc, auth.NewVerifier(testSecret), nil, metrics.New())
	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, h: h, issuer: auth.NewIssuer(testSecret, time.Hour)}
}

func (e *testEnv) token(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := e.issuer.Issue(model.Identity{ID: id, DisplayName: name})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/realtime?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) request(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readEnvelope(t *testing.T, conn *websocket.Conn) model.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

// readUntil skips envelopes until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ model.Type) model.Envelope {
	t.Helper()
	for {
		if env := readEnvelope(t, conn); env.Type == typ {
			return env
		}
	}
}

func chatOf(t *testing.T, env model.Envelope) model.ChatMessage {
	t.Helper()
	var m model.ChatMessage
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("decode chat message: %v", err)
	}
	return m
}

func send(t *testing.T, conn *websocket.Conn, p model.Payload) {
	t.Helper()
	raw, err := model.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != code {
		t.Fatalf("expected close code %d, got %d (%s)", code, ce.Code, ce.Text)
	}
}

func TestRealtime_AckThenHistoryReplay(t *testing.T) {
	e := newTestEnv(t)
	alice := model.Identity{ID: "alice", DisplayName: "Alice"}
	for _, content := range []string{"one", "two"} {
		if _, _, err := e.h.Chat.Publish(alice, model.ChatMessage{Content: content}, chat.TransportPolling); err != nil {
			t.Fatal(err)
		}
	}

	conn := e.dial(t, e.token(t, "bob", "Bob"))

	ack := readEnvelope(t, conn)
	if ack.Type != model.TypeConnectionAck {
		t.Fatalf("first envelope should be connection_ack, got %s", ack.Type)
	}
	var ap model.ConnectionAck
	if err := json.Unmarshal(ack.Data, &ap); err != nil || !strings.HasPrefix(ap.ConnectionID, "bob-") {
		t.Errorf("unexpected ack payload %+v (%v)", ap, err)
	}
	for _, want := range []string{"one", "two"} {
		env := readEnvelope(t, conn)
		if env.Type != model.TypeChatMessage || chatOf(t, env).Content != want {
			t.Fatalf("expected replay of %q, got %s %s", want, env.Type, env.Data)
		}
	}
}

func TestRealtime_BroadcastIncludesSender(t *testing.T) {
	e := newTestEnv(t)
	a := e.dial(t, e.token(t, "alice", "Alice"))
	readEnvelope(t, a) // ack
	b := e.dial(t, e.token(t, "bob", "Bob"))
	readEnvelope(t, b) // ack

	send(t, a, model.ChatMessage{ID: "m1", Content: "hello", SenderID: "bob"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := chatOf(t, readUntil(t, conn, model.TypeChatMessage))
		if msg.ID != "m1" || msg.SenderID != "alice" || msg.SenderName != "Alice" || msg.Status != model.StatusSent {
			t.Errorf("unexpected broadcast %+v", msg)
		}
	}
}

func TestRealtime_Presence(t *testing.T) {
	e := newTestEnv(t)
	a := e.dial(t, e.token(t, "alice", "Alice"))
	readEnvelope(t, a)

	b := e.dial(t, e.token(t, "bob", "Bob"))
	readEnvelope(t, b)

	var online model.UserOnline
	json.Unmarshal(readUntil(t, a, model.TypeUserOnline).Data, &online)
	if online.UserID != "bob" || online.UserName != "Bob" {
		t.Errorf("unexpected user_online %+v", online)
	}

	b.Close()
	var offline model.UserOffline
	json.Unmarshal(readUntil(t, a, model.TypeUserOffline).Data, &offline)
	if offline.UserID != "bob" {
		t.Errorf("unexpected user_offline %+v", offline)
	}
}

func TestRealtime_HandshakeRejections(t *testing.T) {
	e := newTestEnv(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: "u",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	forged, _ := auth.NewIssuer("other-secret", time.Hour).Issue(model.Identity{ID: "u"})

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"missing", "", CloseMissingToken},
		{"expired", expired, CloseInvalidToken},
		{"wrong secret", forged, CloseInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := e.dial(t, tt.token)
			expectClose(t, conn, tt.code)
		})
	}
	if e.h.Registry.Len() != 0 {
		t.Errorf("rejected handshakes must not register, got %d", e.h.Registry.Len())
	}
}

func TestRealtime_RejectsForeignOrigin(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/realtime?token=" + e.token(t, "u", "U")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestRealtime_HeartbeatEchoAndErrors(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, e.token(t, "alice", "Alice"))
	readEnvelope(t, conn)

	send(t, conn, model.Heartbeat{})
	if env := readEnvelope(t, conn); env.Type != model.TypeHeartbeatAck {
		t.Fatalf("expected heartbeat_ack, got %s", env.Type)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","data":{"on":true}}`))
	env := readEnvelope(t, conn)
	if env.Type != model.TypeEcho {
		t.Fatalf("expected echo, got %s", env.Type)
	}
	var echo model.Echo
	json.Unmarshal(env.Data, &echo)
	if !strings.Contains(string(echo.OriginalMessage), `"typing"`) {
		t.Errorf("echo should carry the original frame, got %s", echo.OriginalMessage)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	if env := readEnvelope(t, conn); env.Type != model.TypeError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}

	send(t, conn, model.ChatMessage{Content: "   "})
	if env := readEnvelope(t, conn); env.Type != model.TypeError {
		t.Fatalf("expected error envelope for empty content, got %s", env.Type)
	}

	// Still usable after errors.
	send(t, conn, model.Heartbeat{})
	if env := readEnvelope(t, conn); env.Type != model.TypeHeartbeatAck {
		t.Fatalf("connection should survive bad frames, got %s", env.Type)
	}
	if e.h.Chat.History().Len() != 0 {
		t.Error("nothing should have been stored")
	}
}

func TestPolling_Unauthorized(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name  string
		token string
	}{
		{"no header", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", func() string {
			tok, _ := auth.NewIssuer("other", time.Hour).Issue(model.Identity{ID: "u"})
			return tok
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, method := range []string{http.MethodGet, http.MethodPost} {
				resp := e.request(t, method, "/api/messages", tt.token, []byte(`{}`))
				if resp.StatusCode != http.StatusUnauthorized {
					t.Fatalf("%s: expected 401, got %d", method, resp.StatusCode)
				}
				var body errorResponse
				json.NewDecoder(resp.Body).Decode(&body)
				if body.Success || body.Message == "" {
					t.Errorf("unexpected body %+v", body)
				}
			}
		})
	}
}

func TestPolling_PostReachesRealtimeClients(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t, e.token(t, "bob", "Bob"))
	readEnvelope(t, ws)

	body, _ := model.Marshal(model.ChatMessage{ID: "p1", Content: "from polling"})
	resp := e.request(t, http.MethodPost, "/api/messages", e.token(t, "alice", "Alice"), body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || !created.Success {
		t.Fatalf("decode: %+v %v", created, err)
	}
	posted := chatOf(t, created.Data)

	live := chatOf(t, readUntil(t, ws, model.TypeChatMessage))
	if live != posted {
		t.Fatalf("realtime copy differs from polling response: %+v vs %+v", live, posted)
	}
	if live.SenderID != "alice" || live.Status != model.StatusSent {
		t.Errorf("unexpected message %+v", live)
	}
}

func TestPolling_TransportsProduceSameShape(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "Alice")

	ws := e.dial(t, tok)
	readEnvelope(t, ws)
	send(t, ws, model.ChatMessage{Content: "same"})
	viaWS := chatOf(t, readUntil(t, ws, model.TypeChatMessage))

	body, _ := model.Marshal(model.ChatMessage{Content: "same"})
	resp := e.request(t, http.MethodPost, "/api/messages", tok, body)
	var created createResponse
	json.NewDecoder(resp.Body).Decode(&created)
	viaPoll := chatOf(t, created.Data)

	if viaWS.ID == "" || viaPoll.ID == "" {
		t.Fatal("server must assign ids")
	}
	viaWS.ID, viaPoll.ID = "", ""
	viaWS.Timestamp, viaPoll.Timestamp = "", ""
	if viaWS != viaPoll {
		t.Fatalf("transports diverge: %+v vs %+v", viaWS, viaPoll)
	}
}

func TestPolling_GetMessagesWithCursor(t *testing.T) {
	e := newTestEnv(t)
	alice := model.Identity{ID: "alice", DisplayName: "Alice"}
	for _, id := range []string{"m1", "m2", "m3"} {
		e.h.Chat.Publish(alice, model.ChatMessage{ID: id, Content: id}, chat.TransportPolling)
	}
	tok := e.token(t, "bob", "Bob")

	tests := []struct {
		query  string
		want   []string
		cursor string
	}{
		{"", []string{"m1", "m2", "m3"}, "m3"},
		{"?lastMessageId=m1", []string{"m2", "m3"}, "m3"},
		{"?lastMessageId=m3", nil, "m3"},
		{"?lastMessageId=evicted", []string{"m1", "m2", "m3"}, "m3"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := e.request(t, http.MethodGet, "/api/messages"+tt.query, tok, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			var got messagesResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, env := range got.Messages {
				ids = append(ids, chatOf(t, env).ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") || got.Count != len(tt.want) {
				t.Errorf("expected %v, got %v (count %d)", tt.want, ids, got.Count)
			}
			if got.Cursor != tt.cursor {
				t.Errorf("expected cursor %q, got %q", tt.cursor, got.Cursor)
			}
		})
	}
}

func TestPolling_CreateMessageBadRequests(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "Alice")

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"type":`},
		{"missing type", `{"data":{"content":"x"}}`},
		{"unsupported type", `{"type":"heartbeat"}`},
		{"bad payload", `{"type":"chat_message","data":"oops"}`},
		{"empty content", `{"type":"chat_message","data":{"content":"  "}}`},
		{"oversized", `{"type":"chat_message","data":{"content":"` + strings.Repeat("a", 1<<20) + `"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.request(t, http.MethodPost, "/api/messages", tok, []byte(tt.body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
	if e.h.Chat.History().Len() != 0 {
		t.Error("rejected posts must not be stored")
	}
}

func TestPolling_ResendIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "Alice")
	body, _ := model.Marshal(model.ChatMessage{ID: "dup", Content: "once"})

	if resp := e.request(t, http.MethodPost, "/api/messages", tok, body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if resp := e.request(t, http.MethodPost, "/api/messages", tok, body); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on resend, got %d", resp.StatusCode)
	}
	if e.h.Chat.History().Len() != 1 {
		t.Errorf("expected one stored message, got %d", e.h.Chat.History().Len())
	}
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, e.token(t, "alice", "Alice"))
	readEnvelope(t, conn)

	resp := e.request(t, http.MethodGet, "/api/realtime/stats", e.token(t, "ops", "Ops"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got statsResponse
	json.NewDecoder(resp.Body).Decode(&got)
	if !got.Success || got.TotalConnections != 1 || got.Connections[0].UserID != "alice" {
		t.Errorf("unexpected stats %+v", got)
	}
}

func TestHealthAndIndex(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health healthResponse
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Status != "ok" || health.Environment != "test" {
		t.Errorf("unexpected health %+v", health)
	}

	if resp := e.request(t, http.MethodGet, "/", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("index: expected 200, got %d", resp.StatusCode)
	}
	if resp := e.request(t, http.MethodGet, "/metrics", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", resp.StatusCode)
	}
}

func TestShutdown_ClosesWithGoingAway(t *testing.T) {
	e := newTestEnv(t)
	a := e.dial(t, e.token(t, "alice", "Alice"))
	readEnvelope(t, a) // ack
	b := e.dial(t, e.token(t, "bob", "Bob"))
	readEnvelope(t, b) // ack
	readUntil(t, a, model.TypeUserOnline)

	if n := e.h.Shutdown(); n != 2 {
		t.Fatalf("expected 2 connections closed, got %d", n)
	}
	// No user_offline may precede the close frame.
	expectClose(t, a, websocket.CloseGoingAway)
	expectClose(t, b, websocket.CloseGoingAway)
	if e.h.Registry.Len() != 0 {
		t.Errorf("registry should be empty, has %d", e.h.Registry.Len())
	}
}

func TestRealtime_ReplayLargerThanDefaultQueue(t *testing.T) {
	const buffered = 1000
	e := newTestEnvWithHistory(t, buffered)
	alice := model.Identity{ID: "alice", DisplayName: "Alice"}
	for i := range buffered {
		if _, _, err := e.h.Chat.Publish(alice, model.ChatMessage{Content: fmt.Sprintf("m%d", i)}, chat.TransportPolling); err != nil {
			t.Fatal(err)
		}
	}

	conn := e.dial(t, e.token(t, "bob", "Bob"))
	if env := readEnvelope(t, conn); env.Type != model.TypeConnectionAck {
		t.Fatalf("first envelope should be connection_ack, got %s", env.Type)
	}
	for i := range buffered {
		env := readEnvelope(t, conn)
		if env.Type != model.TypeChatMessage || chatOf(t, env).Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("replay %d: got %s %s", i, env.Type, env.Data)
		}
	}
	if e.h.Registry.Len() != 1 {
		t.Errorf("connection should stay registered, have %d", e.h.Registry.Len())
	}
}

func TestSendQueueFor(t *testing.T) {
	tests := map[int]int{
		0:    defaultSendQueueSize,
		100:  defaultSendQueueSize,
		256:  256 + replayHeadroom,
		1000: 1000 + replayHeadroom,
	}
	for capacity, want := range tests {
		if got := sendQueueFor(capacity); got != want {
			t.Errorf("sendQueueFor(%d) = %d, want %d", capacity, got, want)
		}
	}
}

func TestSocket_QueueOverflowClosesPeer(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := createUpgrader(nil)
		conn, err := u.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// No writer running, so the queue never drains.
	sock := newSocket(<-conns, time.Second, 1)
	if err := sock.Send([]byte(`{}`)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := sock.Send([]byte(`{}`)); !errors.Is(err, errSendQueueFull) {
		t.Fatalf("expected errSendQueueFull, got %v", err)
	}
	if err := sock.Send([]byte(`{}`)); !errors.Is(err, errSocketClosed) {
		t.Errorf("sends after overflow should fail with errSocketClosed, got %v", err)
	}
	if err := sock.Ping(); !errors.Is(err, errSocketClosed) {
		t.Errorf("ping after close should fail, got %v", err)
	}
}

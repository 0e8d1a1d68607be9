package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/attachment"
	"github.com/parley/chat-core/internal/auth"
	"github.com/parley/chat-core/internal/conversation"
	"github.com/parley/chat-core/internal/delivery"
	"github.com/parley/chat-core/internal/gateway"
	"github.com/parley/chat-core/internal/message"
	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/presence"
	"github.com/parley/chat-core/internal/readcursor"
	"github.com/parley/chat-core/internal/store/memory"
	wsconn "github.com/parley/chat-core/internal/ws"
)

const secret = "test-secret"

type harness struct {
	t    *testing.T
	url  string
	blob *attachment.DiskStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	var handler http.Handler
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(hs.Close)

	st := memory.New()
	for _, u := range []model.User{
		{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		{ID: "bob", Name: "Bob", Email: "bob@example.com"},
		{ID: "carol", Name: "Carol", Email: "carol@example.com"},
	} {
		st.AddUser(u)
	}

	disk, err := attachment.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	files := attachment.NewPipeline(disk, attachment.Config{
		BaseURL: hs.URL + "/storage", AttachmentPrefix: "attachment", AvatarPrefix: "avatar",
	}, logger)

	registry := presence.NewRegistry(logger)
	router := delivery.NewRouter(registry, delivery.Config{}, logger)
	reads := readcursor.NewTracker(st, files, logger)

	verifier, err := auth.NewVerifier(auth.Config{Secret: secret})
	require.NoError(t, err)

	wsCfg := wsconn.DefaultConfig()
	wsCfg.Heartbeat.Interval = 0
	dispatcher := wsconn.NewMessageDispatcher(logger)
	wsServer := wsconn.NewServer(wsCfg, verifier, dispatcher.Dispatch, logger)
	gateway.New(registry, router, reads, st, logger).Attach(wsServer, dispatcher)
	require.NoError(t, wsServer.Start())
	t.Cleanup(wsServer.Shutdown)

	handler = NewServer(Deps{
		Conversations: conversation.NewService(st, files, registry, logger),
		Messages:      message.NewService(st, files, router, nil, message.DefaultConfig(), logger),
		Reads:         reads,
		Authenticate:  verifier.Middleware,
		WebSocket:     wsServer,
		Files:         http.FileServer(http.Dir(disk.Root())),
	}, DefaultConfig(), logger).Handler()

	return &harness{t: t, url: hs.URL, blob: disk}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *harness) do(user, method, path, contentType string, body io.Reader) (int, response) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.url+path, body)
	require.NoError(h.t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(h.t, user))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) json(user, method, path string, body any) (int, response) {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(b)
	}
	return h.do(user, method, path, "application/json", r)
}

func (h *harness) createConversation(a, b string) string {
	h.t.Helper()
	status, resp := h.json(a, http.MethodPost, "/api/chat/conversation", map[string]string{"participant_id": b})
	require.Contains(h.t, []int{http.StatusCreated, http.StatusOK}, status, resp.Message)
	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(h.t, json.Unmarshal(resp.Data, &conv))
	return conv.ID
}

type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func (h *harness) dial(user string) *wsClient {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.url, "http") + "/ws?token=" + token(h.t, user)
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &wsClient{t: h.t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
	require.Equal(h.t, "connected", c.next()["type"])
	return c
}

func (c *wsClient) next() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(c.t, err)
	var out map[string]any
	require.NoError(c.t, json.Unmarshal(data, &out))
	return out
}

func (c *wsClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientText(c.rw, []byte(frame)))
}

func TestRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	status, resp := h.json("", http.MethodGet, "/api/chat/conversation", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, resp.Success)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	status, resp := h.do("", http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
}

func TestConversationLifecycle(t *testing.T) {
	h := newHarness(t)

	status, resp := h.json("alice", http.MethodPost, "/api/chat/conversation", map[string]string{"participant_id": "alice"})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Success)

	status, _ = h.json("alice", http.MethodPost, "/api/chat/conversation", map[string]string{"participant_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, status)

	id := h.createConversation("alice", "bob")
	status, resp = h.json("bob", http.MethodPost, "/api/chat/conversation", map[string]string{"participant_id": "alice"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Conversation already exists", resp.Message)

	status, resp = h.json("alice", http.MethodGet, "/api/chat/conversation", nil)
	require.Equal(t, http.StatusOK, status)
	var list []struct {
		ID       string `json:"id"`
		Opponent struct {
			ID     string `json:"id"`
			Online bool   `json:"online"`
		} `json:"opponent"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "bob", list[0].Opponent.ID)
	assert.False(t, list[0].Opponent.Online)

	status, _ = h.json("carol", http.MethodGet, "/api/chat/conversation/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.json("alice", http.MethodGet, "/api/chat/conversation/"+id, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = h.json("bob", http.MethodDelete, "/api/chat/conversation/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.json("alice", http.MethodGet, "/api/chat/conversation/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUserDirectory(t *testing.T) {
	h := newHarness(t)
	status, resp := h.json("bob", http.MethodGet, "/api/chat/users", nil)
	require.Equal(t, http.StatusOK, status)
	var users []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &users))
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].ID)
	assert.Equal(t, "carol", users[1].ID)
}

// TestSendPushesToReceiver walks the core scenario: A and B are online, A
// sends "hi", B receives it live and A does not.
func TestSendPushesToReceiver(t *testing.T) {
	h := newHarness(t)
	id := h.createConversation("alice", "bob")
	alice := h.dial("alice")
	bob := h.dial("bob")

	status, resp := h.json("alice", http.MethodPost, "/api/chat/message", map[string]string{
		"conversation_id": id, "text": "hi",
	})
	require.Equal(t, http.StatusCreated, status, resp.Message)
	var sent struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &sent))
	assert.Equal(t, "hi", sent.Text)
	assert.Equal(t, "SENT", sent.Status)

	ev := bob.next()
	assert.Equal(t, "message", ev["type"])
	assert.Equal(t, "alice", ev["from"])
	data := ev["data"].(map[string]any)
	assert.Equal(t, sent.ID, data["id"])
	assert.Equal(t, "hi", data["text"])

	// the push is written before the response, so the next frame on the
	// sender's socket is the pong
	alice.send(`{"type":"ping"}`)
	assert.Equal(t, "pong", alice.next()["type"])

	status, resp = h.json("bob", http.MethodGet, "/api/chat/conversation/"+id+"/unread", nil)
	require.Equal(t, http.StatusOK, status)
	var unread struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &unread))
	assert.Equal(t, 1, unread.Count)

	bob.send(`{"type":"mark_read","conversation_id":"` + id + `"}`)
	ack := bob.next()
	assert.Equal(t, "read", ack["type"])
	assert.Equal(t, float64(1), ack["count"])

	status, resp = h.json("bob", http.MethodPost, "/api/chat/conversation/"+id+"/read", nil)
	require.Equal(t, http.StatusOK, status)
	var receipt struct {
		Marked int `json:"marked"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &receipt))
	assert.Zero(t, receipt.Marked)
}

func TestSendRejectsOutsider(t *testing.T) {
	h := newHarness(t)
	id := h.createConversation("alice", "bob")

	status, resp := h.json("carol", http.MethodPost, "/api/chat/message", map[string]string{
		"conversation_id": id, "text": "hi",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.False(t, resp.Success)

	status, _ = h.json("alice", http.MethodPost, "/api/chat/message", map[string]string{
		"conversation_id": id, "text": "   ",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSendMultipartAndServeAttachment(t *testing.T) {
	h := newHarness(t)
	id := h.createConversation("alice", "bob")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("conversation_id", id))
	require.NoError(t, mw.WriteField("text", "see attached"))
	fw, err := mw.CreateFormFile("attachments", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	status, resp := h.do("alice", http.MethodPost, "/api/chat/message", mw.FormDataContentType(), &body)
	require.Equal(t, http.StatusCreated, status, resp.Message)
	var sent struct {
		ID          string   `json:"id"`
		Attachments []string `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &sent))
	require.Len(t, sent.Attachments, 1)
	assert.True(t, strings.HasSuffix(sent.Attachments[0], "_report.txt"))

	got, err := http.Get(sent.Attachments[0])
	require.NoError(t, err)
	content, err := io.ReadAll(got.Body)
	got.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(content))

	status, _ = h.json("bob", http.MethodDelete, "/api/chat/message/"+sent.ID, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = h.json("alice", http.MethodDelete, "/api/chat/message/"+sent.ID, nil)
	assert.Equal(t, http.StatusOK, status)

	got, err = http.Get(sent.Attachments[0])
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}

func TestListMessagesPagination(t *testing.T) {
	h := newHarness(t)
	id := h.createConversation("alice", "bob")
	for _, text := range []string{"one", "two", "three"} {
		status, resp := h.json("alice", http.MethodPost, "/api/chat/message", map[string]string{
			"conversation_id": id, "text": text,
		})
		require.Equal(t, http.StatusCreated, status, resp.Message)
	}

	status, resp := h.json("bob", http.MethodGet, "/api/chat/conversation/"+id+"/messages?page=2&per_page=2", nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
		Receiver struct {
			ID string `json:"id"`
		} `json:"receiver"`
		Pagination struct {
			Total       int  `json:"total"`
			TotalPages  int  `json:"total_pages"`
			HasPrevPage bool `json:"has_prev_page"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "three", page.Messages[0].Text)
	assert.Equal(t, "alice", page.Receiver.ID)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	assert.True(t, page.Pagination.HasPrevPage)

	status, _ = h.json("bob", http.MethodGet, "/api/chat/conversation/"+id+"/messages?page=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.json("bob", http.MethodGet, "/api/chat/conversation/"+id+"/messages?page=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.json("bob", http.MethodGet, "/api/chat/conversation/"+id+"/messages?per_page=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.json("bob", http.MethodGet, "/api/chat/conversation/"+id+"/messages?per_page=-3", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListMessagesDefaultsPerPage(t *testing.T) {
	h := newHarness(t)
	id := h.createConversation("alice", "bob")
	status, resp := h.json("alice", http.MethodPost, "/api/chat/message", map[string]string{
		"conversation_id": id, "text": "hello",
	})
	require.Equal(t, http.StatusCreated, status, resp.Message)

	status, resp = h.json("bob", http.MethodGet, "/api/chat/conversation/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, status, resp.Message)
	var page struct {
		Pagination struct {
			Page    int `json:"page"`
			PerPage int `json:"per_page"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Equal(t, 1, page.Pagination.Page)
	assert.Equal(t, DefaultConfig().DefaultPerPage, page.Pagination.PerPage)
}

type fixedLimiter struct {
	allow bool
	wait  time.Duration
	keys  []string
}

func (f *fixedLimiter) Allow(_ context.Context, key string) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, nil
}

func (f *fixedLimiter) RetryAfter(context.Context, string) time.Duration { return f.wait }

func TestLimitSetsRetryAfterFromWindow(t *testing.T) {
	l := &fixedLimiter{wait: 1500 * time.Millisecond}
	h := (&Server{logger: zap.NewNop()}).limit(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("rejected request reached the handler")
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"203.0.113.7"}, l.keys)

	// an elapsed window still asks for at least a second
	l.wait = 0
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

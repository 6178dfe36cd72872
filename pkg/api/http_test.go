package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"chatd/internal/sweeper"
	"chatd/pkg/api/handlers"
	"chatd/pkg/convo"
	"chatd/pkg/identity"
	"chatd/pkg/msglog"
	"chatd/pkg/permission"
	"chatd/pkg/requests"
	"chatd/pkg/store"
	"chatd/pkg/syncer"
	"chatd/pkg/typing"
)

type env struct {
	srv *httptest.Server
	ids *identity.Memory
}

func setupServer(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ids := identity.NewMemory(identity.PrivacyAnyone)
	eval := permission.NewEvaluator(ids)
	log := msglog.NewService(st, eval, nil, 3)
	sw := sweeper.New(st, log, 0)
	d := handlers.Deps{
		Convo: convo.NewService(st, eval),
		Log:   log,
		Gate:  requests.NewGate(st, ids, nil),
		Sync:  syncer.New(st, nil),
		Hub:   typing.NewHub(),
		Sweep: sw.RunOnce,
	}
	srv := httptest.NewServer(NewRouter(d, Options{RateRPS: 1000, RateBurst: 1000}))
	t.Cleanup(srv.Close)
	return &env{srv: srv, ids: ids}
}

// do issues a JSON request as the given user and decodes the response
// into out when non-nil.
func (e *env) do(t *testing.T, user, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func TestHealthz(t *testing.T) {
	e := setupServer(t)
	var out map[string]string
	if code := e.do(t, "", http.MethodGet, "/healthz", nil, &out); code != 200 {
		t.Fatalf("healthz: %d", code)
	}
	if out["status"] != "ok" {
		t.Fatalf("healthz body: %v", out)
	}
}

func TestSendAndReadFlow(t *testing.T) {
	e := setupServer(t)

	var msg struct {
		ID           string `json:"id"`
		Conversation string `json:"conversation"`
		Status       string `json:"status"`
	}
	code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob", "body": "hello"}, &msg)
	if code != http.StatusCreated {
		t.Fatalf("send: %d", code)
	}
	if msg.ID == "" || msg.Conversation == "" || msg.Status != "sent" {
		t.Fatalf("send response: %+v", msg)
	}

	var conv struct {
		State map[string]struct {
			UnreadCount int `json:"unread_count"`
		} `json:"state"`
	}
	if code := e.do(t, "bob", http.MethodGet, "/v1/conversations/"+msg.Conversation, nil, &conv); code != 200 {
		t.Fatalf("get conversation: %d", code)
	}
	if conv.State["bob"].UnreadCount != 1 {
		t.Fatalf("bob unread: %+v", conv)
	}

	var page struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Cursor string `json:"cursor"`
	}
	if code := e.do(t, "bob", http.MethodGet, "/v1/conversations/"+msg.Conversation+"/messages", nil, &page); code != 200 {
		t.Fatalf("list messages: %d", code)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != msg.ID {
		t.Fatalf("page: %+v", page)
	}

	if code := e.do(t, "bob", http.MethodPost, "/v1/messages/"+msg.ID+"/delivered", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delivered: %d", code)
	}
	if code := e.do(t, "bob", http.MethodPost, "/v1/conversations/"+msg.Conversation+"/read", nil, nil); code != http.StatusNoContent {
		t.Fatalf("read: %d", code)
	}

	var got struct {
		Status string `json:"status"`
	}
	if code := e.do(t, "alice", http.MethodGet, "/v1/messages/"+msg.ID, nil, &got); code != 200 {
		t.Fatalf("get message: %d", code)
	}
	if got.Status != "read" {
		t.Fatalf("status after read: %s", got.Status)
	}

	if code := e.do(t, "bob", http.MethodGet, "/v1/conversations/"+msg.Conversation, nil, &conv); code != 200 {
		t.Fatalf("re-get conversation: %d", code)
	}
	if conv.State["bob"].UnreadCount != 0 {
		t.Fatalf("unread after read: %+v", conv)
	}
}

func TestRequestFlowOverHTTP(t *testing.T) {
	e := setupServer(t)
	e.ids.SetPrivacy("bob", identity.PrivacyFollowers)

	var msg struct {
		Conversation string `json:"conversation"`
	}
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob", "body": "may I?"}, &msg); code != http.StatusCreated {
		t.Fatalf("first send: %d", code)
	}

	// second pending send hits the gate
	code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob", "body": "hello?"}, nil)
	if code != http.StatusTooManyRequests {
		t.Fatalf("gated send: %d", code)
	}

	var inbox struct {
		Requests []struct {
			ID           string `json:"id"`
			RequesterID  string `json:"requester_id"`
			FirstPreview string `json:"first_preview"`
		} `json:"requests"`
	}
	if code := e.do(t, "bob", http.MethodGet, "/v1/requests", nil, &inbox); code != 200 {
		t.Fatalf("inbox: %d", code)
	}
	if len(inbox.Requests) != 1 || inbox.Requests[0].RequesterID != "alice" {
		t.Fatalf("inbox: %+v", inbox)
	}
	reqID := inbox.Requests[0].ID

	if code := e.do(t, "bob", http.MethodPost, "/v1/requests/"+reqID+"/ack", nil, nil); code != http.StatusNoContent {
		t.Fatalf("ack: %d", code)
	}
	if code := e.do(t, "bob", http.MethodPost, "/v1/conversations/"+reqID+"/respond",
		map[string]string{"decision": "accept"}, nil); code != http.StatusNoContent {
		t.Fatalf("accept: %d", code)
	}

	// requester now sends freely
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"conversation_id": msg.Conversation, "body": "thanks"}, nil); code != http.StatusCreated {
		t.Fatalf("post-accept send: %d", code)
	}
}

func TestBlockOverHTTP(t *testing.T) {
	e := setupServer(t)
	e.ids.SetPrivacy("bob", identity.PrivacyFollowers)

	var msg struct {
		Conversation string `json:"conversation"`
	}
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob", "body": "hi"}, &msg); code != http.StatusCreated {
		t.Fatalf("send: %d", code)
	}
	if code := e.do(t, "bob", http.MethodPost, "/v1/conversations/"+msg.Conversation+"/respond",
		map[string]string{"decision": "block"}, nil); code != http.StatusNoContent {
		t.Fatalf("block: %d", code)
	}
	code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob", "body": "again"}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("send after block: %d", code)
	}
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	e := setupServer(t)

	var grp struct {
		ID string `json:"id"`
	}
	code := e.do(t, "alice", http.MethodPost, "/v1/conversations",
		map[string]any{"name": "trio", "member_ids": []string{"bob", "carol"}}, &grp)
	if code != http.StatusCreated {
		t.Fatalf("create group: %d", code)
	}
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"conversation_id": grp.ID, "body": "welcome"}, nil); code != http.StatusCreated {
		t.Fatalf("group send: %d", code)
	}
	if code := e.do(t, "carol", http.MethodPost, "/v1/conversations/"+grp.ID+"/leave", nil, nil); code != http.StatusNoContent {
		t.Fatalf("leave: %d", code)
	}
	// a former member can no longer read
	if code := e.do(t, "carol", http.MethodGet, "/v1/conversations/"+grp.ID, nil, nil); code != http.StatusForbidden {
		t.Fatalf("post-leave get: %d", code)
	}
}

func TestErrorStatuses(t *testing.T) {
	e := setupServer(t)

	if code := e.do(t, "", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob", "body": "x"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous send: %d", code)
	}
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob"}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty draft: %d", code)
	}
	if code := e.do(t, "alice", http.MethodGet, "/v1/messages/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing message: %d", code)
	}
	if code := e.do(t, "alice", http.MethodGet, "/v1/conversations/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing conversation: %d", code)
	}
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "alice", "body": "me"}, nil); code != http.StatusBadRequest {
		t.Fatalf("self send: %d", code)
	}
}

func TestAdminSweepEndpoint(t *testing.T) {
	e := setupServer(t)

	var msg struct {
		ID           string `json:"id"`
		Conversation string `json:"conversation"`
	}
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages",
		map[string]string{"recipient_id": "bob", "body": "brief"}, &msg); code != http.StatusCreated {
		t.Fatalf("send: %d", code)
	}
	if code := e.do(t, "alice", http.MethodPost, "/v1/messages/"+msg.ID+"/disappear",
		map[string]string{"after": "1ns"}, nil); code != http.StatusNoContent {
		t.Fatalf("schedule: %d", code)
	}

	var out map[string]int
	if code := e.do(t, "ops", http.MethodPost, "/v1/admin/sweep", nil, &out); code != 200 {
		t.Fatalf("sweep: %d", code)
	}
	if out["removed"] != 1 {
		t.Fatalf("sweep removed %d", out["removed"])
	}
	if code := e.do(t, "alice", http.MethodGet, "/v1/messages/"+msg.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("swept message still served: %d", code)
	}
}

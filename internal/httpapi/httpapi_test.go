package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftchat/drift-sync/internal/chat"
	"github.com/driftchat/drift-sync/internal/config"
	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/models"
	"github.com/driftchat/drift-sync/internal/notify"
	"github.com/driftchat/drift-sync/internal/pairing"
	"github.com/driftchat/drift-sync/internal/projection"
	"github.com/driftchat/drift-sync/internal/provider"
	"github.com/driftchat/drift-sync/internal/relay"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

type fixedProvider struct{ reply string }

func (p *fixedProvider) StreamReply(_ context.Context, req provider.Request, onDelta func(string)) (string, error) {
	if strings.HasPrefix(req.System, "Write a title") {
		return "A Title", nil
	}
	if onDelta != nil {
		onDelta(p.reply)
	}
	return p.reply, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *syncdoc.Doc) {
	t.Helper()

	doc := syncdoc.New("device-1")
	notifier := notify.New(nil)

	proj, err := projection.Open(filepath.Join(t.TempDir(), "read.sqlite"), nil)
	if err != nil {
		t.Fatalf("projection.Open: %v", err)
	}
	t.Cleanup(func() { _ = proj.Close() })
	if err := proj.Start(doc); err != nil {
		t.Fatalf("projection.Start: %v", err)
	}

	svc, err := chat.New(chat.Options{
		Doc: doc,
		Config: &config.Config{
			Providers:       map[string]config.Provider{"test": {Type: "openai", APIKey: "k"}},
			DefaultProvider: "test",
		},
		Notifier:    notifier,
		NewProvider: func(config.Provider) (provider.Provider, error) { return &fixedProvider{reply: "hello!"}, nil },
	})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	t.Cleanup(svc.Close)

	relaySrv := httptest.NewServer(relay.NewHub(nil).Handler())
	t.Cleanup(relaySrv.Close)
	ctrl, err := pairing.New(pairing.Options{
		RelayURL:    relaySrv.URL,
		DataDir:     t.TempDir(),
		Doc:         doc,
		Notifier:    notifier,
		DeviceLabel: "Device-test",
		JoinTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("pairing.New: %v", err)
	}
	t.Cleanup(ctrl.Close)

	api, err := New(Options{Chats: svc, Pairing: ctrl, Projection: proj, Notifier: notifier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, doc
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestAPI_HealthAndStatus(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	var health map[string]string
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, &health); code != http.StatusOK {
		t.Fatalf("health status=%d", code)
	}
	if health["status"] != "ok" {
		t.Fatalf("health=%v", health)
	}

	var status pairing.Status
	doJSON(t, http.MethodGet, srv.URL+"/api/status", nil, &status)
	if status.State != pairing.StateIdle {
		t.Fatalf("state=%s, want idle", status.State)
	}
}

func TestAPI_MessageLifecycle(t *testing.T) {
	t.Parallel()

	srv, doc := newTestServer(t)

	var sent map[string]string
	code := doJSON(t, http.MethodPost, srv.URL+"/api/messages", map[string]string{
		"model":   "gpt-4o-mini",
		"content": "hello api",
	}, &sent)
	if code != http.StatusAccepted {
		t.Fatalf("send status=%d", code)
	}
	chatID := sent["chatId"]
	if chatID == "" {
		t.Fatalf("no chat id in response: %v", sent)
	}

	// Reply streams in the background; wait for it to land in the document.
	deadline := time.Now().Add(5 * time.Second)
	for doc.Len(syncdoc.CollectionMessages) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("assistant reply never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var chatResp struct {
		Chat     entity.Chat      `json:"chat"`
		Messages []entity.Message `json:"messages"`
	}
	waitOK := func() bool {
		return doJSON(t, http.MethodGet, srv.URL+"/api/chats/"+chatID, nil, &chatResp) == http.StatusOK &&
			len(chatResp.Messages) == 2
	}
	for !waitOK() {
		if time.Now().After(deadline) {
			t.Fatalf("chat endpoint never showed both messages: %+v", chatResp)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if chatResp.Messages[0].Content != "hello api" || chatResp.Messages[1].Content != "hello!" {
		t.Fatalf("messages=%+v", chatResp.Messages)
	}

	var convResp struct {
		Conversations []projection.ConversationRow `json:"conversations"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/conversations", nil, &convResp)
	if len(convResp.Conversations) != 1 {
		t.Fatalf("conversations=%+v", convResp.Conversations)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/api/conversations/"+convResp.Conversations[0].ID+"/pin", nil, nil); code != http.StatusNoContent {
		t.Fatalf("pin status=%d", code)
	}

	var forked map[string]string
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/chats/"+chatID+"/fork", nil, &forked); code != http.StatusOK {
		t.Fatalf("fork status=%d", code)
	}
	if forked["chatId"] == "" || forked["chatId"] == chatID {
		t.Fatalf("fork response=%v", forked)
	}

	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/chats/"+chatID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete status=%d", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/chats/"+chatID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("deleted chat status=%d, want 404", code)
	}
}

func TestAPI_ModelsAndCustomisation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	var list struct {
		Models []models.Model `json:"models"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/models", nil, &list)
	builtins := len(list.Models)
	if builtins == 0 {
		t.Fatalf("no built-in models")
	}

	var added models.Model
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/models", models.Model{Name: "Local", Provider: "Ollama"}, &added); code != http.StatusOK {
		t.Fatalf("add model status=%d", code)
	}

	// The projection catches up asynchronously with the document change.
	deadline := time.Now().Add(5 * time.Second)
	for {
		doJSON(t, http.MethodGet, srv.URL+"/api/models", nil, &list)
		if len(list.Models) == builtins+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("custom model never appeared, have %d", len(list.Models))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/models/"+added.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete model status=%d", code)
	}

	if code := doJSON(t, http.MethodPut, srv.URL+"/api/customisation/profile", entity.Customisation{Name: "Sam"}, nil); code != http.StatusNoContent {
		t.Fatalf("put profile status=%d", code)
	}
	var profile entity.Customisation
	for {
		if doJSON(t, http.MethodGet, srv.URL+"/api/customisation/"+entity.CustomisationUserProfile, nil, &profile) == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("profile never readable")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if profile.Name != "Sam" {
		t.Fatalf("profile=%+v", profile)
	}
}

func TestAPI_ExportCSV(t *testing.T) {
	t.Parallel()

	srv, doc := newTestServer(t)
	_ = doc.Set(syncdoc.CollectionChats, "c1", entity.Chat{ID: "c1", Title: "T", CreatedAt: 1})
	_ = doc.Set(syncdoc.CollectionMessages, "m1", entity.Message{ID: "m1", ChatID: "c1", Role: entity.RoleUser, Content: "hi", CreatedAt: 2})

	resp, err := http.Get(srv.URL + "/api/export.csv")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type=%q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "m1") {
		t.Fatalf("export missing message: %q", buf.String())
	}
}

func TestAPI_JoinInvalidCode(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	var out map[string]string
	code := doJSON(t, http.MethodPost, srv.URL+"/api/pairing/join", map[string]string{"code": "nope"}, &out)
	if code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", code)
	}
	if out["error"] == "" {
		t.Fatalf("no error message: %v", out)
	}
}

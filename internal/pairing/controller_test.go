package pairing

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/relay"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewHub(nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestController(t *testing.T, relayURL, dataDir, label string, doc *syncdoc.Doc) *Controller {
	t.Helper()
	c, err := New(Options{
		RelayURL:       relayURL,
		DataDir:        dataDir,
		Doc:            doc,
		DeviceLabel:    label,
		JoinTimeout:    2 * time.Second,
		RestoreTimeout: 2 * time.Second,
		Heartbeat:      50 * time.Millisecond,
		PeerTTL:        time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if c.Status().State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state=%s, want %s", c.Status().State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerateCode_Format(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	chars := make(map[rune]bool)
	for i := 0; i < 200; i++ {
		code := GenerateCode()
		if len(code) != codeLength {
			t.Fatalf("len(%q)=%d, want %d", code, len(code), codeLength)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
			chars[r] = true
		}
		if seen[code] {
			t.Fatalf("duplicate code %q in 200 draws", code)
		}
		seen[code] = true
	}
	// 2000 uniform draws hit all 31 characters with overwhelming odds; a
	// sampling bug that starves part of the alphabet shows up here.
	if len(chars) != len(codeAlphabet) {
		t.Fatalf("only %d of %d alphabet characters drawn", len(chars), len(codeAlphabet))
	}
}

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "abcdefghjk", want: "ABCDEFGHJK"},
		{in: "  ABCDE-FGHJK  ", want: "ABCDEFGHJK"},
		{in: "ABCDE FGHJK", want: "ABCDEFGHJK"},
		{in: "ABCDEFGH10", wantErr: true}, // 1 and 0 are not in the alphabet
		{in: "short", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeCode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeCode(%q): err=%v, wantErr=%v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("NormalizeCode(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestController_HostAndJoin(t *testing.T) {
	t.Parallel()

	relayURL := startRelay(t)
	docA := syncdoc.New("device-a")
	docB := syncdoc.New("device-b")
	ctrlA := newTestController(t, relayURL, t.TempDir(), "Device-aaaa", docA)
	ctrlB := newTestController(t, relayURL, t.TempDir(), "Device-bbbb", docB)

	code, err := ctrlA.Host(context.Background())
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	if st := ctrlA.Status(); st.State != StateHosting || st.Code != code {
		t.Fatalf("host status=%+v", st)
	}

	if err := ctrlB.Join(context.Background(), strings.ToLower(code)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForState(t, ctrlA, StateConnected)
	waitForState(t, ctrlB, StateConnected)

	// Writes replicate through the paired session.
	_ = docA.Set(syncdoc.CollectionChats, "c1", entity.Chat{ID: "c1", Title: "hi", CreatedAt: 1})
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := docB.Get(syncdoc.CollectionChats, "c1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat never replicated to joiner")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestController_JoinTimeout(t *testing.T) {
	t.Parallel()

	relayURL := startRelay(t)
	dataDir := t.TempDir()
	ctrl := newTestController(t, relayURL, dataDir, "Device-bbbb", syncdoc.New("device-b"))

	err := ctrl.Join(context.Background(), "ABCDEFGHJK")
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("err=%v, want ErrJoinTimeout", err)
	}
	if st := ctrl.Status(); st.State != StateIdle {
		t.Fatalf("state=%s after timeout, want idle", st.State)
	}
	if _, err := os.Stat(sessionPath(dataDir)); !os.IsNotExist(err) {
		t.Fatalf("session file kept after failed join: %v", err)
	}
}

func TestController_RestoreReconnects(t *testing.T) {
	t.Parallel()

	relayURL := startRelay(t)
	dirA, dirB := t.TempDir(), t.TempDir()
	ctrlA := newTestController(t, relayURL, dirA, "Device-aaaa", syncdoc.New("device-a"))

	code, err := ctrlA.Host(context.Background())
	if err != nil {
		t.Fatalf("Host: %v", err)
	}

	// A saved session from a previous run on device B.
	if err := saveSession(dirB, Session{Code: code, Role: "guest"}); err != nil {
		t.Fatalf("saveSession: %v", err)
	}

	ctrlB := newTestController(t, relayURL, dirB, "Device-bbbb", syncdoc.New("device-b"))
	if err := ctrlB.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, ctrlB, StateConnected)
	waitForState(t, ctrlA, StateConnected)
}

func TestController_RestoreTimeoutKeepsWaiting(t *testing.T) {
	t.Parallel()

	relayURL := startRelay(t)
	dataDir := t.TempDir()
	if err := saveSession(dataDir, Session{Code: "ABCDEFGHJK", Role: "guest"}); err != nil {
		t.Fatalf("saveSession: %v", err)
	}

	ctrl := newTestController(t, relayURL, dataDir, "Device-bbbb", syncdoc.New("device-b"))
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Nobody else is in the room: the restore times out but the device
	// stays in the room waiting, and the session file survives.
	waitForState(t, ctrl, StateHosting)
	if _, err := os.Stat(sessionPath(dataDir)); err != nil {
		t.Fatalf("session file lost after restore timeout: %v", err)
	}
}

func TestController_RotationDisconnectsPeers(t *testing.T) {
	t.Parallel()

	relayURL := startRelay(t)
	ctrlA := newTestController(t, relayURL, t.TempDir(), "Device-aaaa", syncdoc.New("device-a"))
	ctrlB := newTestController(t, relayURL, t.TempDir(), "Device-bbbb", syncdoc.New("device-b"))

	code, err := ctrlA.Host(context.Background())
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	if err := ctrlB.Join(context.Background(), code); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitForState(t, ctrlA, StateConnected)
	waitForState(t, ctrlB, StateConnected)

	// Hosting again abandons the old room, so the connected pair breaks on
	// both sides: the rotating device hosts the new code, the other is left
	// alone in the old room.
	second, err := ctrlA.Host(context.Background())
	if err != nil {
		t.Fatalf("second Host: %v", err)
	}
	if second == code {
		t.Fatalf("rotation reused code %q", code)
	}
	waitForState(t, ctrlA, StateHosting)
	waitForState(t, ctrlB, StateHosting)
}

func TestController_HostRotatesSession(t *testing.T) {
	t.Parallel()

	relayURL := startRelay(t)
	dataDir := t.TempDir()
	ctrl := newTestController(t, relayURL, dataDir, "Device-aaaa", syncdoc.New("device-a"))

	first, err := ctrl.Host(context.Background())
	if err != nil {
		t.Fatalf("first Host: %v", err)
	}
	second, err := ctrl.Host(context.Background())
	if err != nil {
		t.Fatalf("second Host: %v", err)
	}
	if first == second {
		t.Fatalf("second Host reused code %q", first)
	}
	if st := ctrl.Status(); st.Code != second {
		t.Fatalf("status code=%q, want %q", st.Code, second)
	}

	s, ok, err := loadSession(dataDir)
	if err != nil || !ok {
		t.Fatalf("loadSession: ok=%v err=%v", ok, err)
	}
	if s.Code != second {
		t.Fatalf("persisted code=%q, want %q", s.Code, second)
	}

	if err := ctrl.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if st := ctrl.Status(); st.State != StateIdle {
		t.Fatalf("state=%s after Leave, want idle", st.State)
	}
	if _, _, err := loadSession(dataDir); err != nil {
		t.Fatalf("loadSession after Leave: %v", err)
	}
}

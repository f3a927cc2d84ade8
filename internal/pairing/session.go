package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Session is the durable pointer to the room this device belongs to. It
// outlives the process so the daemon can rejoin its devices after a restart.
type Session struct {
	Code     string `json:"code"`
	Role     string `json:"role"` // "host" or "guest"
	JoinedAt int64  `json:"joined_at_unix_ms"`
}

func sessionPath(dataDir string) string {
	return filepath.Join(dataDir, "session.json")
}

func loadSession(dataDir string) (Session, bool, error) {
	raw, err := os.ReadFile(sessionPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, err
	}
	if strings.TrimSpace(s.Code) == "" {
		return Session{}, false, nil
	}
	return s, true, nil
}

func saveSession(dataDir string, s Session) error {
	if s.JoinedAt == 0 {
		s.JoinedAt = time.Now().UnixMilli()
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := sessionPath(dataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func clearSession(dataDir string) error {
	err := os.Remove(sessionPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

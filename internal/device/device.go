// Package device manages this device's durable identity: the actor id that
// versions every document write, and the label other devices see in
// presence and notices.
package device

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

const identityFileName = "device.json"

// Identity is persisted in the data dir on first run and reused forever
// after. Losing it is safe but makes the device look like a new actor.
type Identity struct {
	ActorID   string `json:"actor_id"`
	Label     string `json:"label"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

// LoadOrCreate reads the identity file, creating it when absent. An explicit
// deviceName overrides the generated label (and is persisted, so renames in
// config stick).
func LoadOrCreate(dataDir, deviceName string) (Identity, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return Identity{}, errors.New("missing data dir")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return Identity{}, err
	}
	path := filepath.Join(dataDir, identityFileName)

	var id Identity
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &id); err != nil {
			return Identity{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		id = Identity{
			ActorID:   uuid.NewString(),
			Label:     "Device-" + randomSuffix(4),
			CreatedAt: time.Now().UnixMilli(),
		}
	default:
		return Identity{}, err
	}

	if name := strings.TrimSpace(deviceName); name != "" && name != id.Label {
		id.Label = name
	}
	if id.ActorID == "" {
		id.ActorID = uuid.NewString()
	}

	if err := save(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func save(path string, id Identity) error {
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Lowercase alphanumerics minus lookalikes, matching the pairing code style.
const suffixAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func randomSuffix(n int) string {
	// Rejection sampling keeps every character equally likely.
	const limit = 256 - 256%len(suffixAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("device: crypto/rand unavailable: %v", err))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, suffixAlphabet[int(b)%len(suffixAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}

// HostInfo describes the machine for presence frames. Failures degrade to
// empty fields rather than blocking startup.
type HostInfo struct {
	Platform string
	Hostname string
}

func CollectHostInfo(ctx context.Context) HostInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}
	}
	platform := strings.TrimSpace(info.Platform)
	if platform == "" {
		platform = info.OS
	}
	if info.PlatformVersion != "" {
		platform = platform + " " + info.PlatformVersion
	}
	return HostInfo{Platform: platform, Hostname: info.Hostname}
}

package device

import (
	"strings"
	"testing"
)

func TestLoadOrCreate_StableAcrossRuns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := LoadOrCreate(dir, "")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if first.ActorID == "" {
		t.Fatalf("empty actor id")
	}
	if !strings.HasPrefix(first.Label, "Device-") || len(first.Label) != len("Device-")+4 {
		t.Fatalf("label=%q, want Device-xxxx", first.Label)
	}

	second, err := LoadOrCreate(dir, "")
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if second.ActorID != first.ActorID || second.Label != first.Label {
		t.Fatalf("identity changed across runs: %+v vs %+v", first, second)
	}
}

func TestLoadOrCreate_DeviceNameOverridesLabel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := LoadOrCreate(dir, "")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	renamed, err := LoadOrCreate(dir, "work laptop")
	if err != nil {
		t.Fatalf("rename LoadOrCreate: %v", err)
	}
	if renamed.Label != "work laptop" {
		t.Fatalf("label=%q, want work laptop", renamed.Label)
	}
	if renamed.ActorID != first.ActorID {
		t.Fatalf("actor id changed on rename")
	}

	// The rename persists without the config override.
	again, err := LoadOrCreate(dir, "")
	if err != nil {
		t.Fatalf("third LoadOrCreate: %v", err)
	}
	if again.Label != "work laptop" {
		t.Fatalf("label=%q, want persisted rename", again.Label)
	}
}

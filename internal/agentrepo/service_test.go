package agentrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAgentRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Config{Name: "SDR", SystemPrompt: "Seja direto.", Model: "gpt-4o-mini", Temperature: 0.2}
	if err := svc.EnsureAgentRepo("agt_1", initial, "Ana Souza"); err != nil {
		t.Fatalf("EnsureAgentRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "agt_1", configFile)); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	// second call is a no-op
	if err := svc.EnsureAgentRepo("agt_1", Config{Name: "other"}, "Ana Souza"); err != nil {
		t.Fatalf("EnsureAgentRepo() second call error = %v", err)
	}

	updated := initial
	updated.SystemPrompt = "Seja direto e cordial."
	updated.Temperature = 0.7
	version, err := svc.CommitConfig("agt_1", updated, "Bruno", "Update agent")
	if err != nil {
		t.Fatalf("CommitConfig() error = %v", err)
	}
	if len(version.Hash) != 7 || version.Author != "Bruno" {
		t.Fatalf("unexpected version: %+v", version)
	}

	history, err := svc.History("agt_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	if history[0].Hash != version.Hash {
		t.Fatalf("expected newest first, got %+v", history)
	}

	limited, err := svc.History("agt_1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit=1) = %v, %v", limited, err)
	}

	first, firstVersion, err := svc.GetConfigByHash("agt_1", history[1].Hash)
	if err != nil {
		t.Fatalf("GetConfigByHash() error = %v", err)
	}
	if first != initial {
		t.Fatalf("unexpected first config: %+v", first)
	}
	if firstVersion.Message != "Create agent" {
		t.Fatalf("unexpected first message %q", firstVersion.Message)
	}

	changes := DiffFields(first, updated)
	if len(changes) != 2 || changes[0].Field != "systemPrompt" || changes[1].Field != "temperature" {
		t.Fatalf("unexpected diff: %+v", changes)
	}
	if changes[1].Before != "0.2" || changes[1].After != "0.7" {
		t.Fatalf("unexpected temperature diff: %+v", changes[1])
	}
	if HasChanges(first, first) || !HasChanges(first, updated) {
		t.Fatal("HasChanges mismatch")
	}
}

func TestGetConfigByHashUnknown(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.GetConfigByHash("agt_missing", "abc1234"); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound for missing repo, got %v", err)
	}

	if err := svc.EnsureAgentRepo("agt_1", Config{Name: "SDR"}, "Ana"); err != nil {
		t.Fatalf("EnsureAgentRepo() error = %v", err)
	}
	if _, _, err := svc.GetConfigByHash("agt_1", "deadbee"); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestHistoryOfMissingRepoIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("agt_none", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

func TestRemove(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if err := svc.EnsureAgentRepo("agt_1", Config{Name: "SDR"}, "Ana"); err != nil {
		t.Fatalf("EnsureAgentRepo() error = %v", err)
	}
	if err := svc.Remove("agt_1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "agt_1")); !os.IsNotExist(err) {
		t.Fatalf("expected repo removed, stat err = %v", err)
	}
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureAgentRepo("agt_1", Config{Name: "SDR"}, "Ana"); err != nil {
		t.Fatalf("EnsureAgentRepo() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CommitConfig("agt_1", Config{Name: fmt.Sprintf("SDR %d", i)}, "Ana", fmt.Sprintf("edit %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("CommitConfig() error = %v", err)
		}
	}

	history, err := svc.History("agt_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("expected 6 versions, got %d", len(history))
	}
}

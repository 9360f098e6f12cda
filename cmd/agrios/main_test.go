// Package main tests for the agrios command tree.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/agrios/offline/internal/errors"
	"github.com/agrios/offline/internal/protocol"
)

const testPasswordEnv = "AGRIOS_TEST_SECRETS_PASSWORD"

// syncServer is a fake sync server that serves a fixed pull body and records
// every push.
type syncServer struct {
	mu       sync.Mutex
	pullBody string
	pulls    int
	pushes   []protocol.PushRequest
}

func (s *syncServer) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/sync/pull", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pulls++
		body := s.pullBody
		if body == "" {
			body = `{"changes": {}, "timestamp": 1000}`
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	})
	r.Post("/api/sync/push", func(w http.ResponseWriter, req *http.Request) {
		var push protocol.PushRequest
		if err := json.NewDecoder(req.Body).Decode(&push); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.pushes = append(s.pushes, push)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *syncServer) counts() (pulls int, pushes []protocol.PushRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls, append([]protocol.PushRequest(nil), s.pushes...)
}

// writeConfig writes a config file rooted in a temp dir and returns its path
// and the dir.
func writeConfig(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	var b strings.Builder
	b.WriteString("data_dir: " + filepath.Join(dir, "data") + "\n")
	b.WriteString("sync:\n")
	b.WriteString("  base_url: \"" + baseURL + "\"\n")
	b.WriteString("  interval: 1h\n")
	b.WriteString("  watch_db: false\n")
	b.WriteString("log:\n  level: error\n")
	b.WriteString("secrets:\n")
	b.WriteString("  encrypted_path: " + filepath.Join(dir, ".env.enc") + "\n")
	b.WriteString("  env_path: " + filepath.Join(dir, ".env") + "\n")
	b.WriteString("  password_env: " + testPasswordEnv + "\n")

	path := filepath.Join(dir, "agrios.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path, dir
}

func runCmd(t *testing.T, ctx context.Context, configPath string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(ctx, append([]string{"--config", configPath}, args...), &out, &errOut)
	return out.String(), err
}

func mustRun(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := runCmd(t, context.Background(), configPath, args...)
	if err != nil {
		t.Fatalf("agrios %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// =====================================================
// Record Commands
// =====================================================

// TestVersion verifies the version output.
func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out, io.Discard); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := out.String(); got != "agrios v"+Version+"\n" {
		t.Errorf("version output = %q", got)
	}
}

// TestFarmer_addListDelete verifies farmer records persist across runs.
func TestFarmer_addListDelete(t *testing.T) {
	cfg, _ := writeConfig(t, "")

	id := strings.TrimSpace(mustRun(t, cfg, "farmer", "add", "Amina Njoroge", "+254700000001", "--location", "Nakuru"))
	if id == "" {
		t.Fatal("farmer add printed no id")
	}
	mustRun(t, cfg, "farmer", "update", id, "--name", "Amina N.")

	list := mustRun(t, cfg, "farmer", "list")
	if !strings.Contains(list, id) || !strings.Contains(list, "Amina N.") || !strings.Contains(list, "Nakuru") {
		t.Errorf("farmer list = %q", list)
	}
	if !strings.Contains(list, "true") {
		t.Errorf("new farmer should be pending, list = %q", list)
	}

	mustRun(t, cfg, "farmer", "delete", id)
	if list := mustRun(t, cfg, "farmer", "list"); strings.Contains(list, id) {
		t.Errorf("deleted farmer still listed: %q", list)
	}
}

// TestFarmer_duplicatePhone verifies the validation error code.
func TestFarmer_duplicatePhone(t *testing.T) {
	cfg, _ := writeConfig(t, "")

	mustRun(t, cfg, "farmer", "add", "One", "+1")
	_, err := runCmd(t, context.Background(), cfg, "farmer", "add", "Two", "+1")
	if apperrors.CodeOf(err) != apperrors.ErrValidation {
		t.Errorf("CodeOf() = %q, want %q (err %v)", apperrors.CodeOf(err), apperrors.ErrValidation, err)
	}
}

// TestLog_addAndList verifies logs are listed per farmer.
func TestLog_addAndList(t *testing.T) {
	cfg, _ := writeConfig(t, "")

	farmerID := strings.TrimSpace(mustRun(t, cfg, "farmer", "add", "Kofi", "+233200000000"))
	logID := strings.TrimSpace(mustRun(t, cfg, "log", "add", farmerID, "sprayed maize", "--type", "treatment"))

	list := mustRun(t, cfg, "log", "list", "--farmer", farmerID)
	if !strings.Contains(list, logID) || !strings.Contains(list, "treatment") {
		t.Errorf("log list = %q", list)
	}

	_, err := runCmd(t, context.Background(), cfg, "log", "add", "missing-farmer", "x")
	if apperrors.CodeOf(err) != apperrors.ErrOrphanReference {
		t.Errorf("CodeOf() = %q, want %q", apperrors.CodeOf(err), apperrors.ErrOrphanReference)
	}

	if out := mustRun(t, cfg, "integrity"); !strings.Contains(out, "No orphaned logs") {
		t.Errorf("integrity = %q", out)
	}
}

// =====================================================
// Sync Commands
// =====================================================

// TestSync_notConfigured verifies the error code without a server.
func TestSync_notConfigured(t *testing.T) {
	cfg, _ := writeConfig(t, "")

	_, err := runCmd(t, context.Background(), cfg, "sync")
	if apperrors.CodeOf(err) != apperrors.ErrSyncNotConfigured {
		t.Errorf("CodeOf() = %q, want %q", apperrors.CodeOf(err), apperrors.ErrSyncNotConfigured)
	}
}

// TestSync_pullThenPush verifies one cycle against a fake server.
func TestSync_pullThenPush(t *testing.T) {
	srv := &syncServer{pullBody: `{
		"changes": {"farmers": {"created": [{"id": "srv-1", "name": "Server Farmer", "phone": "+100"}], "updated": [], "deleted": []}},
		"timestamp": 5000
	}`}
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	cfg, _ := writeConfig(t, ts.URL+"/api/")
	localID := strings.TrimSpace(mustRun(t, cfg, "farmer", "add", "Local Farmer", "+200"))

	out := mustRun(t, cfg, "sync")
	if !strings.Contains(out, "Pulled 1") || !strings.Contains(out, "pushed 1") {
		t.Errorf("sync output = %q", out)
	}

	_, pushes := srv.counts()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pushes))
	}
	if pushes[0].LastPulledAt != 5000 {
		t.Errorf("push last_pulled_at = %d, want 5000", pushes[0].LastPulledAt)
	}
	created := pushes[0].Changes["farmers"].Created
	if len(created) != 1 || created[0]["id"] != localID {
		t.Errorf("pushed farmers = %v", created)
	}

	list := mustRun(t, cfg, "farmer", "list")
	if !strings.Contains(list, "Server Farmer") || strings.Contains(list, "true") {
		t.Errorf("after sync, farmer list = %q", list)
	}

	status := mustRun(t, cfg, "status")
	if !strings.Contains(status, "5000") || !strings.Contains(status, "Pending changes:  0") {
		t.Errorf("status = %q", status)
	}
	if out := mustRun(t, cfg, "conflicts"); !strings.Contains(out, "No conflicts") {
		t.Errorf("conflicts = %q", out)
	}
}

// TestDaemon_syncsUntilCancelled verifies the daemon runs a cycle at start
// and stops cleanly when its context ends.
func TestDaemon_syncsUntilCancelled(t *testing.T) {
	srv := &syncServer{}
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	cfg, _ := writeConfig(t, ts.URL+"/api/")
	mustRun(t, cfg, "farmer", "add", "Daemon Farmer", "+300")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := runCmd(t, ctx, cfg, "daemon"); err != nil {
		t.Fatalf("daemon: %v", err)
	}

	pulls, pushes := srv.counts()
	if pulls < 1 || len(pushes) != 1 {
		t.Errorf("pulls = %d, pushes = %d, want >=1 and 1", pulls, len(pushes))
	}
}

// =====================================================
// Secrets Commands
// =====================================================

// TestSecrets_roundTripAndBootstrap verifies encrypt/decrypt and that a
// missing plaintext env file is restored at startup.
func TestSecrets_roundTripAndBootstrap(t *testing.T) {
	t.Setenv(testPasswordEnv, "correct horse")
	cfg, dir := writeConfig(t, "")
	envPath := filepath.Join(dir, ".env")
	plain := "FIELD_SENSOR_KEY=s3cret\n"
	if err := os.WriteFile(envPath, []byte(plain), 0600); err != nil {
		t.Fatal(err)
	}

	mustRun(t, cfg, "secrets", "encrypt")
	if err := os.Remove(envPath); err != nil {
		t.Fatal(err)
	}

	mustRun(t, cfg, "status")
	got, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatalf("env file not restored at startup: %v", err)
	}
	if string(got) != plain {
		t.Errorf("restored env = %q, want %q", got, plain)
	}

	out := filepath.Join(dir, "copy.env")
	mustRun(t, cfg, "secrets", "decrypt", filepath.Join(dir, ".env.enc"), out)
	if got, _ := os.ReadFile(out); string(got) != plain {
		t.Errorf("decrypted copy = %q", got)
	}
}

// TestSecrets_wrongPassword verifies decryption fails closed.
func TestSecrets_wrongPassword(t *testing.T) {
	t.Setenv(testPasswordEnv, "right")
	cfg, dir := writeConfig(t, "")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("A=1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	mustRun(t, cfg, "secrets", "encrypt")

	t.Setenv(testPasswordEnv, "wrong")
	out := filepath.Join(dir, "out.env")
	_, err := runCmd(t, context.Background(), cfg, "secrets", "decrypt", filepath.Join(dir, ".env.enc"), out)
	if apperrors.CodeOf(err) != apperrors.ErrDecryptionFailed {
		t.Errorf("CodeOf() = %q, want %q", apperrors.CodeOf(err), apperrors.ErrDecryptionFailed)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("output written despite failed decryption")
	}

	// Startup refuses to continue on an undecryptable secret file.
	os.Remove(filepath.Join(dir, ".env"))
	if _, err := runCmd(t, context.Background(), cfg, "status"); apperrors.CodeOf(err) != apperrors.ErrDecryptionFailed {
		t.Errorf("startup CodeOf() = %q, want %q", apperrors.CodeOf(err), apperrors.ErrDecryptionFailed)
	}
}

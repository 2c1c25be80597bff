package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatd/pkg/types"
)

// artifactServer serves model files under /resolve/main/ like a real
// artifact repository.
func artifactServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		body, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
}

func testManifest(t *testing.T, shards ...string) string {
	t.Helper()
	m := types.ParamsManifest{}
	for _, s := range shards {
		m.Records = append(m.Records, types.ParamsRecord{DataPath: s})
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return string(b)
}

func newTestProvisioner(t *testing.T, srv *httptest.Server, dir string) *Provisioner {
	t.Helper()
	p := NewProvisioner(ProvisionerConfig{
		Model: types.ModelConfig{
			ModelID:        "m1",
			ModelLib:       "lib1",
			TokenizerFiles: []string{"tokenizer.json", "tokenizer_config.json"},
		},
		ModelURL:  srv.URL,
		Dir:       dir,
		Client:    srv.Client(),
		Logger:    zerolog.Nop(),
		Publisher: NewMemoryPublisher(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	return p
}

func waitState(t *testing.T, p *Provisioner, want State) {
	t.Helper()
	waitFor(t, 3*time.Second, func() bool { return p.Snapshot().State == want })
}

func TestProvisionerFullPass(t *testing.T) {
	// Catalog lists m1 with 2 tokenizer files and a manifest of 3 shard
	// files, all absent locally.
	files := map[string]string{
		ParamsManifestFilename:  testManifest(t, "params_shard_0.bin", "params_shard_1.bin", "params_shard_2.bin"),
		"tokenizer.json":        "tok",
		"tokenizer_config.json": "tokcfg",
		"params_shard_0.bin":    "s0",
		"params_shard_1.bin":    "s1",
		"params_shard_2.bin":    "s2",
	}
	srv := artifactServer(t, files)
	defer srv.Close()

	dir := t.TempDir()
	p := newTestProvisioner(t, srv, dir)

	waitState(t, p, StatePaused)
	if s := p.Snapshot(); s.Progress != 0 || s.Total != 5 {
		t.Fatalf("expected progress (0, 5), got (%d, %d)", s.Progress, s.Total)
	}
	if p.Ready() {
		t.Fatalf("not ready before download")
	}

	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, p, StateFinished)
	if s := p.Snapshot(); s.Progress != 5 || s.Total != 5 {
		t.Fatalf("expected progress (5, 5), got (%d, %d)", s.Progress, s.Total)
	}
	if !p.Ready() {
		t.Fatalf("expected ready after download")
	}
	for name := range files {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestProvisionerIndexingIdempotent(t *testing.T) {
	files := map[string]string{
		ParamsManifestFilename: testManifest(t, "shard.bin"),
	}
	srv := artifactServer(t, files)
	defer srv.Close()

	dir := t.TempDir()
	// One tokenizer file already present on disk.
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("tok"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p1 := newTestProvisioner(t, srv, dir)
	waitState(t, p1, StatePaused)
	s1 := p1.Snapshot()

	// A fresh pass over the same directory indexes to the same pair.
	p2 := newTestProvisioner(t, srv, dir)
	waitState(t, p2, StatePaused)
	s2 := p2.Snapshot()

	if s1.Progress != s2.Progress || s1.Total != s2.Total {
		t.Fatalf("indexing not idempotent: (%d,%d) vs (%d,%d)", s1.Progress, s1.Total, s2.Progress, s2.Total)
	}
	if s1.Progress != 1 || s1.Total != 3 {
		t.Fatalf("expected (1, 3), got (%d, %d)", s1.Progress, s1.Total)
	}
}

func TestProvisionerAlreadyComplete(t *testing.T) {
	srv := artifactServer(t, map[string]string{})
	defer srv.Close()

	dir := t.TempDir()
	manifest := testManifest(t, "shard.bin")
	if err := os.WriteFile(filepath.Join(dir, ParamsManifestFilename), []byte(manifest), 0o644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	for _, name := range []string{"tokenizer.json", "tokenizer_config.json", "shard.bin"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	p := newTestProvisioner(t, srv, dir)
	waitState(t, p, StateFinished)
	if s := p.Snapshot(); s.Progress != 3 || s.Total != 3 {
		t.Fatalf("expected (3, 3), got (%d, %d)", s.Progress, s.Total)
	}
}

func TestProvisionerInvalidStart(t *testing.T) {
	srv := artifactServer(t, map[string]string{
		ParamsManifestFilename: testManifest(t),
	})
	defer srv.Close()

	dir := t.TempDir()
	p := newTestProvisioner(t, srv, dir)
	waitState(t, p, StatePaused)
	if err := p.Start(); err != nil {
		t.Fatalf("start from paused: %v", err)
	}
	// Second start is rejected: Downloading has no start edge.
	if err := p.Start(); err == nil {
		t.Fatalf("expected invalid transition error")
	}
}

func TestProvisionerRestartRetriesFailedDownload(t *testing.T) {
	var attempts int64
	manifest := testManifest(t, "shard.bin")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		if name == ParamsManifestFilename {
			w.Write([]byte(manifest))
			return
		}
		if atomic.AddInt64(&attempts, 1) == 1 {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := NewProvisioner(ProvisionerConfig{
		Model:     types.ModelConfig{ModelID: "m1"},
		ModelURL:  srv.URL,
		Dir:       dir,
		Client:    srv.Client(),
		Logger:    zerolog.Nop(),
		Publisher: NewMemoryPublisher(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitState(t, p, StatePaused)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The failed shard leaves the pass incomplete but does not retry on
	// its own.
	waitFor(t, 3*time.Second, func() bool {
		pending, inflight := p.sched.Counts()
		return atomic.LoadInt64(&attempts) == 1 && pending == 1 && inflight == 0
	})
	if got := p.Snapshot().State; got != StateDownloading {
		t.Fatalf("expected downloading after failure, got %s", got)
	}
	if got := atomic.LoadInt64(&attempts); got != 1 {
		t.Fatalf("expected 1 attempt before restart, got %d", got)
	}

	// Pausing and starting again retries the failed shard.
	if err := p.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitState(t, p, StatePaused)
	if err := p.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitState(t, p, StateFinished)
	if s := p.Snapshot(); s.Progress != 1 || s.Total != 1 {
		t.Fatalf("expected (1, 1), got (%d, %d)", s.Progress, s.Total)
	}
	if _, err := os.Stat(filepath.Join(dir, "shard.bin")); err != nil {
		t.Fatalf("missing shard after retry: %v", err)
	}
}

func TestProvisionerPauseDrains(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	manifest := testManifest(t, "s0.bin", "s1.bin", "s2.bin", "s3.bin")
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		if name == ParamsManifestFilename {
			w.Write([]byte(manifest))
			return
		}
		<-release
		w.Write([]byte("x"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	p := NewProvisioner(ProvisionerConfig{
		Model:     types.ModelConfig{ModelID: "m1"},
		ModelURL:  srv.URL,
		Dir:       dir,
		Client:    srv.Client(),
		Logger:    zerolog.Nop(),
		Publisher: NewMemoryPublisher(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitState(t, p, StatePaused)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		_, inflight := p.sched.Counts()
		return inflight == DefaultMaxConcurrent
	})

	if err := p.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := p.Snapshot().State; got != StatePausing {
		t.Fatalf("expected pausing, got %s", got)
	}
	close(release)

	// In-flight tasks finish, no new ones start, then state settles.
	waitState(t, p, StatePaused)
	if s := p.Snapshot(); s.Progress != DefaultMaxConcurrent {
		t.Fatalf("expected %d completed, got %d", DefaultMaxConcurrent, s.Progress)
	}
	if pending, inflight := p.sched.Counts(); pending != 1 || inflight != 0 {
		t.Fatalf("expected pending=1 inflight=0, got %d/%d", pending, inflight)
	}

	// Resume and drain the remainder.
	if err := p.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitState(t, p, StateFinished)
	if s := p.Snapshot(); s.Progress != 4 || s.Total != 4 {
		t.Fatalf("expected (4, 4), got (%d, %d)", s.Progress, s.Total)
	}
}

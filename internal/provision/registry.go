package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"chatd/internal/common/fsutil"
	"chatd/pkg/types"
)

// CatalogFilename is the app catalog file name inside the app
// directory; a file there overrides the bundled default.
const CatalogFilename = "mlc-app-config.json"

// RegistryConfig collects the dependencies of the model registry.
type RegistryConfig struct {
	AppDir       string
	CatalogPath  string // optional explicit catalog path
	MaxDownloads int
	Client       *http.Client
	Logger       zerolog.Logger
	Publisher    EventPublisher
}

// Registry loads the declared model catalog, constructs one provisioner
// per entry and republishes the whole snapshot on every change. Models
// without a local config cache become visible only after their remote
// configuration has been fetched and persisted.
type Registry struct {
	appDir       string
	catalogPath  string
	maxDownloads int
	client       *http.Client
	log          zerolog.Logger
	pub          EventPublisher

	// refreshMu serializes discovery passes end to end: Load and every
	// config-fetch completion funnel through it, so two passes can never
	// race the same provisioner registration.
	refreshMu sync.Mutex

	mu       sync.RWMutex
	catalog  types.AppCatalog
	list     []*Provisioner
	byID     map[string]*Provisioner
	cancels  map[string]context.CancelFunc
	fetching map[string]struct{}
	changed  chan struct{}
}

// NewRegistry builds an empty registry; call Load to populate it.
func NewRegistry(rc RegistryConfig) *Registry {
	if rc.Client == nil {
		rc.Client = http.DefaultClient
	}
	if rc.Publisher == nil {
		rc.Publisher = noopPublisher{}
	}
	return &Registry{
		appDir:       rc.AppDir,
		catalogPath:  rc.CatalogPath,
		maxDownloads: rc.MaxDownloads,
		client:       rc.Client,
		log:          rc.Logger,
		pub:          rc.Publisher,
		byID:         make(map[string]*Provisioner),
		cancels:      make(map[string]context.CancelFunc),
		fetching:     make(map[string]struct{}),
		changed:      make(chan struct{}, 1),
	}
}

// Load reads the catalog and runs the first discovery pass. Missing or
// malformed catalog files degrade to an empty catalog, never an error.
func (r *Registry) Load(ctx context.Context) {
	catalog := types.AppCatalog{}
	b, err := r.readCatalog()
	if err != nil {
		r.log.Warn().Err(err).Msg("no catalog available, starting empty")
	} else if err := json.Unmarshal(b, &catalog); err != nil {
		r.log.Warn().Err(err).Msg("malformed catalog, starting empty")
		catalog = types.AppCatalog{}
	}
	r.mu.Lock()
	r.catalog = catalog
	r.mu.Unlock()
	r.pub.Publish(LifecycleEvent{Name: EvCatalogLoaded, Fields: map[string]any{"models": len(catalog.ModelList)}})
	r.refresh(ctx)
}

// readCatalog prefers an explicit path, then the app-dir override, then
// the bundled default.
func (r *Registry) readCatalog() ([]byte, error) {
	if r.catalogPath != "" {
		return os.ReadFile(r.catalogPath)
	}
	override := filepath.Join(r.appDir, CatalogFilename)
	if fsutil.PathExists(override) {
		return os.ReadFile(override)
	}
	return defaultCatalog, nil
}

// refresh rebuilds the published snapshot from the catalog and local
// config caches. For entries without a cached model config, the config
// is fetched in the background and refresh re-runs once it lands.
// Passes are serialized by refreshMu.
func (r *Registry) refresh(ctx context.Context) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.Lock()
	catalog := r.catalog
	r.mu.Unlock()

	list := make([]*Provisioner, 0, len(catalog.ModelList))
	seen := make(map[string]bool, len(catalog.ModelList))
	for _, rec := range catalog.ModelList {
		dir := filepath.Join(r.appDir, rec.ModelID)
		cfgPath := filepath.Join(dir, ModelConfigFilename)
		if !fsutil.PathExists(cfgPath) {
			r.spawnConfigFetch(ctx, rec)
			continue
		}
		cfg, err := r.loadModelConfig(cfgPath, rec)
		if err != nil {
			r.log.Warn().Err(err).Str("model", rec.ModelID).Msg("unreadable model config, skipping")
			continue
		}
		seen[rec.ModelID] = true

		r.mu.Lock()
		p, ok := r.byID[rec.ModelID]
		r.mu.Unlock()
		if !ok {
			p = NewProvisioner(ProvisionerConfig{
				Model:        cfg,
				ModelURL:     rec.ModelURL,
				Dir:          dir,
				MaxDownloads: r.maxDownloads,
				Client:       r.client,
				Logger:       r.log,
				Publisher:    r.pub,
			})
			runCtx, cancel := context.WithCancel(ctx)
			r.mu.Lock()
			r.byID[rec.ModelID] = p
			r.cancels[rec.ModelID] = cancel
			r.mu.Unlock()
			go p.Run(runCtx)
		}
		list = append(list, p)
	}

	r.mu.Lock()
	// Drop provisioners for models no longer in the catalog.
	for id, cancel := range r.cancels {
		if !seen[id] {
			cancel()
			delete(r.cancels, id)
			delete(r.byID, id)
		}
	}
	r.list = list
	r.mu.Unlock()

	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// loadModelConfig reads a cached model config and merges the catalog
// identity fields into it so the two can never drift apart.
func (r *Registry) loadModelConfig(path string, rec types.ModelRecord) (types.ModelConfig, error) {
	var cfg types.ModelConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ModelID = rec.ModelID
	cfg.ModelLib = rec.ModelLib
	cfg.EstimatedVRAMBytes = rec.EstimatedVRAMBytes
	return cfg, nil
}

// spawnConfigFetch starts a background config download unless one is
// already in flight for the model.
func (r *Registry) spawnConfigFetch(ctx context.Context, rec types.ModelRecord) {
	r.mu.Lock()
	_, inflight := r.fetching[rec.ModelID]
	if !inflight {
		r.fetching[rec.ModelID] = struct{}{}
	}
	r.mu.Unlock()
	if inflight {
		return
	}
	go r.fetchModelConfig(ctx, rec)
}

// fetchModelConfig downloads a model's remote configuration, persists
// it atomically and re-runs discovery so the model becomes visible.
func (r *Registry) fetchModelConfig(ctx context.Context, rec types.ModelRecord) {
	defer func() {
		r.mu.Lock()
		delete(r.fetching, rec.ModelID)
		r.mu.Unlock()
	}()

	url := rec.ModelURL
	if url != "" && url[len(url)-1] != '/' {
		url += "/"
	}
	url += modelURLSuffix + ModelConfigFilename

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.log.Error().Err(err).Str("model", rec.ModelID).Msg("fetch model config failed")
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Error().Err(err).Str("model", rec.ModelID).Msg("fetch model config failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.log.Error().Int("status", resp.StatusCode).Str("model", rec.ModelID).Msg("fetch model config failed")
		return
	}
	var cfg types.ModelConfig
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&cfg); err != nil {
		r.log.Error().Err(err).Str("model", rec.ModelID).Msg("parse model config failed")
		return
	}
	cfg.ModelID = rec.ModelID
	cfg.ModelLib = rec.ModelLib
	cfg.EstimatedVRAMBytes = rec.EstimatedVRAMBytes

	b, err := json.Marshal(cfg)
	if err != nil {
		r.log.Error().Err(err).Str("model", rec.ModelID).Msg("encode model config failed")
		return
	}
	path := filepath.Join(r.appDir, rec.ModelID, ModelConfigFilename)
	if err := fsutil.WriteFileAtomic(path, b, 0o644); err != nil {
		r.log.Error().Err(err).Str("model", rec.ModelID).Msg("persist model config failed")
		return
	}
	r.pub.Publish(LifecycleEvent{Name: EvConfigFetched, ModelID: rec.ModelID})
	r.refresh(ctx)
}

// Snapshot returns the current (descriptor, provisioner) list. The
// slice is replaced wholesale on every change, never patched.
func (r *Registry) Snapshot() []*Provisioner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provisioner, len(r.list))
	copy(out, r.list)
	return out
}

// Get returns the provisioner for a model id.
func (r *Registry) Get(id string) (*Provisioner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// Changed signals snapshot replacements; at most one notification is
// buffered.
func (r *Registry) Changed() <-chan struct{} { return r.changed }

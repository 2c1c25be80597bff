package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"chatd/internal/common/fsutil"
	"chatd/pkg/types"
)

// File names inside a model directory and the path suffix under which
// artifact repositories expose raw files.
const (
	ModelConfigFilename    = "mlc-chat-config.json"
	ParamsManifestFilename = "tensor-cache.json"
	modelURLSuffix         = "resolve/main/"
)

// ErrStopped is returned by Start/Pause after the provisioner's run
// loop has exited.
var ErrStopped = errors.New("provisioner stopped")

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdTaskDone
)

type command struct {
	kind  cmdKind
	task  Task
	err   error
	reply chan error
}

// Snapshot is a read-only projection of one provisioner's state.
type Snapshot struct {
	State    State
	Progress int
	Total    int
}

// ProvisionerConfig collects the dependencies of one provisioner.
type ProvisionerConfig struct {
	Model        types.ModelConfig
	ModelURL     string
	Dir          string
	MaxDownloads int
	Client       *http.Client
	Logger       zerolog.Logger
	Publisher    EventPublisher
}

// Provisioner owns the provisioning state machine for a single model:
// it discovers required files, computes the missing set, delegates
// downloads to its scheduler and exposes observable progress.
//
// All state mutation happens on the run loop goroutine; Start, Pause
// and scheduler completions are delivered as commands, so transitions
// and set mutations are linearized without ad-hoc locking. The mutex
// only guards the snapshot fields read by other goroutines.
type Provisioner struct {
	config   types.ModelConfig
	modelURL string
	dir      string
	client   *http.Client
	log      zerolog.Logger
	pub      EventPublisher
	sched    *Scheduler

	cmds chan command
	done chan struct{}

	mu       sync.RWMutex
	state    State
	progress int
	total    int
	manifest types.ParamsManifest
}

// NewProvisioner builds a provisioner in StateInitializing. Call Run to
// drive it.
func NewProvisioner(pc ProvisionerConfig) *Provisioner {
	if pc.Client == nil {
		pc.Client = http.DefaultClient
	}
	if pc.Publisher == nil {
		pc.Publisher = noopPublisher{}
	}
	url := pc.ModelURL
	if url != "" && url[len(url)-1] != '/' {
		url += "/"
	}
	p := &Provisioner{
		config:   pc.Model,
		modelURL: url,
		dir:      pc.Dir,
		client:   pc.Client,
		log:      pc.Logger.With().Str("model", pc.Model.ModelID).Logger(),
		pub:      pc.Publisher,
		cmds:     make(chan command, 16),
		done:     make(chan struct{}),
		state:    StateInitializing,
		total:    1,
	}
	p.sched = NewScheduler(pc.MaxDownloads, pc.Client, p.log, p.taskDone)
	return p
}

// ModelID returns the model's stable identifier.
func (p *Provisioner) ModelID() string { return p.config.ModelID }

// Config returns the merged model configuration.
func (p *Provisioner) Config() types.ModelConfig { return p.config }

// Dir returns the model's artifact directory.
func (p *Provisioner) Dir() string { return p.dir }

// Ready reports whether every declared file exists locally.
func (p *Provisioner) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateFinished
}

// Snapshot returns the current state and progress pair.
func (p *Provisioner) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{State: p.state, Progress: p.progress, Total: p.total}
}

// Status projects the provisioner into its API representation.
func (p *Provisioner) Status() types.ModelStatus {
	s := p.Snapshot()
	return types.ModelStatus{
		ModelID:            p.config.ModelID,
		ModelLib:           p.config.ModelLib,
		EstimatedVRAMBytes: p.config.EstimatedVRAMBytes,
		State:              string(s.State),
		Progress:           s.Progress,
		Total:              s.Total,
		Ready:              s.State == StateFinished,
	}
}

// Start requests the download phase. Valid only from StatePaused.
func (p *Provisioner) Start() error { return p.send(command{kind: cmdStart}) }

// Pause requests a cooperative drain: in-flight downloads finish, no
// new ones start. Valid only from StateDownloading.
func (p *Provisioner) Pause() error { return p.send(command{kind: cmdPause}) }

func (p *Provisioner) send(c command) error {
	c.reply = make(chan error, 1)
	select {
	case p.cmds <- c:
	case <-p.done:
		return ErrStopped
	}
	select {
	case err := <-c.reply:
		return err
	case <-p.done:
		return ErrStopped
	}
}

// taskDone is the scheduler's completion callback; it reports into the
// run loop so bookkeeping stays single-writer.
func (p *Provisioner) taskDone(t Task, err error) {
	select {
	case p.cmds <- command{kind: cmdTaskDone, task: t, err: err}:
	case <-p.done:
	}
}

// Run drives the state machine until ctx is canceled. A fresh
// provisioning pass (process restart) re-enters at StateInitializing.
func (p *Provisioner) Run(ctx context.Context) {
	defer close(p.done)
	p.initialize(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.cmds:
			p.handle(ctx, c)
		}
	}
}

func (p *Provisioner) handle(ctx context.Context, c command) {
	var err error
	switch c.kind {
	case cmdStart:
		if err = p.transition(EventStart); err == nil {
			p.sched.Resume(ctx)
		}
	case cmdPause:
		if err = p.transition(EventPause); err == nil {
			p.sched.Pause()
			if _, inflight := p.sched.Counts(); inflight == 0 {
				err = p.transition(EventDrained)
			}
		}
	case cmdTaskDone:
		p.finishTask(c.task, c.err)
	}
	if c.reply != nil {
		c.reply <- err
	}
}

func (p *Provisioner) finishTask(t Task, taskErr error) {
	if taskErr != nil {
		p.pub.Publish(LifecycleEvent{Name: EvDownloadFailed, ModelID: p.config.ModelID, Fields: map[string]any{"url": t.URL, "error": taskErr.Error()}})
	} else {
		p.mu.Lock()
		p.progress++
		p.mu.Unlock()
	}

	switch p.Snapshot().State {
	case StateDownloading:
		if p.sched.Drained() {
			_ = p.transition(EventDownloadsDone)
		}
	case StatePausing:
		if _, inflight := p.sched.Counts(); inflight == 0 {
			_ = p.transition(EventDrained)
		}
	}
}

// initialize loads or fetches the params manifest and runs the first
// indexing pass. On fetch failure the provisioner stays in
// StateInitializing; the failure is logged, not fatal.
func (p *Provisioner) initialize(ctx context.Context) {
	manifestPath := filepath.Join(p.dir, ParamsManifestFilename)
	if !fsutil.PathExists(manifestPath) {
		if err := p.fetchToFile(ctx, p.fileURL(ParamsManifestFilename), manifestPath); err != nil {
			p.log.Error().Err(err).Msg("fetch params manifest failed")
			return
		}
	}
	if err := p.loadManifest(manifestPath); err != nil {
		p.log.Error().Err(err).Msg("load params manifest failed")
		return
	}
	if err := p.transition(EventManifestReady); err != nil {
		return
	}
	p.index()
}

func (p *Provisioner) loadManifest(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m types.ParamsManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("parse %s: %w", ParamsManifestFilename, err)
	}
	p.mu.Lock()
	p.manifest = m
	p.mu.Unlock()
	return nil
}

// index recomputes Progress from scratch by checking the existence of
// every tokenizer file and every manifest-declared shard, and submits
// the missing set as download tasks. Re-running it without downloading
// yields an identical pair.
func (p *Provisioner) index() {
	var missing []Task
	progress := 0
	total := len(p.config.TokenizerFiles) + len(p.manifest.Records)

	check := func(name string) {
		path := filepath.Join(p.dir, name)
		if fsutil.PathExists(path) {
			progress++
			return
		}
		missing = append(missing, Task{URL: p.fileURL(name), Path: path})
	}
	for _, name := range p.config.TokenizerFiles {
		check(name)
	}
	for _, rec := range p.manifest.Records {
		check(rec.DataPath)
	}

	p.mu.Lock()
	p.progress = progress
	p.total = total
	p.mu.Unlock()

	for _, t := range missing {
		p.sched.Submit(t)
	}
	if len(missing) == 0 {
		_ = p.transition(EventIndexedComplete)
	} else {
		_ = p.transition(EventIndexedMissing)
	}
}

func (p *Provisioner) fileURL(name string) string {
	return p.modelURL + modelURLSuffix + name
}

// transition applies e and publishes the state change. Invalid edges
// are rejected and leave the state untouched.
func (p *Provisioner) transition(e Event) error {
	p.mu.Lock()
	from := p.state
	next, err := Next(from, e)
	if err == nil {
		p.state = next
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.log.Debug().Str("from", string(from)).Str("to", string(next)).Msg("provisioning state change")
	p.pub.Publish(LifecycleEvent{Name: EvStateChange, ModelID: p.config.ModelID, Fields: map[string]any{"from": string(from), "to": string(next)}})
	return nil
}

// fetchToFile streams url into a temp file in the destination directory
// and renames it into place.
func (p *Provisioner) fetchToFile(ctx context.Context, url, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

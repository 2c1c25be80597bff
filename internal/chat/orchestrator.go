package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/provision"
	"chatd/pkg/types"
)

const (
	defaultHistoryLimit  = 10
	defaultMaxTokens     = 8192
	defaultFlushInterval = 200 * time.Millisecond
)

// Publisher receives canonical message state for UI-facing observers.
// Publish must be non-blocking and must not panic; a slow observer may
// miss intermediate snapshots but never reorders them.
type Publisher interface {
	Publish(Message)
}

type noopMsgPublisher struct{}

func (noopMsgPublisher) Publish(Message) {}

// OrchestratorConfig collects the orchestrator's collaborators.
type OrchestratorConfig struct {
	Engine        Engine
	Registry      *provision.Registry
	Store         MessageStore
	Remote        *RemoteClient
	Logger        zerolog.Logger
	Publisher     Publisher
	HistoryLimit  int
	MaxTokens     int
	Temperature   float64
	FlushInterval time.Duration
}

// Orchestrator owns the active model selection, the serialized turn
// history and the per-turn streaming pipeline. One mutex guards the
// active model and history; the engine is additionally serialized
// through a single-slot semaphore because the native runtime cannot
// process two concurrent requests.
type Orchestrator struct {
	engine        Engine
	registry      *provision.Registry
	store         MessageStore
	remote        *RemoteClient
	log           zerolog.Logger
	pub           Publisher
	historyLimit  int
	maxTokens     int
	temperature   float64
	flushInterval time.Duration

	engineSem chan struct{}

	mu          sync.Mutex
	activeModel string
	history     []types.ChatMessage
	// epoch increments whenever the history is reset (model switch,
	// deactivation, clear). A stream that started under an older epoch
	// must not append its resolved turn to the new history.
	epoch int
}

// NewOrchestrator applies defaults and returns an orchestrator with no
// active model.
func NewOrchestrator(oc OrchestratorConfig) *Orchestrator {
	if oc.Store == nil {
		oc.Store = NewMemoryStore()
	}
	if oc.Publisher == nil {
		oc.Publisher = noopMsgPublisher{}
	}
	if oc.HistoryLimit <= 0 {
		oc.HistoryLimit = defaultHistoryLimit
	}
	if oc.MaxTokens <= 0 {
		oc.MaxTokens = defaultMaxTokens
	}
	if oc.FlushInterval <= 0 {
		oc.FlushInterval = defaultFlushInterval
	}
	return &Orchestrator{
		engine:        oc.Engine,
		registry:      oc.Registry,
		store:         oc.Store,
		remote:        oc.Remote,
		log:           oc.Logger,
		pub:           oc.Publisher,
		historyLimit:  oc.HistoryLimit,
		maxTokens:     oc.MaxTokens,
		temperature:   oc.Temperature,
		flushInterval: oc.FlushInterval,
		engineSem:     make(chan struct{}, 1),
	}
}

// ActiveModel returns the currently loaded model id, empty when none.
func (o *Orchestrator) ActiveModel() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeModel
}

// HasRemote reports whether a remote endpoint is configured.
func (o *Orchestrator) HasRemote() bool { return o.remote != nil }

// HistoryLen returns the number of turns retained for inference context.
func (o *Orchestrator) HistoryLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history)
}

// ActivateModel switches the engine to the given model. The target's
// provisioner must report ready. The previous session is torn down
// before the new one loads: the engine cannot hold two models, so the
// unload-reload-reset ordering is mandatory. The engine slot is held
// across the whole switch so it can never interleave with an in-flight
// generation, and the turn history is cleared on a successful switch.
func (o *Orchestrator) ActivateModel(id string) error {
	if o.engine == nil {
		return ErrEngineUnavailable("no engine configured")
	}
	// Wait for any in-flight generation before touching the engine.
	o.engineSem <- struct{}{}
	defer func() { <-o.engineSem }()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeModel == id {
		return nil
	}
	p, ok := o.registry.Get(id)
	if !ok {
		return ErrModelNotFound(id)
	}
	if !p.Ready() {
		return ErrModelNotReady(id)
	}

	// Any engine failure leaves no usable partial state behind.
	o.activeModel = ""
	if err := o.engine.Unload(); err != nil {
		return err
	}
	if err := o.engine.Reload(p.Dir(), p.Config().ModelLib); err != nil {
		return err
	}
	if err := o.engine.Reset(); err != nil {
		_ = o.engine.Unload()
		return err
	}
	o.activeModel = id
	o.history = nil
	o.epoch++
	o.log.Info().Str("model", id).Msg("model activated")
	return nil
}

// DeactivateModel unloads the engine and clears the selection. Like
// ActivateModel it holds the engine slot for the duration, so an
// in-flight generation always finishes before the unload.
func (o *Orchestrator) DeactivateModel() error {
	o.engineSem <- struct{}{}
	defer func() { <-o.engineSem }()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeModel == "" {
		return nil
	}
	o.activeModel = ""
	o.history = nil
	o.epoch++
	return o.engine.Unload()
}

// Messages returns the persisted log, oldest first.
func (o *Orchestrator) Messages() ([]Message, error) { return o.store.QueryAll() }

// ClearMessages wipes the persisted log and the inference context.
func (o *Orchestrator) ClearMessages() error {
	o.mu.Lock()
	o.history = nil
	o.epoch++
	o.mu.Unlock()
	return o.store.ClearAll()
}

// Send appends a user turn and a pending assistant placeholder, then
// streams the reply from the active local model or the remote endpoint,
// writing NDJSON delta lines to w. Generation failures are surfaced on
// the assistant message, never as a Send error; only pre-stream
// conditions (no backend, store failure) fail the call itself.
func (o *Orchestrator) Send(ctx context.Context, content string, w io.Writer, flush func()) error {
	o.mu.Lock()
	local := o.activeModel != ""
	if !local && o.remote == nil {
		o.mu.Unlock()
		return ErrNoBackend()
	}
	user := NewMessage(RoleUser, content, StatusComplete)
	asst := NewMessage(RoleAssistant, "", StatusPending)
	if err := o.store.Insert(user); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("persist user message: %w", err)
	}
	if err := o.store.Insert(asst); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("persist assistant placeholder: %w", err)
	}
	o.pub.Publish(user)
	o.pub.Publish(asst)

	// The user turn joins the history in send order, while the lock is
	// still held; waiting for the engine slot must not reorder turns.
	var request []types.ChatMessage
	var epoch int
	if local {
		o.history = append(o.history, user.Turn())
		request = make([]types.ChatMessage, len(o.history))
		copy(request, o.history)
		epoch = o.epoch
	}
	o.mu.Unlock()

	if local {
		return o.streamLocal(ctx, request, epoch, asst, w, flush)
	}
	return o.streamRemote(ctx, asst, w, flush)
}

// streamLocal generates on the engine's dedicated slot against the
// request snapshot taken at send time. The assistant turn joins the
// history only with its fully resolved text, and only when the history
// was not reset while the stream was running.
func (o *Orchestrator) streamLocal(ctx context.Context, request []types.ChatMessage, epoch int, asst Message, w io.Writer, flush func()) error {
	select {
	case o.engineSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-o.engineSem }()

	sink := o.newDeltaSink(asst, w, flush)
	final, err := o.engine.StreamCompletion(ctx, request, GenParams{MaxTokens: o.maxTokens, Temperature: o.temperature}, sink.onDelta)
	if err != nil {
		return o.failTurn(asst, sink.text(), fmt.Sprintf("Error: %v", err), w, flush)
	}
	if final == "" {
		final = sink.text()
	}

	asst.Content = final
	asst.Status = StatusComplete
	if err := o.store.Update(asst); err != nil {
		o.log.Warn().Err(err).Msg("final message write failed")
	}
	o.pub.Publish(asst)

	o.mu.Lock()
	if o.epoch == epoch {
		o.history = append(o.history, asst.Turn())
	}
	o.mu.Unlock()

	return writeFinalLine(w, flush, asst)
}

// streamRemote resubmits the most recent persisted turns, oldest first,
// and streams the reply over HTTP.
func (o *Orchestrator) streamRemote(ctx context.Context, asst Message, w io.Writer, flush func()) error {
	recent, err := o.store.QueryRecent(o.historyLimit)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}
	request := make([]types.ChatMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		// Pending placeholders and failed turns carry no usable context.
		if recent[i].Status != StatusComplete {
			continue
		}
		request = append(request, recent[i].Turn())
	}

	sink := o.newDeltaSink(asst, w, flush)
	if err := o.remote.StreamChat(ctx, request, sink.onDelta); err != nil {
		reason := fmt.Sprintf("Fail: %v", err)
		if code, ok := IsHTTPStatus(err); ok {
			reason = fmt.Sprintf("Error: %d", code)
		}
		return o.failTurn(asst, sink.text(), reason, w, flush)
	}

	asst.Content = sink.text()
	asst.Status = StatusComplete
	if err := o.store.Update(asst); err != nil {
		o.log.Warn().Err(err).Msg("final message write failed")
	}
	o.pub.Publish(asst)
	return writeFinalLine(w, flush, asst)
}

// failTurn marks the assistant message failed. Partial content already
// streamed is preserved; the failure reason replaces the content only
// when nothing was produced. The session itself stays alive.
func (o *Orchestrator) failTurn(asst Message, partial, reason string, w io.Writer, flush func()) error {
	o.log.Error().Str("reason", reason).Str("message", asst.ID).Msg("generation failed")
	if partial != "" {
		asst.Content = partial
	} else {
		asst.Content = reason
	}
	asst.Status = StatusFailed
	if err := o.store.Update(asst); err != nil {
		o.log.Warn().Err(err).Msg("failure state write failed")
	}
	o.pub.Publish(asst)
	return writeFinalLine(w, flush, asst)
}

// deltaSink accumulates fragments in publication order, republishes the
// assistant message on every delta, and throttles persisted writes to a
// minimum inter-write interval. The in-memory copy is never throttled.
type deltaSink struct {
	o         *Orchestrator
	asst      Message
	w         io.Writer
	flush     func()
	b         strings.Builder
	lastWrite time.Time
}

func (o *Orchestrator) newDeltaSink(asst Message, w io.Writer, flush func()) *deltaSink {
	return &deltaSink{o: o, asst: asst, w: w, flush: flush}
}

func (s *deltaSink) onDelta(delta string) error {
	s.b.WriteString(delta)
	s.asst.Content = s.b.String()
	s.o.pub.Publish(s.asst)
	if time.Since(s.lastWrite) >= s.o.flushInterval {
		s.lastWrite = time.Now()
		if err := s.o.store.Update(s.asst); err != nil {
			s.o.log.Warn().Err(err).Msg("throttled message write failed")
		}
	}
	return writeDeltaLine(s.w, s.flush, delta)
}

func (s *deltaSink) text() string { return s.b.String() }

// writeDeltaLine emits one NDJSON fragment line.
func writeDeltaLine(w io.Writer, flush func(), delta string) error {
	if w == nil {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"delta": delta})
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// writeFinalLine emits the terminal NDJSON line for a turn.
func writeFinalLine(w io.Writer, flush func(), m Message) error {
	if w == nil {
		return nil
	}
	b, _ := json.Marshal(map[string]any{
		"done":    true,
		"id":      m.ID,
		"content": m.Content,
		"status":  string(m.Status),
	})
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

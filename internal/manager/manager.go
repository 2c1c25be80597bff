// Package manager aggregates the model registry and the chat
// orchestrator behind the surface the HTTP API serves.
package manager

import (
	"context"
	"io"
	"time"

	"chatd/internal/chat"
	"chatd/internal/provision"
	"chatd/pkg/types"
)

type Manager struct {
	registry *provision.Registry
	orch     *chat.Orchestrator
	started  time.Time
}

func New(registry *provision.Registry, orch *chat.Orchestrator) *Manager {
	return &Manager{registry: registry, orch: orch, started: time.Now()}
}

// Models returns the declared models and their provisioning state.
func (m *Manager) Models() []types.ModelStatus {
	provs := m.registry.Snapshot()
	out := make([]types.ModelStatus, 0, len(provs))
	for _, p := range provs {
		out = append(out, p.Status())
	}
	return out
}

// StartDownload begins or resumes the download phase for a model.
func (m *Manager) StartDownload(id string) error {
	p, ok := m.registry.Get(id)
	if !ok {
		return chat.ErrModelNotFound(id)
	}
	return p.Start()
}

// PauseDownload requests a cooperative drain of a model's downloads.
func (m *Manager) PauseDownload(id string) error {
	p, ok := m.registry.Get(id)
	if !ok {
		return chat.ErrModelNotFound(id)
	}
	return p.Pause()
}

// ActivateModel makes a fully provisioned model the inference target.
func (m *Manager) ActivateModel(id string) error { return m.orch.ActivateModel(id) }

// Messages returns the persisted conversation log, oldest first.
func (m *Manager) Messages() ([]chat.Message, error) { return m.orch.Messages() }

// ClearMessages wipes the conversation log and the inference context.
func (m *Manager) ClearMessages() error { return m.orch.ClearMessages() }

// Send runs one chat turn, streaming NDJSON to w.
func (m *Manager) Send(ctx context.Context, content string, w io.Writer, flush func()) error {
	return m.orch.Send(ctx, content, w, flush)
}

// Ready reports whether at least one backend can serve a chat turn: a
// configured remote endpoint or any fully provisioned model.
func (m *Manager) Ready() bool {
	if m.orch.HasRemote() {
		return true
	}
	for _, p := range m.registry.Snapshot() {
		if p.Ready() {
			return true
		}
	}
	return false
}

// Status projects the daemon state for GET /status.
func (m *Manager) Status() types.StatusResponse {
	now := time.Now()
	return types.StatusResponse{
		ActiveModel:    m.orch.ActiveModel(),
		HistoryLen:     m.orch.HistoryLen(),
		Models:         m.Models(),
		UptimeSeconds:  int64(now.Sub(m.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

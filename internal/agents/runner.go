package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// Agent is the lifecycle contract every agent satisfies.
type Agent interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Detailer optionally exposes live agent stats for the status endpoint.
type Detailer interface {
	Detail() map[string]any
}

// Agent states.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateFailed  = "failed"
)

// Status describes one managed agent.
type Status struct {
	Name      string         `json:"name"`
	State     string         `json:"state"`
	StartedAt time.Time      `json:"startedAt"`
	LastError string         `json:"lastError,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type managed struct {
	agent     Agent
	state     string
	startedAt time.Time
	lastErr   error
}

// Runner starts agents in registration order, stops them in reverse, and
// restarts them individually for the management API.
type Runner struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	agents  []*managed
	byName  map[string]*managed
	baseCtx context.Context
}

// NewRunner builds an empty runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: utils.ComponentLogger(logger, "agents"),
		now:    time.Now,
		byName: make(map[string]*managed),
	}
}

// Register adds an agent. Registration order is start order.
func (r *Runner) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &managed{agent: a, state: StateStopped}
	r.agents = append(r.agents, m)
	r.byName[a.Name()] = m
}

// StartAll starts every agent in registration order and fails fast on the
// first start error. ctx becomes the run context for restarts too.
func (r *Runner) StartAll(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	agents := make([]*managed, len(r.agents))
	copy(agents, r.agents)
	r.mu.Unlock()

	for _, m := range agents {
		if err := r.startOne(ctx, m); err != nil {
			return fmt.Errorf("start %s: %w", m.agent.Name(), err)
		}
	}
	return nil
}

// StopAll stops running agents in reverse registration order and reports the
// first error.
func (r *Runner) StopAll(ctx context.Context) error {
	r.mu.Lock()
	agents := make([]*managed, len(r.agents))
	copy(agents, r.agents)
	r.mu.Unlock()

	var firstErr error
	for i := len(agents) - 1; i >= 0; i-- {
		m := agents[i]
		r.mu.Lock()
		running := m.state == StateRunning
		r.mu.Unlock()
		if !running {
			continue
		}
		if err := r.stopOne(ctx, m); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", m.agent.Name(), err)
		}
	}
	return firstErr
}

// Restart stops one agent and starts it again on the runner's base context.
// ctx only bounds the stop; unknown names report ErrNotFound.
func (r *Runner) Restart(ctx context.Context, name string) error {
	r.mu.Lock()
	m, ok := r.byName[name]
	base := r.baseCtx
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", name, utils.ErrNotFound)
	}
	if base == nil {
		base = context.Background()
	}
	if err := r.stopOne(ctx, m); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if err := r.startOne(base, m); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	r.logger.Info("agent restarted", slog.String("agent", name))
	return nil
}

// Statuses reports every managed agent in registration order.
func (r *Runner) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.agents))
	for _, m := range r.agents {
		s := Status{
			Name:      m.agent.Name(),
			State:     m.state,
			StartedAt: m.startedAt,
		}
		if m.lastErr != nil {
			s.LastError = m.lastErr.Error()
		}
		if d, ok := m.agent.(Detailer); ok && m.state == StateRunning {
			s.Detail = d.Detail()
		}
		out = append(out, s)
	}
	return out
}

func (r *Runner) startOne(ctx context.Context, m *managed) error {
	err := m.agent.Start(ctx)
	r.mu.Lock()
	if err != nil {
		m.state = StateFailed
		m.lastErr = err
	} else {
		m.state = StateRunning
		m.startedAt = r.now().UTC()
		m.lastErr = nil
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("agent failed to start", slog.String("agent", m.agent.Name()), slog.Any("error", err))
		return err
	}
	r.logger.Info("agent started", slog.String("agent", m.agent.Name()))
	return nil
}

func (r *Runner) stopOne(ctx context.Context, m *managed) error {
	err := m.agent.Stop(ctx)
	r.mu.Lock()
	m.state = StateStopped
	m.lastErr = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("agent stop reported an error", slog.String("agent", m.agent.Name()), slog.Any("error", err))
		return err
	}
	r.logger.Info("agent stopped", slog.String("agent", m.agent.Name()))
	return nil
}

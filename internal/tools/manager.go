package tools

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/metrics"
	"github.com/michaelbrown/webagent/internal/trace"
)

const (
	defaultMaxParallel    = 4
	defaultConnectTimeout = 30 * time.Second
)

// entry is one slot of the connection pool.
type entry struct {
	status Status
	err    error
	conn   Connection
	defs   []llm.ToolDef
	since  time.Time
}

// Manager keeps the connection pool in agreement with the enabled tools of
// a configuration Store. The pool is only touched inside the store's View
// and Update callbacks, so the store mutex guards both.
type Manager struct {
	store  *agentconfig.Store
	dialer Dialer
	logger *zap.SugaredLogger
	pool   map[string]*entry
	closed bool // set by Close; later passes open nothing
}

// NewManager returns a Manager with an empty pool.
func NewManager(store *agentconfig.Store, dialer Dialer, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		store:  store,
		dialer: dialer,
		logger: logger,
		pool:   make(map[string]*entry),
	}
}

// Store returns the configuration store the manager edits.
func (m *Manager) Store() *agentconfig.Store { return m.store }

// AddTool inserts t into the configuration. No connection is opened.
func (m *Manager) AddTool(t agentconfig.ToolConfig) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	return m.store.Update(func(cfg *agentconfig.Configuration) error {
		if _, ok := cfg.FindTool(t.Name); ok {
			return &DuplicateToolError{Name: t.Name}
		}
		cfg.Tools[t.Name] = t
		return nil
	})
}

// EnableTool marks name to be connected on the next reconcile.
func (m *Manager) EnableTool(name string) error {
	return m.setEnabled(name, true)
}

// DisableTool marks name to be closed on the next reconcile. The descriptor is kept.
func (m *Manager) DisableTool(name string) error {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	return m.store.Update(func(cfg *agentconfig.Configuration) error {
		t, ok := cfg.Tools[name]
		if !ok {
			return &ToolNotFoundError{Name: name}
		}
		t.Enabled = enabled
		cfg.Tools[name] = t
		return nil
	})
}

// RemoveTool deletes a disabled tool whose connection is no longer live.
func (m *Manager) RemoveTool(name string) error {
	return m.store.Update(func(cfg *agentconfig.Configuration) error {
		t, ok := cfg.Tools[name]
		if !ok {
			return &ToolNotFoundError{Name: name}
		}
		if t.Enabled {
			return &ToolInUseError{Name: name, Reason: "tool is enabled, disable it first"}
		}
		if e := m.pool[name]; e != nil && (e.status == StatusConnected || e.status == StatusPending) {
			return &ToolInUseError{Name: name, Reason: "connection is still " + string(e.status) + ", reconcile first"}
		}
		delete(cfg.Tools, name)
		delete(m.pool, name)
		return nil
	})
}

// List returns the configured tools in name order.
func (m *Manager) List() []agentconfig.ToolConfig {
	var out []agentconfig.ToolConfig
	m.store.View(func(cfg *agentconfig.Configuration) {
		for _, name := range cfg.ToolNames() {
			out = append(out, cfg.Tools[name])
		}
	})
	return out
}

type openTask struct {
	name  string
	desc  agentconfig.ConnectionDescriptor
	entry *entry
}

type openResult struct {
	conn Connection
	err  error
}

// Reconcile opens connections for enabled tools that are not connected and
// closes connections of tools that are no longer enabled. The plan and the
// merge run under the store lock; dialing and closing do not. A tool that
// fails to open is reported as failed and does not stop the others.
//
// If ctx ends mid-pass, dials in flight are cancelled, connections opened by
// this pass are closed and their tools reported failed; the returned error
// is the context error.
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	ctx, span := trace.Tracer().Start(ctx, "reconcile")
	defer span.End()
	start := time.Now()

	report := make(Report)
	var (
		opens   []openTask
		closes  []Connection
		limit   int
		timeout time.Duration
		shut    bool
	)

	// Plan.
	m.store.View(func(cfg *agentconfig.Configuration) {
		if m.closed {
			shut = true
			return
		}
		limit = cfg.IntSetting(agentconfig.SettingMaxParallel, defaultMaxParallel)
		timeout = cfg.DurationSetting(agentconfig.SettingConnectTimeout, defaultConnectTimeout)
		now := time.Now()

		for _, name := range cfg.ToolNames() {
			t := cfg.Tools[name]
			e := m.pool[name]
			switch {
			case t.Enabled && e != nil && (e.status == StatusConnected || e.status == StatusPending):
				report[name] = Outcome{Kind: OutcomeUnchanged}
			case t.Enabled:
				pending := &entry{status: StatusPending, since: now}
				m.pool[name] = pending
				opens = append(opens, openTask{name: name, desc: t.Connection, entry: pending})
			case e != nil && e.status == StatusConnected:
				closes = append(closes, e.conn)
				m.pool[name] = &entry{status: StatusClosed, since: now}
				report[name] = Outcome{Kind: OutcomeClosed}
			default:
				report[name] = Outcome{Kind: OutcomeUnchanged}
			}
		}

		// Entries whose tool vanished from the configuration, e.g. after a reload.
		for name, e := range m.pool {
			if _, ok := cfg.Tools[name]; ok {
				continue
			}
			switch e.status {
			case StatusConnected:
				closes = append(closes, e.conn)
				delete(m.pool, name)
				report[name] = Outcome{Kind: OutcomeClosed}
			case StatusPending:
				report[name] = Outcome{Kind: OutcomeUnchanged}
			default:
				delete(m.pool, name)
			}
		}
	})

	if shut {
		span.SetStatus(codes.Error, ErrManagerClosed.Error())
		return report, ErrManagerClosed
	}
	if limit < 1 {
		limit = defaultMaxParallel
	}
	span.SetAttributes(
		attribute.Int("reconcile.opens", len(opens)),
		attribute.Int("reconcile.closes", len(closes)),
	)

	// Execute outside the lock.
	results := make([]openResult, len(opens))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, task := range opens {
		g.Go(func() error {
			results[i] = m.open(ctx, task, timeout)
			return nil
		})
	}
	for _, conn := range closes {
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				m.logger.Warnw("closing tool connection", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Merge.
	ctxErr := ctx.Err()
	var discard []Connection
	m.store.View(func(cfg *agentconfig.Configuration) {
		now := time.Now()
		for i, task := range opens {
			res := results[i]
			if res.err == nil && ctxErr != nil {
				discard = append(discard, res.conn)
				res = openResult{err: &ConnectionOpenError{Tool: task.name, Err: ctxErr}}
			}

			t, exists := cfg.Tools[task.name]
			if m.closed || m.pool[task.name] != task.entry || !exists || !t.Enabled {
				// Disabled, removed or shut down while dialing.
				if res.conn != nil {
					discard = append(discard, res.conn)
				}
				if m.pool[task.name] == task.entry {
					if exists {
						m.pool[task.name] = &entry{status: StatusClosed, since: now}
					} else {
						delete(m.pool, task.name)
					}
				}
				report[task.name] = Outcome{Kind: OutcomeClosed}
				continue
			}

			if res.err != nil {
				m.pool[task.name] = &entry{status: StatusFailed, err: res.err, since: now}
				report[task.name] = Outcome{Kind: OutcomeFailed, Err: res.err}
				continue
			}
			m.pool[task.name] = &entry{
				status: StatusConnected,
				conn:   res.conn,
				defs:   res.conn.Tools(),
				since:  now,
			}
			report[task.name] = Outcome{Kind: OutcomeConnected}
		}
	})
	for _, conn := range discard {
		if err := conn.Close(); err != nil {
			m.logger.Warnw("closing discarded tool connection", "error", err)
		}
	}

	elapsed := time.Since(start)
	metrics.RecordReconcile(elapsed.Seconds())
	for _, name := range report.Names() {
		o := report[name]
		metrics.RecordToolOutcome(name, o.Kind)
		if o.Kind == OutcomeFailed {
			m.logger.Warnw("tool connection failed", "tool", name, "error", o.Err)
		} else if o.Kind != OutcomeUnchanged {
			m.logger.Infow("tool "+o.Kind, "tool", name)
		}
	}
	metrics.SetToolConnections(m.countByStatus())

	failed := report.Failed()
	span.SetAttributes(attribute.Int("reconcile.failed", len(failed)))
	if ctxErr != nil {
		span.SetStatus(codes.Error, ctxErr.Error())
		return report, ctxErr
	}
	if len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d tool(s) failed", len(failed)))
	}
	m.logger.Debugw("reconcile done", "duration", elapsed, "tools", len(report), "failed", len(failed))
	return report, nil
}

// Reconnect is Reconcile under the name the HTTP layer exposes.
func (m *Manager) Reconnect(ctx context.Context) (Report, error) {
	return m.Reconcile(ctx)
}

func (m *Manager) open(ctx context.Context, task openTask, timeout time.Duration) openResult {
	ctx, span := trace.Tracer().Start(ctx, "tool.open")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", task.name),
		attribute.String("tool.transport", task.desc.Kind()),
	)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return openResult{err: &ConnectionOpenError{Tool: task.name, Err: err}}
	}

	timeout = task.desc.ConnectTimeout(timeout)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, task.name, task.desc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return openResult{err: &ConnectionOpenError{Tool: task.name, Err: err}}
	}
	return openResult{conn: conn}
}

// Close shuts down every live connection and marks the manager closed.
// Entries become closed; a reconcile still dialing discards what it opens,
// and later reconciles return ErrManagerClosed. The configuration is not
// modified.
func (m *Manager) Close() error {
	var conns []Connection
	m.store.View(func(*agentconfig.Configuration) {
		m.closed = true
		now := time.Now()
		for name, e := range m.pool {
			switch e.status {
			case StatusConnected:
				conns = append(conns, e.conn)
				m.pool[name] = &entry{status: StatusClosed, since: now}
			case StatusPending:
				m.pool[name] = &entry{status: StatusClosed, since: now}
			}
		}
	})

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.SetToolConnections(m.countByStatus())
	return errors.Join(errs...)
}

// Status returns the pool entries in name order.
func (m *Manager) Status() []EntryStatus {
	var out []EntryStatus
	m.store.View(func(*agentconfig.Configuration) {
		out = m.statusLocked()
	})
	return out
}

func (m *Manager) statusLocked() []EntryStatus {
	out := make([]EntryStatus, 0, len(m.pool))
	for name, e := range m.pool {
		s := EntryStatus{Name: name, Status: e.status, Since: e.since}
		if e.err != nil {
			s.Error = failureReason(e.err)
		}
		for _, d := range e.defs {
			s.Tools = append(s.Tools, d.Name)
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b EntryStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (m *Manager) countByStatus() map[string]int {
	counts := map[string]int{
		string(StatusPending):   0,
		string(StatusConnected): 0,
		string(StatusFailed):    0,
		string(StatusClosed):    0,
	}
	m.store.View(func(*agentconfig.Configuration) {
		for _, e := range m.pool {
			counts[string(e.status)]++
		}
	})
	return counts
}

// State is a consistent copy of the configuration and the pool.
type State struct {
	Config *agentconfig.Configuration `json:"config"`
	Pool   []EntryStatus              `json:"pool"`
}

// Snapshot returns the configuration and pool as seen at one instant.
func (m *Manager) Snapshot() State {
	var st State
	m.store.View(func(cfg *agentconfig.Configuration) {
		st.Config = cfg.Clone()
		st.Pool = m.statusLocked()
	})
	return st
}

// LiveTools captures the currently connected servers for one run.
func (m *Manager) LiveTools() *Toolset {
	var servers []liveServer
	m.store.View(func(*agentconfig.Configuration) {
		for name, e := range m.pool {
			if e.status == StatusConnected {
				servers = append(servers, liveServer{name: name, conn: e.conn, defs: e.defs})
			}
		}
	})
	return newToolset(servers)
}

// CallTool calls a tool on whichever connected server advertises it.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return m.LiveTools().CallTool(ctx, name, args)
}

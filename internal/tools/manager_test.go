package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/llm"
	"github.com/michaelbrown/webagent/internal/tools"
)

// --- fakes ---

type fakeConn struct {
	server string
	closed atomic.Bool
	closes atomic.Int32
}

func (c *fakeConn) Tools() []llm.ToolDef {
	return []llm.ToolDef{{
		Name:        c.server + "_lookup",
		Description: "lookup on " + c.server,
		Parameters:  map[string]any{"type": "object"},
	}}
}

func (c *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	if c.closed.Load() {
		return "", errors.New("connection closed")
	}
	return c.server + ":" + name, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.closes.Add(1)
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  map[string]error
	dials map[string]int
	conns map[string]*fakeConn

	// hook, when set, runs before the dial completes.
	hook func(ctx context.Context, name string) error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		fail:  map[string]error{},
		dials: map[string]int{},
		conns: map[string]*fakeConn{},
	}
}

func (d *fakeDialer) Dial(ctx context.Context, name string, _ agentconfig.ConnectionDescriptor) (tools.Connection, error) {
	d.mu.Lock()
	d.dials[name]++
	err := d.fail[name]
	hook := d.hook
	d.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, name); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	c := &fakeConn{server: name}
	d.mu.Lock()
	d.conns[name] = c
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFail(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, name)
		return
	}
	d.fail[name] = err
}

func (d *fakeDialer) conn(name string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[name]
}

func (d *fakeDialer) dialCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[name]
}

// --- helpers ---

func testManager(t *testing.T) (*tools.Manager, *fakeDialer) {
	t.Helper()
	store := agentconfig.NewStore(filepath.Join(t.TempDir(), "config.json"), agentconfig.Default())
	d := newFakeDialer()
	m := tools.NewManager(store, d, nil)
	t.Cleanup(func() { m.Close() })
	return m, d
}

func stdioTool(name string, enabled bool) agentconfig.ToolConfig {
	return agentconfig.ToolConfig{
		Name:       name,
		Enabled:    enabled,
		Connection: agentconfig.ConnectionDescriptor{Command: "/usr/local/bin/" + name},
	}
}

func mustAdd(t *testing.T, m *tools.Manager, cfgs ...agentconfig.ToolConfig) {
	t.Helper()
	for _, c := range cfgs {
		if err := m.AddTool(c); err != nil {
			t.Fatalf("AddTool(%s): %v", c.Name, err)
		}
	}
}

func mustReconcile(t *testing.T, m *tools.Manager) map[string]string {
	t.Helper()
	report, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return report.Strings()
}

func statusOf(m *tools.Manager, name string) tools.Status {
	for _, s := range m.Status() {
		if s.Name == name {
			return s.Status
		}
	}
	return ""
}

// --- mutations ---

func TestAddToolDuplicate(t *testing.T) {
	m, _ := testManager(t)
	mustAdd(t, m, stdioTool("search", false))

	err := m.AddTool(stdioTool("search", true))
	var dup *tools.DuplicateToolError
	if !errors.As(err, &dup) {
		t.Fatalf("AddTool duplicate: got %v, want DuplicateToolError", err)
	}
	if got := m.List(); len(got) != 1 || got[0].Enabled {
		t.Fatalf("duplicate add modified the mapping: %+v", got)
	}
}

func TestAddToolDuplicateIgnoresCase(t *testing.T) {
	m, _ := testManager(t)
	mustAdd(t, m, stdioTool("search", false))

	var dup *tools.DuplicateToolError
	if err := m.AddTool(stdioTool("Search", false)); !errors.As(err, &dup) {
		t.Fatalf("AddTool(Search): got %v, want DuplicateToolError", err)
	}
	if errs := agentconfig.Validate(m.Store().Snapshot()); len(errs) != 0 {
		t.Errorf("configuration no longer validates: %v", errs)
	}
}

func TestAddToolMarksDirtyWithoutConnecting(t *testing.T) {
	m, d := testManager(t)
	if err := m.Store().Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mustAdd(t, m, stdioTool("search", true))

	if !m.Store().Dirty() {
		t.Error("AddTool should mark the configuration dirty")
	}
	if n := d.dialCount("search"); n != 0 {
		t.Errorf("AddTool dialed %d times, want 0", n)
	}
	if len(m.Status()) != 0 {
		t.Errorf("pool should be empty before reconcile: %+v", m.Status())
	}
}

func TestAddToolRoundTrip(t *testing.T) {
	m, _ := testManager(t)
	names := []string{"airbnb", "firecrawl", "google_maps"}
	for i, n := range names {
		mustAdd(t, m, stdioTool(n, i%2 == 0))
	}
	if err := m.Store().Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, err := agentconfig.Load(m.Store().Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.ToolNames(); !slices.Equal(got, names) {
		t.Errorf("tool names after round trip = %v, want %v", got, names)
	}
	if !cfg.Tools["airbnb"].Enabled || cfg.Tools["firecrawl"].Enabled {
		t.Errorf("enabled flags not preserved: %+v", cfg.Tools)
	}
}

func TestEnableDisableUnknownTool(t *testing.T) {
	m, _ := testManager(t)
	var nf *tools.ToolNotFoundError
	if err := m.EnableTool("ghost"); !errors.As(err, &nf) {
		t.Errorf("EnableTool: got %v, want ToolNotFoundError", err)
	}
	if err := m.DisableTool("ghost"); !errors.As(err, &nf) {
		t.Errorf("DisableTool: got %v, want ToolNotFoundError", err)
	}
	if err := m.RemoveTool("ghost"); !errors.As(err, &nf) {
		t.Errorf("RemoveTool: got %v, want ToolNotFoundError", err)
	}
}

func TestDisableKeepsDescriptor(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("search", true))
	mustReconcile(t, m)

	if err := m.DisableTool("search"); err != nil {
		t.Fatalf("DisableTool: %v", err)
	}
	if statusOf(m, "search") != tools.StatusConnected {
		t.Error("DisableTool must not touch the pool before reconcile")
	}
	if d.conn("search").closed.Load() {
		t.Error("DisableTool closed the connection")
	}
	got := m.List()[0]
	if got.Enabled || got.Connection.Command != "/usr/local/bin/search" {
		t.Errorf("after disable: %+v", got)
	}
}

func TestRemoveEnabledTool(t *testing.T) {
	m, _ := testManager(t)
	mustAdd(t, m, stdioTool("search", true), stdioTool("maps", false))
	before := m.Store().Snapshot()

	err := m.RemoveTool("search")
	var inUse *tools.ToolInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("RemoveTool enabled: got %v, want ToolInUseError", err)
	}
	if inUse.Name != "search" {
		t.Errorf("ToolInUseError.Name = %q", inUse.Name)
	}

	after := m.Store().Snapshot()
	if !slices.Equal(before.ToolNames(), after.ToolNames()) || !after.Tools["search"].Enabled {
		t.Errorf("mapping changed by failed remove: %v -> %v", before.ToolNames(), after.ToolNames())
	}
}

func TestRemoveRequiresReconcileAfterDisable(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("search", true))
	mustReconcile(t, m)

	if err := m.DisableTool("search"); err != nil {
		t.Fatalf("DisableTool: %v", err)
	}
	var inUse *tools.ToolInUseError
	if err := m.RemoveTool("search"); !errors.As(err, &inUse) {
		t.Fatalf("RemoveTool with live connection: got %v, want ToolInUseError", err)
	}

	mustReconcile(t, m)
	if err := m.RemoveTool("search"); err != nil {
		t.Fatalf("RemoveTool after reconcile: %v", err)
	}
	if len(m.List()) != 0 || len(m.Status()) != 0 {
		t.Errorf("tool not fully removed: %+v %+v", m.List(), m.Status())
	}
	if n := d.conn("search").closes.Load(); n != 1 {
		t.Errorf("connection closed %d times, want 1", n)
	}
}

// --- reconcile ---

func TestReconcileDisableCloses(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("search", true))

	if got := mustReconcile(t, m); got["search"] != "connected" {
		t.Fatalf("first reconcile = %v", got)
	}
	if err := m.DisableTool("search"); err != nil {
		t.Fatal(err)
	}
	if got := mustReconcile(t, m); got["search"] != "closed" {
		t.Fatalf("reconcile after disable = %v", got)
	}
	if s := statusOf(m, "search"); s != tools.StatusClosed {
		t.Errorf("pool status = %q, want closed", s)
	}
	if !d.conn("search").closed.Load() {
		t.Error("connection was not closed")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("a", true), stdioTool("b", true), stdioTool("c", false))
	mustReconcile(t, m)

	got := mustReconcile(t, m)
	want := map[string]string{"a": "unchanged", "b": "unchanged", "c": "unchanged"}
	if !maps.Equal(got, want) {
		t.Errorf("second reconcile = %v, want %v", got, want)
	}
	if d.dialCount("a") != 1 || d.dialCount("b") != 1 {
		t.Errorf("connected tools were dialed again: a=%d b=%d", d.dialCount("a"), d.dialCount("b"))
	}
}

func TestReconcilePartialFailureThenRecovery(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("tool_a", true), stdioTool("tool_b", true))
	d.setFail("tool_a", errors.New("network unreachable"))

	report, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := map[string]string{"tool_a": "failed:network unreachable", "tool_b": "connected"}
	if got := report.Strings(); !maps.Equal(got, want) {
		t.Fatalf("first reconcile = %v, want %v", got, want)
	}

	var openErr *tools.ConnectionOpenError
	if !errors.As(report["tool_a"].Err, &openErr) || openErr.Tool != "tool_a" {
		t.Errorf("failed outcome should carry ConnectionOpenError, got %v", report["tool_a"].Err)
	}
	if s := statusOf(m, "tool_a"); s != tools.StatusFailed {
		t.Errorf("tool_a status = %q, want failed", s)
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"tool_a":"failed:network unreachable","tool_b":"connected"}` {
		t.Errorf("report JSON = %s", data)
	}

	d.setFail("tool_a", nil)
	got := mustReconcile(t, m)
	want = map[string]string{"tool_a": "connected", "tool_b": "unchanged"}
	if !maps.Equal(got, want) {
		t.Fatalf("recovery reconcile = %v, want %v", got, want)
	}
}

func TestReconcileFailedDisabledToolStaysFailed(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("flaky", true))
	d.setFail("flaky", errors.New("refused"))
	mustReconcile(t, m)

	if err := m.DisableTool("flaky"); err != nil {
		t.Fatal(err)
	}
	if got := mustReconcile(t, m); got["flaky"] != "unchanged" {
		t.Errorf("reconcile = %v, want flaky unchanged", got)
	}
	if d.dialCount("flaky") != 1 {
		t.Errorf("disabled tool was retried")
	}
}

func TestReconcileClosesToolsMissingFromConfig(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("search", true))
	mustReconcile(t, m)

	// Simulates an external edit picked up by Reload.
	err := m.Store().Update(func(cfg *agentconfig.Configuration) error {
		delete(cfg.Tools, "search")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := mustReconcile(t, m); got["search"] != "closed" {
		t.Errorf("reconcile = %v, want search closed", got)
	}
	if !d.conn("search").closed.Load() {
		t.Error("connection of removed tool left open")
	}
	if len(m.Status()) != 0 {
		t.Errorf("pool should be empty: %+v", m.Status())
	}
}

func TestReconcileBoundedParallelism(t *testing.T) {
	m, d := testManager(t)
	err := m.Store().Update(func(cfg *agentconfig.Configuration) error {
		cfg.Settings[agentconfig.SettingMaxParallel] = 2
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		mustAdd(t, m, stdioTool(n, true))
	}

	var inFlight, peak atomic.Int32
	d.hook = func(ctx context.Context, _ string) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	got := mustReconcile(t, m)
	for name, o := range got {
		if o != "connected" {
			t.Errorf("%s = %s, want connected", name, o)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent dials = %d, want <= 2", p)
	}
}

func TestReconcileDialTimeout(t *testing.T) {
	m, d := testManager(t)
	tool := stdioTool("slow", true)
	tool.Connection.Timeout = agentconfig.Duration(20 * time.Millisecond)
	mustAdd(t, m, tool)

	d.hook = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	report, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report["slow"].Kind != tools.OutcomeFailed || !errors.Is(report["slow"].Err, context.DeadlineExceeded) {
		t.Errorf("slow = %v, want failed with deadline exceeded", report["slow"])
	}
}

func TestReconcileCancelledClosesOpenedConnections(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("fast", true), stdioTool("slow", true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fastDone := make(chan struct{})
	d.hook = func(ctx context.Context, name string) error {
		if name == "fast" {
			close(fastDone)
			return nil
		}
		<-fastDone
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	report, err := m.Reconcile(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Reconcile error = %v, want context.Canceled", err)
	}
	for _, name := range []string{"fast", "slow"} {
		if report[name].Kind != tools.OutcomeFailed {
			t.Errorf("%s = %v, want failed", name, report[name])
		}
		if s := statusOf(m, name); s == tools.StatusConnected {
			t.Errorf("%s left connected after cancelled reconcile", name)
		}
	}
	if c := d.conn("fast"); c == nil || !c.closed.Load() {
		t.Error("connection opened during cancelled reconcile was not closed")
	}
	if m.LiveTools().HasTools() {
		t.Error("no tools should be live after cancelled reconcile")
	}
}

func TestCloseDuringReconcileDiscardsConnections(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("search", true))

	dialing := make(chan struct{})
	release := make(chan struct{})
	d.hook = func(ctx context.Context, _ string) error {
		close(dialing)
		<-release
		return nil
	}

	type result struct {
		report tools.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := m.Reconcile(context.Background())
		done <- result{report, err}
	}()

	<-dialing
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)
	res := <-done

	if res.err != nil {
		t.Fatalf("Reconcile: %v", res.err)
	}
	if res.report["search"].Kind != tools.OutcomeClosed {
		t.Errorf("search = %v, want closed", res.report["search"])
	}
	if c := d.conn("search"); c == nil || !c.closed.Load() {
		t.Error("connection opened after Close was not closed")
	}
	if s := statusOf(m, "search"); s != tools.StatusClosed {
		t.Errorf("status = %s, want closed", s)
	}

	d.hook = nil
	if _, err := m.Reconcile(context.Background()); !errors.Is(err, tools.ErrManagerClosed) {
		t.Fatalf("Reconcile after Close = %v, want ErrManagerClosed", err)
	}
	if n := d.dialCount("search"); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
	if m.LiveTools().HasTools() {
		t.Error("no tools should be live after Close")
	}
}

func TestReconcileConcurrentCallsDialOnce(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("search", true))

	release := make(chan struct{})
	d.hook = func(ctx context.Context, _ string) error {
		<-release
		return nil
	}

	var wg sync.WaitGroup
	reports := make([]tools.Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = m.Reconcile(context.Background())
	}()

	// Wait until the first pass has planned the dial.
	deadline := time.Now().Add(2 * time.Second)
	for statusOf(m, "search") != tools.StatusPending {
		if time.Now().After(deadline) {
			t.Fatal("first reconcile never planned the dial")
		}
		time.Sleep(time.Millisecond)
	}

	reports[1], _ = m.Reconcile(context.Background())
	close(release)
	wg.Wait()

	if got := reports[1]["search"].Kind; got != tools.OutcomeUnchanged {
		t.Errorf("overlapping reconcile = %s, want unchanged", got)
	}
	if got := reports[0]["search"].Kind; got != tools.OutcomeConnected {
		t.Errorf("first reconcile = %s, want connected", got)
	}
	if n := d.dialCount("search"); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
}

// --- live tools ---

func TestLiveToolsRoutesCalls(t *testing.T) {
	m, _ := testManager(t)
	mustAdd(t, m, stdioTool("maps", true), stdioTool("search", true), stdioTool("off", false))
	mustReconcile(t, m)

	ts := m.LiveTools()
	if got := ts.Servers(); !slices.Equal(got, []string{"maps", "search"}) {
		t.Errorf("Servers() = %v", got)
	}
	if len(ts.Defs()) != 2 {
		t.Errorf("Defs() = %d, want 2", len(ts.Defs()))
	}
	if owner, _ := ts.Owner("search_lookup"); owner != "search" {
		t.Errorf("Owner(search_lookup) = %q", owner)
	}

	out, err := m.CallTool(context.Background(), "maps_lookup", nil)
	if err != nil || out != "maps:maps_lookup" {
		t.Errorf("CallTool = %q, %v", out, err)
	}
	if _, err := m.CallTool(context.Background(), "off_lookup", nil); err == nil {
		t.Error("calling a disabled server's tool should fail")
	}
}

func TestLiveToolsSnapshotOutlivesDisable(t *testing.T) {
	m, _ := testManager(t)
	mustAdd(t, m, stdioTool("search", true))
	mustReconcile(t, m)

	ts := m.LiveTools()
	if err := m.DisableTool("search"); err != nil {
		t.Fatal(err)
	}

	// Still usable until the reconcile actually closes it.
	if _, err := ts.CallTool(context.Background(), "search_lookup", nil); err != nil {
		t.Fatalf("call before reconcile: %v", err)
	}
	mustReconcile(t, m)

	if !slices.Equal(ts.Servers(), []string{"search"}) {
		t.Errorf("snapshot changed after reconcile: %v", ts.Servers())
	}
	if _, err := ts.CallTool(context.Background(), "search_lookup", nil); err == nil {
		t.Error("call on a closed connection should return an error")
	}
	if m.LiveTools().HasTools() {
		t.Error("new snapshot should not include the closed server")
	}
}

func TestCloseShutsDownPool(t *testing.T) {
	m, d := testManager(t)
	mustAdd(t, m, stdioTool("a", true), stdioTool("b", true))
	mustReconcile(t, m)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, n := range []string{"a", "b"} {
		if !d.conn(n).closed.Load() {
			t.Errorf("%s not closed", n)
		}
		if s := statusOf(m, n); s != tools.StatusClosed {
			t.Errorf("%s status = %q, want closed", n, s)
		}
	}
	if !m.Store().Snapshot().Tools["a"].Enabled {
		t.Error("Close must not modify the configuration")
	}

	if _, err := m.Reconcile(context.Background()); !errors.Is(err, tools.ErrManagerClosed) {
		t.Errorf("Reconcile after Close = %v, want ErrManagerClosed", err)
	}
	if n := d.dialCount("a"); n != 1 {
		t.Errorf("a dialed %d times after Close, want 1", n)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m, _ := testManager(t)
	mustAdd(t, m, stdioTool("search", true))
	mustReconcile(t, m)

	st := m.Snapshot()
	if len(st.Pool) != 1 || st.Pool[0].Status != tools.StatusConnected {
		t.Fatalf("Snapshot pool = %+v", st.Pool)
	}
	if !slices.Equal(st.Pool[0].Tools, []string{"search_lookup"}) {
		t.Errorf("pool tools = %v", st.Pool[0].Tools)
	}

	st.Config.Tools["search"] = agentconfig.ToolConfig{Name: "search"}
	if !m.Store().Snapshot().Tools["search"].Enabled {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestOutcomeText(t *testing.T) {
	tests := []struct {
		o    tools.Outcome
		want string
	}{
		{tools.Outcome{Kind: tools.OutcomeConnected}, "connected"},
		{tools.Outcome{Kind: tools.OutcomeUnchanged}, "unchanged"},
		{tools.Outcome{Kind: tools.OutcomeFailed, Err: &tools.ConnectionOpenError{Tool: "x", Err: errors.New("dns")}}, "failed:dns"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		var back tools.Outcome
		if err := back.UnmarshalText([]byte(tt.want)); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", tt.want, err)
		}
		if back.String() != tt.want {
			t.Errorf("round trip %q -> %q", tt.want, back.String())
		}
	}

	var bad tools.Outcome
	if err := bad.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("unknown outcome should fail to parse")
	}
}

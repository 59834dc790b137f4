package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/stevedore/internal/stevedore/engine"
	"github.com/bdobrica/stevedore/internal/stevedore/store"
)

// fakeEngine is an in-memory Engine that records every call it receives.
type fakeEngine struct {
	units map[string]engine.UnitDetail
	logs  map[string]string
	calls []string

	// err, when set, is returned by every call.
	err error
	// failFirst makes the first N calls return ErrUnavailable, then succeed.
	failFirst int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		units: make(map[string]engine.UnitDetail),
		logs:  make(map[string]string),
	}
}

func (f *fakeEngine) addUnit(name string, running bool) {
	state := engine.StateExited
	if running {
		state = engine.StateRunning
	}
	f.units[name] = engine.UnitDetail{
		Name:    name,
		ID:      "abc123def456",
		Image:   "nginx:latest",
		State:   state,
		Running: running,
	}
}

func (f *fakeEngine) record(op, name string) error {
	if name == "" {
		f.calls = append(f.calls, op)
	} else {
		f.calls = append(f.calls, op+":"+name)
	}
	if f.failFirst > 0 {
		f.failFirst--
		return fmt.Errorf("%s: %w", op, engine.ErrUnavailable)
	}
	return f.err
}

func (f *fakeEngine) countCalls(op string) int {
	n := 0
	for _, c := range f.calls {
		if c == op || strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

func (f *fakeEngine) lookup(name string) (engine.UnitDetail, error) {
	d, ok := f.units[name]
	if !ok {
		return engine.UnitDetail{State: engine.StateUnknown}, fmt.Errorf("%q: %w", name, engine.ErrNotFound)
	}
	return d, nil
}

func (f *fakeEngine) Ping(ctx context.Context) error {
	return f.record("ping", "")
}

func (f *fakeEngine) List(ctx context.Context) ([]engine.UnitSummary, error) {
	if err := f.record("list", ""); err != nil {
		return nil, err
	}
	var out []engine.UnitSummary
	for _, d := range f.units {
		out = append(out, engine.UnitSummary{
			Name: d.Name, ID: d.ID, Image: d.Image, State: d.State, Status: string(d.State),
		})
	}
	return out, nil
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (engine.UnitDetail, error) {
	if err := f.record("inspect", name); err != nil {
		return engine.UnitDetail{}, err
	}
	return f.lookup(name)
}

func (f *fakeEngine) Start(ctx context.Context, name string) error {
	if err := f.record("start", name); err != nil {
		return err
	}
	d, err := f.lookup(name)
	if err != nil {
		return err
	}
	d.Running = true
	d.State = engine.StateRunning
	f.units[name] = d
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, name string) error {
	if err := f.record("stop", name); err != nil {
		return err
	}
	d, err := f.lookup(name)
	if err != nil {
		return err
	}
	d.Running = false
	d.State = engine.StateExited
	f.units[name] = d
	return nil
}

func (f *fakeEngine) Restart(ctx context.Context, name string) error {
	if err := f.record("restart", name); err != nil {
		return err
	}
	_, err := f.lookup(name)
	return err
}

func (f *fakeEngine) Remove(ctx context.Context, name string) error {
	if err := f.record("remove", name); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	delete(f.units, name)
	return nil
}

func (f *fakeEngine) Logs(ctx context.Context, name string, tail int) (string, error) {
	if err := f.record(fmt.Sprintf("logs[%d]", tail), name); err != nil {
		return "", err
	}
	if _, err := f.lookup(name); err != nil {
		return "", err
	}
	return f.logs[name], nil
}

// --- harness ----------------------------------------------------------------

func newTestHandlers(t *testing.T, eng engine.Engine) (*Handlers, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stevedore-test-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := NewHandlers(HandlersConfig{Engine: eng, Store: s, Prefix: "/stevedore"})
	return h, s
}

func testEvent() *event.Event {
	return &event.Event{Sender: id.UserID("@alice:example.com")}
}

func dispatch(t *testing.T, h *Handlers, text string) (string, error) {
	t.Helper()
	cmd, err := NewRouter("/stevedore").Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q): %v", text, err)
	}
	return h.Dispatch(context.Background(), cmd, testEvent())
}

// --- tests ------------------------------------------------------------------

func TestDispatch_UnsupportedVerbNeverReachesEngine(t *testing.T) {
	eng := newFakeEngine()
	h, _ := newTestHandlers(t, eng)

	_, err := h.Dispatch(context.Background(), &Command{Verb: Verb("exec")}, testEvent())
	if !errors.Is(err, ErrUnsupportedVerb) {
		t.Fatalf("error = %v, want ErrUnsupportedVerb", err)
	}
	if len(eng.calls) != 0 {
		t.Errorf("engine received calls for unsupported verb: %v", eng.calls)
	}
}

func TestDispatch_Ping(t *testing.T) {
	eng := newFakeEngine()
	h, s := newTestHandlers(t, eng)

	reply, err := dispatch(t, h, "/stevedore ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(reply, "Pong") {
		t.Errorf("reply %q missing Pong", reply)
	}
	if eng.countCalls("ping") != 1 {
		t.Errorf("ping calls: got %d, want 1", eng.countCalls("ping"))
	}

	entries, err := s.GetAuditLog(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit: entries=%d err=%v", len(entries), err)
	}
	if entries[0].Verb != "ping" || entries[0].Result != "success" {
		t.Errorf("audit entry: %+v", entries[0])
	}
}

func TestDispatch_List(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	eng.addUnit("worker", false)
	h, _ := newTestHandlers(t, eng)

	reply, err := dispatch(t, h, "/stevedore list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(reply, "webserver") || !strings.Contains(reply, "worker") {
		t.Errorf("reply missing units: %q", reply)
	}
	if eng.countCalls("list") != 1 {
		t.Errorf("list calls: got %d, want 1", eng.countCalls("list"))
	}
}

func TestDispatch_ListEmpty(t *testing.T) {
	h, _ := newTestHandlers(t, newFakeEngine())

	reply, err := dispatch(t, h, "/stevedore list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(reply, "No units") {
		t.Errorf("reply: %q", reply)
	}
}

func TestDispatch_StartStoppedUnit(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", false)
	h, _ := newTestHandlers(t, eng)

	reply, err := dispatch(t, h, "/stevedore start webserver")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(reply, "started") {
		t.Errorf("reply: %q", reply)
	}
	if got := eng.countCalls("start"); got != 1 {
		t.Errorf("start mutations: got %d, want exactly 1", got)
	}
}

func TestDispatch_StartRunningUnitIsNoop(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	h, _ := newTestHandlers(t, eng)

	reply, err := dispatch(t, h, "/stevedore start webserver")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(reply, "already running") {
		t.Errorf("reply: %q", reply)
	}
	if got := eng.countCalls("start"); got != 0 {
		t.Errorf("start mutations on running unit: got %d, want 0", got)
	}
}

func TestDispatch_StopTwiceIsIdempotent(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	h, _ := newTestHandlers(t, eng)

	if _, err := dispatch(t, h, "/stevedore stop webserver"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	reply, err := dispatch(t, h, "/stevedore stop webserver")
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !strings.Contains(reply, "already stopped") {
		t.Errorf("second stop reply: %q", reply)
	}
	if got := eng.countCalls("stop"); got != 1 {
		t.Errorf("stop mutations across both commands: got %d, want 1", got)
	}
}

func TestDispatch_RemoveMissingUnit(t *testing.T) {
	eng := newFakeEngine()
	h, _ := newTestHandlers(t, eng)

	_, err := dispatch(t, h, "/stevedore remove ghost")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if got := eng.countCalls("remove"); got != 0 {
		t.Errorf("remove mutations for missing unit: got %d, want 0", got)
	}
}

func TestDispatch_LogsMissingUnit(t *testing.T) {
	eng := newFakeEngine()
	h, _ := newTestHandlers(t, eng)

	_, err := dispatch(t, h, "/stevedore logs ghost")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDispatch_LogsTailDefaultAndClamp(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	eng.logs["webserver"] = "line one\nline two\n"
	h, _ := newTestHandlers(t, eng)

	if _, err := dispatch(t, h, "/stevedore logs webserver"); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if got := eng.countCalls(fmt.Sprintf("logs[%d]", defaultLogsTail)); got != 1 {
		t.Errorf("default tail not passed through: calls=%v", eng.calls)
	}

	if _, err := dispatch(t, h, "/stevedore logs webserver --tail 99999"); err != nil {
		t.Fatalf("logs --tail: %v", err)
	}
	if got := eng.countCalls(fmt.Sprintf("logs[%d]", defaultLogsTailMax)); got != 1 {
		t.Errorf("tail not clamped to max: calls=%v", eng.calls)
	}
}

func TestDispatch_LogsInvalidTail(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	h, _ := newTestHandlers(t, eng)

	if _, err := dispatch(t, h, "/stevedore logs webserver --tail bananas"); err == nil {
		t.Fatal("expected error for non-numeric --tail")
	}
	if _, err := dispatch(t, h, "/stevedore logs webserver --tail -5"); err == nil {
		t.Fatal("expected error for negative --tail")
	}
	if len(eng.calls) != 0 {
		t.Errorf("engine called despite invalid flag: %v", eng.calls)
	}
}

func TestDispatch_LogsReplyIsBounded(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	eng.logs["webserver"] = strings.Repeat("a noisy log line with some padding\n", 2000)
	h, _ := newTestHandlers(t, eng)

	reply, err := dispatch(t, h, "/stevedore logs webserver")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(reply) > replyBudget {
		t.Errorf("reply length %d exceeds budget %d", len(reply), replyBudget)
	}
	if !strings.Contains(reply, "truncated") {
		t.Errorf("oversized reply not marked truncated")
	}
}

func TestDispatch_Inspect(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	h, _ := newTestHandlers(t, eng)

	reply, err := dispatch(t, h, "/stevedore inspect webserver")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"webserver", "nginx:latest", "running"} {
		if !strings.Contains(reply, want) {
			t.Errorf("reply missing %q: %q", want, reply)
		}
	}
}

func TestDispatch_ListThenInspectConsistency(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", true)
	h, _ := newTestHandlers(t, eng)

	listReply, err := dispatch(t, h, "/stevedore list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(listReply, "webserver") {
		t.Fatalf("list reply missing unit: %q", listReply)
	}
	if _, err := dispatch(t, h, "/stevedore inspect webserver"); err != nil {
		t.Errorf("inspect of just-listed unit failed: %v", err)
	}
}

func TestDispatch_UnavailableIsUniform(t *testing.T) {
	for _, text := range []string{
		"/stevedore ping",
		"/stevedore list",
		"/stevedore start webserver",
		"/stevedore logs webserver",
	} {
		eng := newFakeEngine()
		eng.addUnit("webserver", false)
		eng.err = fmt.Errorf("dial unix /var/run/docker.sock: %w", engine.ErrUnavailable)
		h, _ := newTestHandlers(t, eng)

		_, err := dispatch(t, h, text)
		if !errors.Is(err, engine.ErrUnavailable) {
			t.Errorf("%q: error = %v, want ErrUnavailable", text, err)
		}
	}
}

func TestDispatch_RetriesUnavailableOnce(t *testing.T) {
	eng := newFakeEngine()
	eng.failFirst = 1
	h, _ := newTestHandlers(t, eng)

	if _, err := dispatch(t, h, "/stevedore ping"); err != nil {
		t.Fatalf("ping after transient failure: %v", err)
	}
	if got := eng.countCalls("ping"); got != 2 {
		t.Errorf("ping attempts: got %d, want 2 (one retry)", got)
	}
}

func TestDispatch_AuditTail(t *testing.T) {
	eng := newFakeEngine()
	eng.addUnit("webserver", false)
	h, _ := newTestHandlers(t, eng)

	if _, err := dispatch(t, h, "/stevedore start webserver"); err != nil {
		t.Fatalf("start: %v", err)
	}

	reply, err := dispatch(t, h, "/stevedore audit tail 5")
	if err != nil {
		t.Fatalf("audit tail: %v", err)
	}
	if !strings.Contains(reply, "start") || !strings.Contains(reply, "webserver") {
		t.Errorf("audit reply missing start entry: %q", reply)
	}
	if !strings.Contains(reply, "@alice:example.com") {
		t.Errorf("audit reply missing actor: %q", reply)
	}
}

func TestDispatch_HelpAndVersionStayLocal(t *testing.T) {
	eng := newFakeEngine()
	h, _ := newTestHandlers(t, eng)

	if reply, err := dispatch(t, h, "/stevedore help"); err != nil || !strings.Contains(reply, "/stevedore list") {
		t.Errorf("help: reply=%q err=%v", reply, err)
	}
	if reply, err := dispatch(t, h, "/stevedore version"); err != nil || !strings.Contains(reply, "Version") {
		t.Errorf("version: reply=%q err=%v", reply, err)
	}
	if len(eng.calls) != 0 {
		t.Errorf("bot-local verbs reached the engine: %v", eng.calls)
	}
}

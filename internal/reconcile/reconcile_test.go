package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/plotsync/internal/forum"
	"github.com/zulandar/plotsync/internal/i18n"
	"github.com/zulandar/plotsync/internal/layout"
	"github.com/zulandar/plotsync/internal/plots"
	"github.com/zulandar/plotsync/internal/registry"
	"github.com/zulandar/plotsync/internal/status"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testOwner = "5f1c0e2a-8f0d-4a43-9d8e-2f1b5bd0c7aa"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePlots struct {
	mu    sync.Mutex
	plots map[int32]plots.Plot
}

func newFakePlots(ps ...plots.Plot) *fakePlots {
	f := &fakePlots{plots: make(map[int32]plots.Plot)}
	for _, p := range ps {
		f.plots[p.ID] = p
	}
	return f
}

func (f *fakePlots) Plot(_ context.Context, id int32) (plots.Plot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plots[id]
	if !ok {
		return plots.Plot{}, plots.ErrNotFound
	}
	return p, nil
}

func (f *fakePlots) set(p plots.Plot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plots[p.ID] = p
}

func plot(id int32, state status.PlotState) plots.Plot {
	return plots.Plot{ID: id, State: state, OwnerRef: testOwner}
}

type env struct {
	rec   *Reconciler
	forum *forum.MockForum
	reg   *registry.Registry
	db    *gorm.DB
	plots *fakePlots
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testDB(t)
	reg, err := registry.New(registry.Opts{DB: db, Table: "test_threads", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := reg.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := &env{
		forum: forum.NewMockForum(forum.StatusTags()),
		reg:   reg,
		db:    db,
		plots: newFakePlots(
			plot(7, status.PlotUnfinished),
			plot(8, status.PlotUnfinished),
		),
	}
	e.rec = e.reconciler(t)
	e.forum.ResetCalls()
	return e
}

// reconciler builds a fresh Reconciler over the env's forum and registry,
// with an empty cache and no quarantine.
func (e *env) reconciler(t *testing.T) *Reconciler {
	t.Helper()
	tr, err := i18n.New("", nil)
	if err != nil {
		t.Fatalf("i18n: %v", err)
	}
	r, err := New(Opts{
		Forum:          e.forum,
		Registry:       e.reg,
		Plots:          e.plots,
		Translator:     tr,
		Logger:         zerolog.Nop(),
		ShowcasePrefix: "plot-",
		RetryBackoff:   time.Millisecond,
		Now:            func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.ValidateTags(context.Background()); err != nil {
		t.Fatalf("ValidateTags: %v", err)
	}
	return r
}

// posted rebuilds the message currently shown on a thread.
func (e *env) posted(t *testing.T, threadID uint64) (layout.Message, forum.MockThread) {
	t.Helper()
	th, ok := e.forum.Thread(threadID)
	if !ok {
		t.Fatalf("thread %d does not exist", threadID)
	}
	m, err := layout.NewBuilder(layout.Options{ShowcasePrefix: "plot-"}).Rebuild(th.Nodes)
	if err != nil {
		t.Fatalf("rebuild thread %d: %v", threadID, err)
	}
	return m, th
}

func ops(calls []forum.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Op
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error without forum")
	}
	e := newEnv(t)
	if _, err := New(Opts{Forum: e.forum, Registry: e.reg, Plots: e.plots}); err == nil {
		t.Error("expected error without translator")
	}
}

func TestLifecycle_CreateSubmitApprove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, ev := range []Event{Created{}, Submitted{}, Approved{}} {
		if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, ev); err != nil {
			t.Fatalf("apply %s: %v", eventName(ev), err)
		}
	}

	rows, err := e.reg.ListByPlot(ctx, 7)
	if err != nil {
		t.Fatalf("ListByPlot: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Status != status.Approved {
		t.Errorf("status = %s, want APPROVED", rows[0].Status)
	}
	if n := e.forum.CallCount(forum.OpCreateThread); n != 1 {
		t.Errorf("CreateThread calls = %d, want 1", n)
	}

	m, th := e.posted(t, rows[0].ThreadID)
	if len(th.TagIDs) != 1 || th.TagIDs[0] != "tag-approved" {
		t.Errorf("tags = %v", th.TagIDs)
	}
	if th.Archived {
		t.Error("approved thread should not be archived")
	}
	wantHistory := []string{
		"2026-03-01: thread opened",
		"2026-03-01: plot created",
		"2026-03-01: submitted for review",
		"2026-03-01: approved",
	}
	if !equalStrings(m.Info.History, wantHistory) {
		t.Errorf("history = %q", m.Info.History)
	}
	if m.Status.Header != "Approved" || m.Status.Color != statusColors[status.Approved] {
		t.Errorf("status = %+v", m.Status)
	}
	if m.Showcase == nil || len(m.Showcase.Images) != 1 || m.Showcase.Images[0] != "plot-7.png" {
		t.Errorf("showcase = %+v", m.Showcase)
	}
	if m.Info.Owner.Ref != testOwner {
		t.Errorf("owner ref = %q", m.Info.Owner.Ref)
	}
}

func TestApply_ImplicitRegisterMatchesExplicit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); err != nil {
		t.Fatalf("implicit: %v", err)
	}
	implicit := ops(e.forum.Calls())
	e.forum.ResetCalls()

	if _, err := e.rec.RegisterNewThread(ctx, 8, status.OnGoing, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 8, Submitted{}); err != nil {
		t.Fatalf("explicit: %v", err)
	}
	explicit := ops(e.forum.Calls())

	if !equalStrings(implicit, explicit) {
		t.Errorf("implicit calls %v, explicit calls %v", implicit, explicit)
	}
	a, _ := e.reg.LatestByPlot(ctx, 7)
	b, _ := e.reg.LatestByPlot(ctx, 8)
	if a.Status != b.Status || a.SchemaVersion != b.SchemaVersion {
		t.Errorf("rows differ: %+v vs %+v", a, b)
	}
	ma, _ := e.posted(t, a.ThreadID)
	mb, _ := e.posted(t, b.ThreadID)
	if !equalStrings(ma.Info.History, mb.Info.History) {
		t.Errorf("history differs: %q vs %q", ma.Info.History, mb.Info.History)
	}
}

func TestApply_ConcurrentBootstrapRegistersOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Created{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("apply: %v", err)
	}
	rows, _ := e.reg.ListByPlot(ctx, 7)
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
	if n := e.forum.ThreadCount(); n != 1 {
		t.Errorf("threads = %d, want 1", n)
	}
}

func TestRegister_AlreadyRegistered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
	second, err := e.rec.RegisterNewThread(ctx, 7, status.Finished, true)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if second.MessageID <= first.MessageID {
		t.Errorf("override message %d should be newer than %d", second.MessageID, first.MessageID)
	}
	cur, _ := e.reg.LatestByPlot(ctx, 7)
	if cur.MessageID != second.MessageID || cur.Status != status.Finished {
		t.Errorf("current = %+v", cur)
	}
}

func TestRegister_CreateNotFoundRetriesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.forum.FailNext(forum.OpCreateThread, forum.ErrNotFound)
	if _, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false); err != nil {
		t.Fatalf("register after one not-found: %v", err)
	}
	if n := e.forum.CallCount(forum.OpCreateThread); n != 2 {
		t.Errorf("CreateThread calls = %d, want 2", n)
	}

	e.forum.ResetCalls()
	e.forum.FailNext(forum.OpCreateThread, forum.ErrNotFound, forum.ErrNotFound, forum.ErrNotFound)
	_, err := e.rec.RegisterNewThread(ctx, 8, status.OnGoing, false)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
	if n := e.forum.CallCount(forum.OpCreateThread); n != 2 {
		t.Errorf("CreateThread calls = %d, want exactly 2", n)
	}
	if _, err := e.reg.LatestByPlot(ctx, 8); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("failed register left a row: %v", err)
	}
}

func TestRegister_OtherErrorNotRetried(t *testing.T) {
	e := newEnv(t)
	e.forum.FailNext(forum.OpCreateThread, forum.ErrRateLimited)
	_, err := e.rec.RegisterNewThread(context.Background(), 7, status.OnGoing, false)
	if !errors.Is(err, ErrRemote) || !errors.Is(err, forum.ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
	if n := e.forum.CallCount(forum.OpCreateThread); n != 1 {
		t.Errorf("CreateThread calls = %d, want 1", n)
	}
}

func TestRegister_NoOwner(t *testing.T) {
	e := newEnv(t)
	e.plots.set(plots.Plot{ID: 9, State: status.PlotUnclaimed})
	_, err := e.rec.RegisterNewThread(context.Background(), 9, status.OnGoing, false)
	if !errors.Is(err, ErrNoOwner) {
		t.Fatalf("err = %v, want ErrNoOwner", err)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestRegister_TerminalStatusArchivesThread(t *testing.T) {
	e := newEnv(t)
	rec, err := e.rec.RegisterNewThread(context.Background(), 7, status.Archived, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, th := e.posted(t, rec.ThreadID)
	if !th.Archived {
		t.Error("thread should be archived")
	}
}

func TestArchive_NothingToArchive(t *testing.T) {
	e := newEnv(t)
	_, err := e.rec.Archive(context.Background(), 7, false)
	if !errors.Is(err, ErrNothingToArchive) {
		t.Fatalf("err = %v, want ErrNothingToArchive", err)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestArchive_Current(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e.forum.ResetCalls()

	rec, err := e.rec.Archive(ctx, 7, false)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if rec.Status != status.Archived || rec.MessageID != reg.MessageID {
		t.Errorf("rec = %+v", rec)
	}
	// The message is edited before the thread is locked.
	want := []string{forum.OpEditMessage, forum.OpEditThreadTags}
	if got := ops(e.forum.Calls()); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	_, th := e.posted(t, rec.ThreadID)
	if !th.Archived || th.TagIDs[0] != "tag-archived" {
		t.Errorf("thread = %+v", th)
	}

	e.forum.ResetCalls()
	again, err := e.rec.Archive(ctx, 7, false)
	if err != nil || again.Status != status.Archived {
		t.Fatalf("second Archive = %+v, %v", again, err)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("second archive made %d remote calls", n)
	}

	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); !errors.Is(err, ErrSealed) {
		t.Errorf("err = %v, want ErrSealed", err)
	}
}

func TestArchive_OverrideKeepsHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rec, err := e.rec.Archive(ctx, 7, true)
	if err != nil {
		t.Fatalf("Archive override: %v", err)
	}
	if rec.MessageID == old.MessageID || rec.Status != status.Archived {
		t.Errorf("rec = %+v", rec)
	}
	rows, _ := e.reg.ListByPlot(ctx, 7)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1].MessageID != old.MessageID || rows[1].Status != status.OnGoing {
		t.Errorf("old row = %+v", rows[1])
	}
	_, th := e.posted(t, rec.ThreadID)
	if !th.Archived {
		t.Error("override thread should be archived")
	}
}

func TestApply_EditNotFoundRebuildsAndRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e.forum.ResetCalls()
	e.forum.FailNext(forum.OpEditMessage, forum.ErrNotFound)

	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n := e.forum.CallCount(forum.OpGetMessage); n != 1 {
		t.Errorf("GetMessage calls = %d, want 1", n)
	}
	if n := e.forum.CallCount(forum.OpEditMessage); n != 2 {
		t.Errorf("EditMessage calls = %d, want 2", n)
	}
	m, _ := e.posted(t, reg.ThreadID)
	if len(m.Info.History) != 2 {
		t.Errorf("history = %q, want registered and submitted once each", m.Info.History)
	}

	// The retry waits out the backoff first.
	e.rec.backoff = time.Hour
	e.forum.ResetCalls()
	e.forum.FailNext(forum.OpEditMessage, forum.ErrNotFound)
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := e.rec.ApplyLifecycleEvent(short, 7, Approved{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded during backoff", err)
	}
	if n := e.forum.CallCount(forum.OpEditMessage); n != 1 {
		t.Errorf("EditMessage calls = %d before the backoff elapsed, want 1", n)
	}
	e.rec.backoff = time.Millisecond

	e.forum.FailNext(forum.OpEditMessage, forum.ErrNotFound, forum.ErrNotFound)
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Approved{}); !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
	cur, _ := e.reg.LatestByPlot(ctx, 7)
	if cur.Status != status.Finished {
		t.Errorf("registry moved to %s despite failed edit", cur.Status)
	}
}

func TestApply_FetchesWhenNotCached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	fresh := e.reconciler(t)
	e.forum.ResetCalls()
	if _, err := fresh.ApplyLifecycleEvent(ctx, 7, Submitted{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n := e.forum.CallCount(forum.OpGetMessage); n != 1 {
		t.Errorf("GetMessage calls = %d, want 1", n)
	}
	e.forum.ResetCalls()
	if _, err := fresh.ApplyLifecycleEvent(ctx, 7, Approved{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n := e.forum.CallCount(forum.OpGetMessage); n != 0 {
		t.Errorf("GetMessage calls = %d after caching, want 0", n)
	}
}

func TestApply_CorruptLayoutQuarantines(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e.forum.SetNodes(reg.ThreadID, []layout.Node{{Kind: layout.KindText, ID: 5, Content: "hand edited"}})

	r := e.reconciler(t)
	if _, err := r.ApplyLifecycleEvent(ctx, 7, Submitted{}); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("err = %v, want ErrQuarantined", err)
	}
	if !r.IsQuarantined(7) {
		t.Fatal("plot 7 should be quarantined")
	}
	if ids := r.QuarantinedIDs(); len(ids) != 1 || ids[0] != 7 {
		t.Errorf("QuarantinedIDs = %v", ids)
	}

	e.forum.ResetCalls()
	if _, err := r.ApplyLifecycleEvent(ctx, 7, Submitted{}); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("err = %v, want ErrQuarantined", err)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("quarantined plot made %d remote calls", n)
	}
	// Other plots keep working.
	if _, err := r.ApplyLifecycleEvent(ctx, 8, Created{}); err != nil {
		t.Errorf("plot 8: %v", err)
	}

	if _, err := r.Archive(ctx, 7, false); !errors.Is(err, ErrQuarantined) {
		t.Errorf("archive without override err = %v", err)
	}
	if _, err := r.Archive(ctx, 7, true); err != nil {
		t.Fatalf("archive override: %v", err)
	}
	if r.IsQuarantined(7) {
		t.Error("override archive should lift the quarantine")
	}
}

func TestCorruptRowQuarantinesUntilDeleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	err := e.db.Exec(`INSERT INTO test_threads (message_id, thread_id, plot_id, status, owner_ref, schema_version)
		VALUES (500, 500, 7, 'PENDING_REVIEW', 'owner', 1)`).Error
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("err = %v, want ErrQuarantined", err)
	}
	if _, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("register err = %v, want ErrQuarantined", err)
	}
	if err := e.rec.DeleteRegistration(ctx, 500); err != nil {
		t.Fatalf("DeleteRegistration: %v", err)
	}
	if e.rec.IsQuarantined(7) {
		t.Error("deleting the row should lift the quarantine")
	}
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Created{}); err != nil {
		t.Errorf("apply after delete: %v", err)
	}
}

func TestCurrent_NewerSchemaQuarantines(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	err := e.db.Exec(`INSERT INTO test_threads (message_id, thread_id, plot_id, status, owner_ref, schema_version)
		VALUES (500, 500, 7, 'ON_GOING', 'owner', 9)`).Error
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("err = %v, want ErrQuarantined", err)
	}
}

func TestDeleteRegistration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.rec.DeleteRegistration(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	rec, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e.forum.ResetCalls()
	if err := e.rec.DeleteRegistration(ctx, rec.MessageID); err != nil {
		t.Fatalf("DeleteRegistration: %v", err)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("delete made %d remote calls", n)
	}
	if _, ok := e.forum.Thread(rec.ThreadID); !ok {
		t.Error("thread should be left in place")
	}
	if _, err := e.reg.Get(ctx, rec.MessageID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("row still present: %v", err)
	}
}

func TestTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Reclaimed{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reclaim from ON_GOING err = %v", err)
	}
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Abandoned{}); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	rec, err := e.rec.ApplyLifecycleEvent(ctx, 7, Reclaimed{})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if rec.Status != status.OnGoing {
		t.Errorf("status = %s, want ON_GOING", rec.Status)
	}
}

func TestTransitions_ReviewNeedsSubmission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.rec.RegisterNewThread(ctx, 8, status.OnGoing, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	e.forum.ResetCalls()
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 8, Approved{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("approve from ON_GOING err = %v, want ErrInvalidTransition", err)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("rejected transition made %d remote calls", n)
	}
	cur, _ := e.reg.LatestByPlot(ctx, 8)
	if cur.Status != status.OnGoing {
		t.Errorf("status = %s, want ON_GOING", cur.Status)
	}

	for _, ev := range []Event{Submitted{}, Approved{}} {
		if _, err := e.rec.ApplyLifecycleEvent(ctx, 8, ev); err != nil {
			t.Fatalf("apply %s: %v", eventName(ev), err)
		}
	}
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 8, Submitted{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("submit after approval err = %v, want ErrInvalidTransition", err)
	}
}

func TestApply_SkipsDeliveredHistoryLine(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	// An earlier attempt reached the forum but not the registry.
	m, _ := e.posted(t, reg.ThreadID)
	m.Info.AppendHistory("2026-03-01: submitted for review")
	nodes, err := layout.NewBuilder(layout.Options{ShowcasePrefix: "plot-"}).Render(m)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	e.forum.SetNodes(reg.ThreadID, nodes)

	fresh := e.reconciler(t)
	if _, err := fresh.ApplyLifecycleEvent(ctx, 7, Submitted{}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	m, _ = e.posted(t, reg.ThreadID)
	want := []string{"2026-03-01: thread opened", "2026-03-01: submitted for review"}
	if !equalStrings(m.Info.History, want) {
		t.Errorf("history = %q, want %q", m.Info.History, want)
	}
}

func TestRejectedFeedback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, err := e.rec.ApplyLifecycleEvent(ctx, 7, Rejected{Feedback: "Roof is missing"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rec.Feedback == nil || *rec.Feedback != "Roof is missing" {
		t.Errorf("returned feedback = %v", rec.Feedback)
	}
	stored, _ := e.reg.Get(ctx, rec.MessageID)
	if stored.Feedback == nil || *stored.Feedback != "Roof is missing" {
		t.Errorf("stored feedback = %v", stored.Feedback)
	}
	m, _ := e.posted(t, rec.ThreadID)
	if m.Status.Feedback != "Feedback: Roof is missing" {
		t.Errorf("shown feedback = %q", m.Status.Feedback)
	}

	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resubmit after rejection err = %v, want ErrInvalidTransition", err)
	}
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Abandoned{}); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	m, _ = e.posted(t, rec.ThreadID)
	if m.Status.Feedback != "" {
		t.Errorf("feedback still shown after leaving REJECTED: %q", m.Status.Feedback)
	}
}

func TestSetFeedback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec, err := e.rec.ApplyLifecycleEvent(ctx, 7, Created{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.rec.SetFeedback(ctx, 7, "Roof is missing"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("feedback on ON_GOING err = %v, want ErrInvalidTransition", err)
	}
	for _, ev := range []Event{Submitted{}, Rejected{Feedback: "Roof is missing"}} {
		if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, ev); err != nil {
			t.Fatalf("apply %s: %v", eventName(ev), err)
		}
	}
	before, _ := e.posted(t, rec.ThreadID)

	got, err := e.rec.SetFeedback(ctx, 7, "Windows too small")
	if err != nil {
		t.Fatalf("SetFeedback: %v", err)
	}
	if got.Status != status.Rejected || got.Feedback == nil || *got.Feedback != "Windows too small" {
		t.Errorf("returned = %+v", got)
	}
	stored, _ := e.reg.Get(ctx, rec.MessageID)
	if stored.Feedback == nil || *stored.Feedback != "Windows too small" {
		t.Errorf("stored feedback = %v", stored.Feedback)
	}
	m, _ := e.posted(t, rec.ThreadID)
	if m.Status.Feedback != "Feedback: Windows too small" {
		t.Errorf("shown feedback = %q", m.Status.Feedback)
	}
	if !equalStrings(m.Info.History, before.Info.History) {
		t.Errorf("history = %q, want unchanged %q", m.Info.History, before.Info.History)
	}

	if _, err := e.rec.SetFeedback(ctx, 7, ""); err != nil {
		t.Fatalf("clear feedback: %v", err)
	}
	stored, _ = e.reg.Get(ctx, rec.MessageID)
	if stored.Feedback != nil {
		t.Errorf("stored feedback = %q, want cleared", *stored.Feedback)
	}
	m, _ = e.posted(t, rec.ThreadID)
	if m.Status.Feedback != "" {
		t.Errorf("shown feedback = %q, want cleared", m.Status.Feedback)
	}
}

func TestLinkOwner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec, err := e.rec.ApplyLifecycleEvent(ctx, 7, Created{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.forum.ResetCalls()

	got, err := e.rec.LinkOwner(ctx, 7, "190000000000000009")
	if err != nil {
		t.Fatalf("LinkOwner: %v", err)
	}
	if got.OwnerPlatformID == nil || *got.OwnerPlatformID != "190000000000000009" {
		t.Errorf("returned owner = %v", got.OwnerPlatformID)
	}
	stored, _ := e.reg.Get(ctx, rec.MessageID)
	if stored.OwnerPlatformID == nil || *stored.OwnerPlatformID != "190000000000000009" {
		t.Errorf("stored owner = %v", stored.OwnerPlatformID)
	}
	m, _ := e.posted(t, rec.ThreadID)
	if m.Info.Owner.Label != "Builder: <@190000000000000009>" {
		t.Errorf("owner label = %q", m.Info.Owner.Label)
	}
	if want := []string{forum.OpEditMessage}; !equalStrings(ops(e.forum.Calls()), want) {
		t.Errorf("calls = %v, want %v", ops(e.forum.Calls()), want)
	}

	// Later events keep the link.
	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Submitted{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m, _ = e.posted(t, rec.ThreadID)
	if m.Info.Owner.Label != "Builder: <@190000000000000009>" {
		t.Errorf("owner label after submit = %q", m.Info.Owner.Label)
	}

	if _, err := e.rec.LinkOwner(ctx, 8, "190000000000000009"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unregistered plot err = %v, want ErrNotFound", err)
	}
	if _, err := e.rec.Archive(ctx, 7, false); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := e.rec.LinkOwner(ctx, 7, "190000000000000010"); !errors.Is(err, ErrSealed) {
		t.Errorf("archived thread err = %v, want ErrSealed", err)
	}
}

func TestSync(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, _, err := e.rec.Sync(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("untracked err = %v, want ErrNotFound", err)
	}
	if _, err := e.rec.RegisterNewThread(ctx, 7, status.OnGoing, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, changed, err := e.rec.Sync(ctx, 7)
	if err != nil || changed {
		t.Fatalf("Sync = changed %v, %v; want unchanged", changed, err)
	}

	e.plots.set(plot(7, status.PlotUnreviewed))
	rec, changed, err := e.rec.Sync(ctx, 7)
	if err != nil || !changed {
		t.Fatalf("Sync = changed %v, %v; want changed", changed, err)
	}
	if rec.Status != status.Finished {
		t.Errorf("status = %s, want FINISHED", rec.Status)
	}

	if _, err := e.rec.ApplyLifecycleEvent(ctx, 7, Approved{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	e.plots.set(plot(7, status.PlotCompleted))
	e.forum.ResetCalls()
	rec, changed, err = e.rec.Sync(ctx, 7)
	if err != nil || changed {
		t.Fatalf("Sync of approved plot = changed %v, %v; want unchanged", changed, err)
	}
	if rec.Status != status.Approved {
		t.Errorf("status = %s, want APPROVED", rec.Status)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("sync of approved thread made %d remote calls", n)
	}
	// A plot reopened after review cannot pull the thread back.
	e.plots.set(plot(7, status.PlotUnfinished))
	if _, changed, err := e.rec.Sync(ctx, 7); err != nil || changed {
		t.Errorf("Sync of reopened approved plot = changed %v, %v", changed, err)
	}

	if _, err := e.rec.Archive(ctx, 7, false); err != nil {
		t.Fatalf("archive: %v", err)
	}
	e.plots.set(plot(7, status.PlotUnfinished))
	e.forum.ResetCalls()
	if _, changed, err := e.rec.Sync(ctx, 7); err != nil || changed {
		t.Errorf("Sync on archived = changed %v, %v", changed, err)
	}
	if n := len(e.forum.Calls()); n != 0 {
		t.Errorf("sync of archived thread made %d remote calls", n)
	}
}

func TestNotReadyWithoutTags(t *testing.T) {
	e := newEnv(t)
	tr, _ := i18n.New("", nil)
	r, err := New(Opts{Forum: e.forum, Registry: e.reg, Plots: e.plots, Translator: tr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Ready() {
		t.Error("Ready before ValidateTags")
	}
	if _, err := r.RegisterNewThread(context.Background(), 7, status.OnGoing, false); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestValidateTags_Missing(t *testing.T) {
	e := newEnv(t)
	tags := forum.StatusTags()
	e.forum.SetTags(tags[:len(tags)-1])
	tr, _ := i18n.New("", nil)
	r, _ := New(Opts{Forum: e.forum, Registry: e.reg, Plots: e.plots, Translator: tr})
	if err := r.ValidateTags(context.Background()); err == nil {
		t.Fatal("expected error for missing tag")
	}
	if r.Ready() {
		t.Error("Ready after failed validation")
	}
}

type slowForum struct {
	*forum.MockForum
}

func (slowForum) ForumTags(ctx context.Context) ([]status.Tag, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestValidateTags_Timeout(t *testing.T) {
	e := newEnv(t)
	tr, _ := i18n.New("", nil)
	r, _ := New(Opts{
		Forum:      slowForum{e.forum},
		Registry:   e.reg,
		Plots:      e.plots,
		Translator: tr,
		TagTimeout: 10 * time.Millisecond,
	})
	err := r.ValidateTags(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCloneMessage_Independent(t *testing.T) {
	orig := layout.Message{
		Info:     &layout.Info{Title: "t", History: []string{"a"}},
		Status:   &layout.Status{Header: "h"},
		Showcase: &layout.Showcase{Images: []string{"x"}},
	}
	c := cloneMessage(orig)
	c.Info.AppendHistory("b")
	c.Status.Header = "changed"
	c.Showcase.Images[0] = "y"
	if len(orig.Info.History) != 1 || orig.Status.Header != "h" || orig.Showcase.Images[0] != "x" {
		t.Errorf("original mutated: %+v %+v %+v", orig.Info, orig.Status, orig.Showcase)
	}
}

func TestStatusColors_CoverEveryStatus(t *testing.T) {
	for _, s := range status.All() {
		if _, ok := statusColors[s]; !ok {
			t.Errorf("no colour for %s", s)
		}
	}
}

func TestSync_AbandonAndReclaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg, err := e.rec.RegisterNewThread(ctx, 8, status.OnGoing, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	e.plots.set(plot(8, status.PlotUnclaimed))
	rec, changed, err := e.rec.Sync(ctx, 8)
	if err != nil || !changed || rec.Status != status.Abandoned {
		t.Fatalf("Sync = %v changed %v, %v; want ABANDONED", rec, changed, err)
	}

	e.plots.set(plot(8, status.PlotUnfinished))
	rec, changed, err = e.rec.Sync(ctx, 8)
	if err != nil || !changed || rec.Status != status.OnGoing {
		t.Fatalf("Sync = %v changed %v, %v; want ON_GOING", rec, changed, err)
	}
	m, _ := e.posted(t, reg.ThreadID)
	if h := m.Info.History; len(h) == 0 || h[len(h)-1] != "2026-03-01: reclaimed" {
		t.Errorf("history = %q, want a reclaimed line last", h)
	}
}

package daqdb

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// fakeConn records every AsyncInsert so the message loop can be exercised
// without a ClickHouse server. All other driver methods are inert.
type fakeConn struct {
	mu      sync.Mutex
	inserts []string
}

func (f *fakeConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, query)
	return nil
}

func (f *fakeConn) countInserts(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.inserts {
		if strings.Contains(q, table) {
			n++
		}
	}
	return n
}

func (f *fakeConn) Contributors() []string                                     { return nil }
func (f *fakeConn) ServerVersion() (*driver.ServerVersion, error)              { return nil, nil }
func (f *fakeConn) Ping(context.Context) error                                 { return nil }
func (f *fakeConn) Stats() driver.Stats                                        { return driver.Stats{} }
func (f *fakeConn) Close() error                                               { return nil }
func (f *fakeConn) QueryRow(context.Context, string, ...any) driver.Row        { return nil }
func (f *fakeConn) Select(context.Context, any, string, ...any) error          { return nil }
func (f *fakeConn) Query(context.Context, string, ...any) (driver.Rows, error) { return nil, nil }
func (f *fakeConn) Exec(context.Context, string, ...any) error                 { return nil }
func (f *fakeConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	return nil, nil
}

func TestDisabledConnectionIsSafe(t *testing.T) {
	db := Disabled()
	if db.IsConnected() {
		t.Fatal("disabled connection claims to be connected")
	}
	// Every record path must be a harmless no-op.
	db.RecordRun(NewRun("DemoSource", 4, 0))
	db.FinishRun(NewRun("DemoSource", 4, 0))
	db.RecordRun(nil)
}

func TestNilConnectionIsSafe(t *testing.T) {
	var db *Connection
	if db.IsConnected() {
		t.Fatal("nil connection claims to be connected")
	}
}

func TestNewIDIsUniqueAndSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if a == b {
		t.Fatal("two IDs collided")
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("ULID lengths %d, %d; want 26", len(a), len(b))
	}
	// ULIDs are lexicographically ordered by creation time.
	if !(a < b) {
		t.Errorf("IDs not time-ordered: %s then %s", a, b)
	}
}

// TestRunRowsSurviveShutdown queues a finished run right before abort closes
// and requires the row to be written: the drain on shutdown must flush every
// queued row before the session end row.
func TestRunRowsSurviveShutdown(t *testing.T) {
	fake := &fakeConn{}
	abort := make(chan struct{})
	db := &Connection{
		conn:    fake,
		session: NewSession("test", "none"),
		runmsg:  make(chan *RunMessage, 8),
		abort:   abort,
	}
	db.Add(1)
	go db.serve(abort)

	run := NewRun("DemoSource", 2, 0)
	db.RecordRun(run)
	db.FinishRun(run)
	close(abort)
	db.Wait()

	if got := fake.countInserts("dataruns"); got != 2 {
		t.Errorf("wrote %d datarun rows, want 2 (start and finish)", got)
	}
	if got := fake.countInserts("sessions"); got != 1 {
		t.Errorf("wrote %d session rows, want 1", got)
	}
}

// TestFinishRunAfterShutdownWritesInline finishes a run once abort has
// already closed. The row must be written on the caller, not parked on a
// goroutine no loop will ever service.
func TestFinishRunAfterShutdownWritesInline(t *testing.T) {
	fake := &fakeConn{}
	abort := make(chan struct{})
	close(abort)
	db := &Connection{
		conn:    fake,
		session: NewSession("test", "none"),
		runmsg:  make(chan *RunMessage), // unbuffered and unserved
		abort:   abort,
	}

	run := NewRun("DemoSource", 1, 0)
	db.FinishRun(run)

	if run.End.IsZero() {
		t.Error("FinishRun did not stamp the end time")
	}
	if got := fake.countInserts("dataruns"); got != 1 {
		t.Errorf("wrote %d datarun rows, want 1", got)
	}
}

func TestSessionMessageFields(t *testing.T) {
	s := NewSession("1.2.3", "abcdef")
	if s.Version != "1.2.3" || s.Githash != "abcdef" {
		t.Errorf("session carries %q/%q", s.Version, s.Githash)
	}
	if s.CPUs < 1 || s.GoVersion == "" || s.Hostname == "" {
		t.Errorf("session missing host facts: %+v", s)
	}
	before := s.End
	time.Sleep(2 * time.Millisecond)
	s.Stamp()
	if !s.End.After(before) {
		t.Error("Stamp did not advance the end time")
	}
}

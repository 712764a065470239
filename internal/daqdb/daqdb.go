// Package daqdb records acquisition sessions and data runs in a ClickHouse
// database. When no database is reachable every operation degrades to a
// no-op, so the daemon runs identically on machines without one.
package daqdb

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "scopedaq"

// timeFormat is how ClickHouse DateTime64 columns want their values.
const timeFormat = "2006-01-02 15:04:05.000000"

// NewID returns a fresh ULID string, the primary key for every table.
func NewID() string {
	return ulid.Make().String()
}

// Connection owns the ClickHouse client and the message loop that feeds it.
// A Connection whose server was unreachable is still usable; its record
// methods silently do nothing.
type Connection struct {
	conn    clickhouse.Conn
	err     error
	session *SessionMessage
	runmsg  chan *RunMessage
	abort   <-chan struct{}
	sync.WaitGroup
}

// IsConnected reports whether the database is reachable and healthy.
func (db *Connection) IsConnected() bool {
	return db != nil && db.conn != nil && db.err == nil
}

// PingServer checks that a ClickHouse server answers, for diagnostics.
func PingServer() error {
	db := dial()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.err)
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// Start dials the server, records the session row, and launches the message
// loop. Close abort to end the session; Wait() then blocks until the final
// row is written.
func Start(session *SessionMessage, abort <-chan struct{}) *Connection {
	db := dial()
	db.session = session
	db.abort = abort
	db.logSession()
	go db.serve(abort)
	return db
}

// Disabled returns a Connection that never touches a database.
func Disabled() *Connection {
	db := &Connection{err: fmt.Errorf("database disabled")}
	return db
}

// dial opens the client using credentials from SCOPEDAQ_DB_USER and
// SCOPEDAQ_DB_PASSWORD. Failures are stored, not returned: the caller gets
// a degraded but safe Connection.
func dial() *Connection {
	db := &Connection{}
	opt := clickhouse.Options{
		Addr: []string{"localhost:9000"},
		Auth: clickhouse.Auth{
			Database: databaseName,
			Username: os.Getenv("SCOPEDAQ_DB_USER"),
			Password: os.Getenv("SCOPEDAQ_DB_PASSWORD"),
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "scopedaq", Version: "unknown"},
			},
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	if err := conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("ClickHouse exception [%d] %s\n%s\n",
				exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage, 8)
	db.Add(1)
	return db
}

func (db *Connection) serve(abort <-chan struct{}) {
	if !db.IsConnected() {
		return
	}
	defer db.Done()
	for {
		select {
		case <-abort:
			// Drain queued run rows before the session end row.
			for {
				select {
				case msg := <-db.runmsg:
					db.insertRun(msg)
				default:
					db.finishSession()
					return
				}
			}
		case msg := <-db.runmsg:
			db.insertRun(msg)
		}
	}
}

// queueRun hands a run row to the message loop, writing it inline once
// shutdown has begun so the row is neither lost nor left on a goroutine that
// can never deliver it.
func (db *Connection) queueRun(msg *RunMessage) {
	select {
	case db.runmsg <- msg:
	case <-db.abort:
		db.insertRun(msg)
	}
}

// RecordRun stores a data-run row. The message loop writes rows in the order
// queued, so the run row exists before any later row references its ID.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.queueRun(msg)
}

// FinishRun stamps the end time and queues the updated row.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.Stamp()
	db.queueRun(msg)
}

func (db *Connection) logSession() {
	if !db.IsConnected() {
		return
	}
	s := db.session
	const nowait = false
	err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		s.ID, s.Hostname, s.Githash, s.Version, s.GoVersion, s.CPUs,
		s.Start.Format(timeFormat), s.End.Format(timeFormat))
	if err != nil {
		fmt.Println("AsyncInsert into sessions failed:", err)
		db.err = err
	}
}

func (db *Connection) finishSession() {
	if db.IsConnected() {
		db.session.Stamp()
		db.logSession()
	}
}

func (db *Connection) insertRun(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO dataruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.session.ID, m.Source, m.Nchannels, m.SampleRate,
		m.ResampleFactor, m.TotalSamples, m.CapturePath,
		m.Start.Format(timeFormat), m.End.Format(timeFormat))
	if err != nil {
		fmt.Println("AsyncInsert into dataruns failed:", err)
		db.err = err
	}
}

// Package trgdb stores run and trigger-window summaries in a ClickHouse database.
package trgdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// TrgDBConnection owns the database connection and the goroutine that
// performs inserts. A connection that failed to open is still usable: every
// Record call becomes a no-op.
type TrgDBConnection struct {
	conn          clickhouse.Conn
	errLock       sync.Mutex
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	windowmsg     chan []*WindowMessage
	sync.WaitGroup
}

const databaseName = "trgecl" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether inserts will reach the server.
func (db *TrgDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that disconnected the database, if any.
func (db *TrgDBConnection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *TrgDBConnection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	db.err = err
}

// PingServer checks that a ClickHouse server answers.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.Err())
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// StartDBConnection connects, records the activity and starts the insert
// goroutine, which stops when abort is closed.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *TrgDBConnection {
	db := createDBConnection()
	db.activityEntry = activity
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns a connection that records nothing.
func DummyDBConnection() *TrgDBConnection {
	return &TrgDBConnection{}
}

func createDBConnection() *TrgDBConnection {
	db := &TrgDBConnection{}
	addr := os.Getenv("TRGECL_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("TRGECL_DB_USER"),
		Password: os.Getenv("TRGECL_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "trgecl", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.runmsg = make(chan *RunMessage)
	db.windowmsg = make(chan []*WindowMessage, 16)
	return db
}

func (db *TrgDBConnection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO trgeclactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into trgeclactivity ", err)
		db.setErr(err)
	}
}

func (db *TrgDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			for pending := true; pending; {
				select {
				case wmsgs := <-db.windowmsg:
					db.handleWindowMessages(wmsgs)
				default:
					pending = false
				}
			}
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case wmsgs := <-db.windowmsg:
			db.handleWindowMessages(wmsgs)
		}
	}
}

// Disconnect stamps the end of the activity and closes the connection.
func (db *TrgDBConnection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
		db.conn.Close()
	}
}

// RecordRun stores a run entry. It blocks until the insert goroutine accepts
// it, so that the run exists before any of its windows. The goroutine gets a
// copy, so the caller may keep updating msg.
func (db *TrgDBConnection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.ActivityID = db.activityEntry.ID
	m := *msg
	db.runmsg <- &m
}

// FinishRun stamps the end time on msg and stores a copy of it.
func (db *TrgDBConnection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	m := *msg
	db.runmsg <- &m
}

// RecordWindows queues the window summaries of one event.
func (db *TrgDBConnection) RecordWindows(msgs []*WindowMessage) {
	if !db.IsConnected() || len(msgs) == 0 {
		return
	}
	db.windowmsg <- msgs
}

func (db *TrgDBConnection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.InputFile, m.Mode, m.FitMethod, m.Seed,
		m.Events, m.Skipped, m.Windows, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.setErr(err)
	}
}

func (db *TrgDBConnection) handleWindowMessages(msgs []*WindowMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	for _, m := range msgs {
		if err := db.conn.AsyncInsert(ctx, `INSERT INTO windows VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
			m.RunID, m.Event, m.Window, m.Timing, m.Word, m.ICN, m.Etot, m.Bhabha, m.Veto,
		); err != nil {
			fmt.Println("Error raised on AsyncInsert into windows ", err)
			db.setErr(err)
			return
		}
	}
}

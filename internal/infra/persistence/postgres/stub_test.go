package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

// stubConn interprets the handful of statements the frame store issues.
type stubConn struct {
	mu       sync.Mutex
	frames   map[string][]byte
	execs    []string
	failPing bool
}

func newStubDB() (*sql.DB, *stubConn) {
	conn := &stubConn{frames: make(map[string][]byte)}
	return sql.OpenDB(stubConnector{conn: conn}), conn
}

type stubConnector struct{ conn *stubConn }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c stubConnector) Driver() driver.Driver                        { return stubDriver{conn: c.conn} }

type stubDriver struct{ conn *stubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }

func (c *stubConn) Ping(context.Context) error {
	if c.failPing {
		return errors.New("ping fail")
	}
	return nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "CREATE TABLE"):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO FRAMES"):
		name, _ := args[0].Value.(string)
		payload, _ := args[1].Value.([]byte)
		c.frames[name] = slices.Clone(payload)
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(upper, "DELETE FROM FRAMES"):
		name, _ := args[0].Value.(string)
		if _, ok := c.frames[name]; !ok {
			return driver.RowsAffected(0), nil
		}
		delete(c.frames, name)
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("unexpected statement: %s", query)
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	upper := strings.ToUpper(query)
	if strings.Contains(upper, "WHERE NAME") {
		name, _ := args[0].Value.(string)
		rows := &stubRows{cols: []string{"payload"}}
		if payload, ok := c.frames[name]; ok {
			rows.rows = [][]driver.Value{{slices.Clone(payload)}}
		}
		return rows, nil
	}
	rows := &stubRows{cols: []string{"name"}}
	for _, name := range slices.Sorted(maps.Keys(c.frames)) {
		rows.rows = append(rows.rows, []driver.Value{name})
	}
	return rows, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

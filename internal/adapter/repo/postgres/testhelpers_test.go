package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Command tags with the rows-affected counts the repos branch on.
var (
	tagOne  = pgconn.NewCommandTag("INSERT 0 1")
	tagZero = pgconn.NewCommandTag("INSERT 0 0")
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed list of scan functions.
type rowsStub struct {
	scans []func(dest ...any) error
	i     int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.i < len(r.scans) {
		r.i++
		return true
	}
	return false
}
func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.i-1](dest...) }
func (r *rowsStub) Values() ([]any, error) { return nil, nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// poolStub implements postgres.PgxPool for tests. Exec tags are consumed in
// call order; the last one sticks. Defined in a shared helper so multiple
// *_test.go files can reuse it without redefs.
type poolStub struct {
	execTags []pgconn.CommandTag
	execErr  error
	execSQL  []string
	row      pgx.Row
	rows     *rowsStub
	queryErr error
	tx       *txStub
	beginErr error
}

func (p *poolStub) nextTag() pgconn.CommandTag {
	if len(p.execTags) == 0 {
		return tagOne
	}
	t := p.execTags[0]
	if len(p.execTags) > 1 {
		p.execTags = p.execTags[1:]
	}
	return t
}

func (p *poolStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	return p.nextTag(), nil
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) Begin(_ context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}

// txStub implements the pgx.Tx methods the repos use; the embedded interface
// panics on anything else, which is what a test wants.
type txStub struct {
	pgx.Tx
	execTags   []pgconn.CommandTag
	execErr    error
	execSQL    []string
	row        pgx.Row
	committed  bool
	rolledBack bool
}

func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	if len(t.execTags) == 0 {
		return tagOne, nil
	}
	tag := t.execTags[0]
	if len(t.execTags) > 1 {
		t.execTags = t.execTags[1:]
	}
	return tag, nil
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if t.row == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no tx row configured") }}
	}
	return t.row
}

func (t *txStub) Commit(_ context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(_ context.Context) error { t.rolledBack = true; return nil }

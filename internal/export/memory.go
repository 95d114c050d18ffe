package export

import (
	"context"
	"maps"
	"sync"
)

// Recorder is a Graph that keeps every statement it is given and answers
// reads from a queue of canned rows.
type Recorder struct {
	mu      sync.Mutex
	writes  []Statement
	reads   []Statement
	answers [][]Row
	fail    error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Fail makes every later call return err. A nil err restores normal behaviour.
func (r *Recorder) Fail(err error) *Recorder {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
	return r
}

// Answer queues rows for the next Read.
func (r *Recorder) Answer(rows ...Row) {
	r.mu.Lock()
	r.answers = append(r.answers, rows)
	r.mu.Unlock()
}

func (r *Recorder) Write(_ context.Context, st Statement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.writes = append(r.writes, snapshot(st))
	return nil
}

func (r *Recorder) Read(_ context.Context, st Statement) ([]Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	r.reads = append(r.reads, snapshot(st))
	if len(r.answers) == 0 {
		return nil, nil
	}
	rows := r.answers[0]
	r.answers = r.answers[1:]
	return rows, nil
}

func (r *Recorder) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail
}

func (r *Recorder) Close(context.Context) error { return nil }

// Writes returns the write statements seen so far, oldest first.
func (r *Recorder) Writes() []Statement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Statement(nil), r.writes...)
}

// Reads returns the read statements seen so far, oldest first.
func (r *Recorder) Reads() []Statement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Statement(nil), r.reads...)
}

func snapshot(st Statement) Statement {
	return Statement{Cypher: st.Cypher, Params: maps.Clone(st.Params)}
}

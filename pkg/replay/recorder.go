// Package replay journals a play session so it can be inspected or
// replayed offline.
//
// A Recorder keeps one JSON object per line: every local input sent, every
// authoritative snapshot received, every reconciliation and the connection
// lifecycle events in between. Flush hands the journal to a Sink, which
// stores it on disk or in S3.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"

	"github.com/colonialwars/cwclient/pkg/predict"
)

// ErrClosed is returned when recording after Flush.
var ErrClosed = errors.New("replay: recorder flushed")

// Kind is the type of a journal entry.
type Kind string

const (
	KindInput     Kind = "input"
	KindSnapshot  Kind = "snapshot"
	KindReconcile Kind = "reconcile"
	KindEvent     Kind = "event"
)

// Entry is one journal line.
type Entry struct {
	Seq  uint64 `json:"seq"`
	Time int64  `json:"t"` // Unix milliseconds
	Kind Kind   `json:"kind"`

	Input     *predict.Input    `json:"input,omitempty"`
	Snapshot  *predict.Snapshot `json:"snapshot,omitempty"`
	Reconcile *Reconcile        `json:"reconcile,omitempty"`
	Event     string            `json:"event,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}

// Reconcile records the outcome of one AcceptAuthoritativeState.
type Reconcile struct {
	Dropped    int     `json:"dropped"`
	Replayed   int     `json:"replayed"`
	Correction float64 `json:"correction"`
}

// Recorder buffers journal entries in memory. It is safe for concurrent use
// and implements predict.Observer.
type Recorder struct {
	id      string
	started time.Time
	now     func() time.Time
	limit   int

	mu      sync.Mutex
	buf     bytes.Buffer
	seq     uint64
	dropped uint64
	closed  bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLimit caps the number of entries kept. Entries past the cap are
// counted in Dropped. Zero means no cap.
func WithLimit(n int) Option {
	return func(r *Recorder) { r.limit = n }
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder returns an empty journal with a random id.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{id: uuid.NewString(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// ID returns the journal id.
func (r *Recorder) ID() string { return r.id }

// Name returns the object name used by sinks.
func (r *Recorder) Name() string {
	return fmt.Sprintf("session-%s-%s.jsonl", r.started.UTC().Format("20060102T150405Z"), r.id)
}

// RecordInput journals a local input.
func (r *Recorder) RecordInput(in predict.Input) error {
	return r.append(Entry{Kind: KindInput, Input: &in})
}

// RecordSnapshot journals an authoritative snapshot.
func (r *Recorder) RecordSnapshot(s predict.Snapshot) error {
	return r.append(Entry{Kind: KindSnapshot, Snapshot: &s})
}

// RecordEvent journals a connection or application event.
func (r *Recorder) RecordEvent(name, detail string) error {
	return r.append(Entry{Kind: KindEvent, Event: name, Detail: detail})
}

// Reconciled implements predict.Observer.
func (r *Recorder) Reconciled(dropped, replayed int, correction float64) {
	_ = r.append(Entry{Kind: KindReconcile, Reconcile: &Reconcile{
		Dropped:    dropped,
		Replayed:   replayed,
		Correction: correction,
	}})
}

func (r *Recorder) append(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.limit > 0 && r.seq >= uint64(r.limit) {
		r.dropped++
		return nil
	}

	r.seq++
	e.Seq = r.seq
	e.Time = r.now().UnixMilli()
	line, err := sonnet.Marshal(e)
	if err != nil {
		return fmt.Errorf("replay: encode entry %d: %w", e.Seq, err)
	}
	r.buf.Write(line)
	r.buf.WriteByte('\n')
	return nil
}

// Len returns the number of entries recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.seq)
}

// Dropped returns the number of entries discarded by the limit.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Bytes returns a copy of the journal so far.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.buf.Bytes())
}

// Flush stops recording and saves the journal to sink. It returns the
// location reported by the sink.
func (r *Recorder) Flush(ctx context.Context, sink Sink) (string, error) {
	r.mu.Lock()
	r.closed = true
	data := bytes.Clone(r.buf.Bytes())
	r.mu.Unlock()

	loc, err := sink.Save(ctx, r.Name(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("replay: save %s: %w", r.Name(), err)
	}
	return loc, nil
}

// ReadEntries decodes a journal.
func ReadEntries(rd io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e Entry
		if err := sonnet.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("replay: line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

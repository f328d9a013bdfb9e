// Package audit implements the append-only, hash-linked record of every
// governance decision.
//
// Each record carries the integrity hash of its predecessor, so editing,
// deleting or reordering any persisted line breaks verification at that
// line. Appends are serialized by a single mutex: the chain has exactly one
// linear history.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aimdrag/internal/domain"
)

// Entry is what a caller asks the chain to record. Sequence, timestamp and
// hashes are assigned by Append.
type Entry struct {
	TraceID      string
	Caller       string
	Declaration  domain.Declaration
	Mode         domain.Mode
	WorkflowName string
	Parameters   map[string]any
	Outcome      domain.Outcome
	Error        string
	Violations   []string
	Duration     *time.Duration
}

type Options struct {
	Checkpoints CheckpointStore
	// TrustCheckpoint skips the full replay at Open when the stored
	// checkpoint matches the sink's last record.
	TrustCheckpoint bool
	Now             func() time.Time
}

type Chain struct {
	sink Sink
	opts Options

	mu    sync.Mutex
	next  uint64
	tail  string
	state error
}

// Verification is the result of replaying the whole chain.
type Verification struct {
	OK       bool    `json:"ok"`
	BrokenAt *uint64 `json:"broken_at_sequence,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Records  uint64  `json:"records"`
	Tail     string  `json:"tail"`
}

// Open resumes a chain from sink. Without a trusted checkpoint the whole log
// is verified; a broken log fails with a *CorruptionError.
func Open(ctx context.Context, sink Sink, opts Options) (*Chain, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Chain{sink: sink, opts: opts, tail: ZeroHash}
	if opts.TrustCheckpoint && opts.Checkpoints != nil {
		cp, ok, err := opts.Checkpoints.Load()
		if err == nil && ok && c.checkpointMatches(cp) {
			c.next, c.tail = cp.Records, cp.Hash
			return c, nil
		}
	}
	v, err := c.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	if !v.OK {
		return nil, &CorruptionError{BrokenAt: *v.BrokenAt, Reason: v.Reason}
	}
	c.next, c.tail = v.Records, v.Tail
	return c, nil
}

func (c *Chain) checkpointMatches(cp Checkpoint) bool {
	last, err := c.sink.Last()
	if err != nil {
		return false
	}
	if cp.Records == 0 {
		return last == nil && cp.Hash == ZeroHash
	}
	if last == nil {
		return false
	}
	rec, err := decodeLine(last)
	if err != nil || rec.Sequence != cp.Records-1 || rec.IntegrityHash != cp.Hash {
		return false
	}
	h, err := IntegrityHash(rec)
	return err == nil && h == rec.IntegrityHash
}

func (c *Chain) prepare(e Entry) (*draft, error) {
	switch e.Outcome {
	case domain.OutcomeAdmitted, domain.OutcomeRejected, domain.OutcomeSuccess, domain.OutcomeFailure:
	default:
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidEntry, e.Outcome)
	}
	if e.TraceID == "" {
		return nil, fmt.Errorf("%w: trace id required", ErrInvalidEntry)
	}
	params, err := normalizeParameters(e.Parameters)
	if err != nil {
		return nil, err
	}
	rec := domain.AuditRecord{
		TraceID:      e.TraceID,
		Caller:       e.Caller,
		Declaration:  e.Declaration,
		Mode:         e.Mode,
		WorkflowName: e.WorkflowName,
		Parameters:   params,
		Outcome:      e.Outcome,
		Error:        e.Error,
		Violations:   append([]string(nil), e.Violations...),
	}
	if e.Duration != nil {
		if *e.Duration < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrInvalidEntry)
		}
		ms := e.Duration.Milliseconds()
		rec.DurationMS = &ms
	}
	return newDraft(rec)
}

// Append commits one record. Cancellation is honoured only until a sequence
// number is reserved; after that the write always runs to completion. On a
// failed write neither the sequence nor the tail moves, so a retry produces
// the same prev_hash. Serialization happens before the lock is taken.
func (c *Chain) Append(ctx context.Context, e Entry) (domain.AuditRecord, error) {
	d, err := c.prepare(e)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.AuditRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil {
		return domain.AuditRecord{}, c.state
	}
	if err := ctx.Err(); err != nil {
		return domain.AuditRecord{}, err
	}

	rec, line, err := d.seal(c.next, c.opts.Now().UTC(), c.tail)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	if err := c.sink.Append(line); err != nil {
		if !errors.Is(err, ErrSinkUnavailable) {
			err = sinkError("append", err)
		}
		return domain.AuditRecord{}, err
	}
	c.next++
	c.tail = rec.IntegrityHash
	return rec, nil
}

var errStopReplay = errors.New("stop replay")

// VerifyChain replays every record from the start. A broken chain is reported
// in the result and also marks an open chain corrupted so no further appends
// are accepted. A final line without its newline is a torn record and counts
// as broken at its position.
func (c *Chain) VerifyChain(ctx context.Context) (Verification, error) {
	prev := ZeroHash
	var n uint64
	var reason string
	broken := false
	err := c.sink.Replay(func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := decodeLine(line)
		switch {
		case err != nil:
			reason = err.Error()
		case rec.Sequence != n:
			reason = fmt.Sprintf("sequence %d found at position %d", rec.Sequence, n)
		case rec.PrevHash != prev:
			reason = "prev_hash does not match the previous record"
		default:
			h, herr := IntegrityHash(rec)
			if herr != nil {
				reason = herr.Error()
			} else if h != rec.IntegrityHash {
				reason = "integrity_hash mismatch"
			}
		}
		if reason != "" {
			broken = true
			return errStopReplay
		}
		prev = rec.IntegrityHash
		n++
		return nil
	})
	if errors.Is(err, errTornRecord) {
		broken, reason = true, err.Error()
	} else if err != nil && !errors.Is(err, errStopReplay) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Verification{}, ctxErr
		}
		if errors.Is(err, ErrSinkUnavailable) {
			return Verification{}, err
		}
		return Verification{}, sinkError("replay", err)
	}
	if broken {
		at := n
		c.mu.Lock()
		if !errors.Is(c.state, ErrClosed) {
			c.state = &CorruptionError{BrokenAt: at, Reason: reason}
		}
		c.mu.Unlock()
		return Verification{OK: false, BrokenAt: &at, Reason: reason, Records: n, Tail: prev}, nil
	}
	return Verification{OK: true, Records: n, Tail: prev}, nil
}

// Tail returns the position after the last committed record.
func (c *Chain) Tail() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Checkpoint{Records: c.next, Hash: c.tail}
}

// Err reports why the chain refuses appends, or nil when it is healthy.
func (c *Chain) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Filter selects records during a replay. Zero fields match everything.
type Filter struct {
	TraceID  string
	Outcome  domain.Outcome
	Mode     domain.Mode
	Workflow string
	// Limit keeps only the most recent matches when positive.
	Limit int
}

func (f Filter) match(r domain.AuditRecord) bool {
	return (f.TraceID == "" || r.TraceID == f.TraceID) &&
		(f.Outcome == "" || r.Outcome == f.Outcome) &&
		(f.Mode == "" || r.Mode == f.Mode) &&
		(f.Workflow == "" || r.WorkflowName == f.Workflow)
}

// Records replays the log and returns matching records, oldest first.
func (c *Chain) Records(ctx context.Context, f Filter) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	var pos uint64
	err := c.sink.Replay(func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := decodeLine(line)
		if err != nil {
			return &CorruptionError{BrokenAt: pos, Reason: err.Error()}
		}
		pos++
		if f.match(rec) {
			out = append(out, rec)
			if f.Limit > 0 && len(out) > f.Limit {
				out = out[1:]
			}
		}
		return nil
	})
	if errors.Is(err, errTornRecord) {
		return nil, &CorruptionError{BrokenAt: pos, Reason: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup returns the most recent record for a trace.
func (c *Chain) Lookup(ctx context.Context, traceID string) (domain.AuditRecord, bool, error) {
	recs, err := c.Records(ctx, Filter{TraceID: traceID, Limit: 1})
	if err != nil || len(recs) == 0 {
		return domain.AuditRecord{}, false, err
	}
	return recs[0], true, nil
}

// Close persists the checkpoint and closes the sink. It waits for any
// in-flight append; later appends fail with ErrClosed.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.state, ErrClosed) {
		return nil
	}
	var errs []error
	if c.opts.Checkpoints != nil && c.state == nil {
		if err := c.opts.Checkpoints.Save(Checkpoint{Records: c.next, Hash: c.tail}); err != nil {
			errs = append(errs, fmt.Errorf("save checkpoint: %w", err))
		}
	}
	if err := c.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	c.state = ErrClosed
	return errors.Join(errs...)
}

// Package audit provides the tamper-evident, append-only decision log.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/veloxtrade/riskcore/errs"
)

// Kind classifies what an audit entry records.
type Kind string

const (
	// KindEVDecision records an EV gate decision.
	KindEVDecision Kind = "ev_decision"
	// KindOrderState records an order lifecycle transition.
	KindOrderState Kind = "order_state"
	// KindFill records an execution fill.
	KindFill Kind = "fill"
	// KindRiskState records a risk-state change (trips, resets).
	KindRiskState Kind = "risk_state"
	// KindRiskDenial records an intent denied by the risk engine.
	KindRiskDenial Kind = "risk_denial"
	// KindAnomaly records a detected anomaly.
	KindAnomaly Kind = "anomaly"
	// KindReconciliation records a reconciliation report.
	KindReconciliation Kind = "reconciliation"
)

// Entry is one link of the hash chain. The hash commits to the previous
// entry's hash and the canonical payload, so any retroactive edit breaks
// verification from that point forward.
type Entry struct {
	Seq      uint64    `json:"seq"`
	Kind     Kind      `json:"kind"`
	Payload  []byte    `json:"payload"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
	At       time.Time `json:"at"`
}

// Store persists audit entries. Append is insert-only; implementations must
// never update an existing row.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, fromSeq uint64) ([]Entry, error)
	Last(ctx context.Context) (Entry, bool, error)
}

// envelope is the hashed payload shape: the kind travels inside the hashed
// bytes so retagging an entry is as detectable as editing its data.
type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type appendRequest struct {
	kind Kind
	data []byte
	resp chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

// Log serializes all appends through one writer goroutine, guaranteeing
// hash-chain ordering under concurrent producers.
type Log struct {
	store Store
	clock func() time.Time

	requests chan appendRequest
	done     chan struct{}
	once     sync.Once
}

// Open loads the chain tail from the store and starts the writer.
func Open(ctx context.Context, store Store) (*Log, error) {
	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, errs.New("audit", errs.CodeUnavailable,
			errs.WithMessage("load chain tail"), errs.WithCause(err))
	}
	l := &Log{
		store:    store,
		clock:    time.Now,
		requests: make(chan appendRequest, 64),
		done:     make(chan struct{}),
	}
	seq := uint64(0)
	prev := ""
	if ok {
		seq = last.Seq
		prev = last.Hash
	}
	go l.writer(seq, prev)
	return l, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	if clock != nil {
		l.clock = clock
	}
	return l
}

// Append records payload under the given kind and returns the sealed entry.
// Payloads are canonically encoded before hashing.
func (l *Log) Append(ctx context.Context, kind Kind, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, errs.New("audit", errs.CodeValidation,
			errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	req := appendRequest{
		kind: kind,
		data: data,
		resp: make(chan appendResult, 1),
	}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return Entry{}, errs.New("audit", errs.CodeUnavailable,
			errs.WithMessage("append canceled"), errs.WithCause(ctx.Err()))
	case <-l.done:
		return Entry{}, errs.New("audit", errs.CodeUnavailable, errs.WithMessage("log closed"))
	}
	select {
	case result := <-req.resp:
		return result.entry, result.err
	case <-l.done:
		return Entry{}, errs.New("audit", errs.CodeUnavailable, errs.WithMessage("log closed"))
	}
}

// Close stops the writer. Pending appends fail with CodeUnavailable.
func (l *Log) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Log) writer(seq uint64, prevHash string) {
	for {
		select {
		case <-l.done:
			return
		case req := <-l.requests:
			wrapped, err := json.Marshal(envelope{Kind: req.kind, Data: req.data})
			if err != nil {
				req.resp <- appendResult{err: err}
				continue
			}
			entry := Entry{
				Seq:      seq + 1,
				Kind:     req.kind,
				Payload:  wrapped,
				PrevHash: prevHash,
				Hash:     chainHash(prevHash, wrapped),
				At:       l.clock(),
			}
			// Persistence failures must not advance the chain.
			if err := l.store.Append(context.Background(), entry); err != nil {
				req.resp <- appendResult{err: errs.New("audit", errs.CodeUnavailable,
					errs.WithMessage("persist entry"), errs.WithCause(err))}
				continue
			}
			seq = entry.Seq
			prevHash = entry.Hash
			req.resp <- appendResult{entry: entry}
		}
	}
}

func chainHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks the full persisted chain recomputing every hash. It
// returns ok=false and the sequence number of the first broken entry when
// the chain has been reordered, truncated in the middle, or rewritten.
func VerifyChain(ctx context.Context, store Store) (bool, uint64, error) {
	entries, err := store.Entries(ctx, 0)
	if err != nil {
		return false, 0, err
	}
	prevHash := ""
	expectedSeq := uint64(1)
	for _, entry := range entries {
		if entry.Seq != expectedSeq {
			return false, entry.Seq, nil
		}
		if entry.PrevHash != prevHash {
			return false, entry.Seq, nil
		}
		if chainHash(prevHash, entry.Payload) != entry.Hash {
			return false, entry.Seq, nil
		}
		prevHash = entry.Hash
		expectedSeq++
	}
	return true, 0, nil
}

// Decode unpacks an entry's payload into out and returns its kind.
func Decode(entry Entry, out any) (Kind, error) {
	var env envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return "", errs.New("audit", errs.CodeValidation,
			errs.WithMessage("decode envelope"), errs.WithCause(err))
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env.Kind, errs.New("audit", errs.CodeValidation,
				errs.WithMessage("decode payload"), errs.WithCause(err))
		}
	}
	return env.Kind, nil
}

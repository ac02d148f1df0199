package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceManager globally serializes sequence-number issuance per signer. All
// five keeper loops settle through the same signer, so whichever loop fires
// first acquires the signer's lease and the others block until it is
// released; no two settlement plans can interleave their sequences.
type NonceManager struct {
	client Client

	mu      sync.Mutex
	signers map[common.Address]*signerState
}

type signerState struct {
	sem         chan struct{} // capacity 1: the signer's issuance lock
	next        uint64
	initialized bool
}

func NewNonceManager(client Client) *NonceManager {
	return &NonceManager{
		client:  client,
		signers: make(map[common.Address]*signerState),
	}
}

func (m *NonceManager) state(signer common.Address) *signerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.signers[signer]
	if !ok {
		st = &signerState{sem: make(chan struct{}, 1)}
		m.signers[signer] = st
	}
	return st
}

// Lease grants exclusive sequence issuance for one signer. Exactly one of
// Commit, Rollback, or Desync must be called to release it.
type Lease struct {
	signer common.Address
	st     *signerState
	cursor uint64
	done   bool
}

// Acquire blocks until the signer is free (or ctx is cancelled), querying
// the ledger for the signer's next sequence on first use.
func (m *NonceManager) Acquire(ctx context.Context, signer common.Address) (*Lease, error) {
	st := m.state(signer)

	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !st.initialized {
		seq, err := m.client.Sequence(ctx, signer)
		if err != nil {
			<-st.sem
			return nil, err
		}
		st.next = seq
		st.initialized = true
	}

	return &Lease{signer: signer, st: st, cursor: st.next}, nil
}

// Next hands out the next sequence number, incrementing by one per call.
func (l *Lease) Next() uint64 {
	seq := l.cursor
	l.cursor++
	return seq
}

// Commit advances the signer's counter past every issued number and
// releases the lease. Call after all issued sequences were submitted.
func (l *Lease) Commit() {
	if l.done {
		return
	}
	l.st.next = l.cursor
	l.release()
}

// Rollback releases the lease without consuming any sequence numbers. Call
// when nothing was submitted.
func (l *Lease) Rollback() {
	if l.done {
		return
	}
	l.release()
}

// Desync releases the lease and forces a fresh ledger query on the next
// Acquire. Call when the on-ledger sequence state is unknown, e.g. a submit
// failed mid-plan after earlier calls landed.
func (l *Lease) Desync() {
	if l.done {
		return
	}
	l.st.initialized = false
	l.release()
}

func (l *Lease) release() {
	l.done = true
	<-l.st.sem
}

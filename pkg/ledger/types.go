// Package ledger models the execution backend at its call boundary: encoded
// calls submitted under per-signer sequence numbers, with finality receipts.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is one ledger-mutating call. Sequence is caller-assigned and must be
// strictly increasing per signer.
type Call struct {
	Target    common.Address `json:"target"`
	Data      []byte         `json:"data"`
	Value     *big.Int       `json:"value"`
	GasBudget uint64         `json:"gasBudget"`
	Sequence  uint64         `json:"sequence"`
}

// SigningBytes is the deterministic encoding the keeper signs:
// signer || target || value || gasBudget || sequence || data.
func (c *Call) SigningBytes(signer common.Address) []byte {
	value := c.Value
	if value == nil {
		value = big.NewInt(0)
	}
	buf := make([]byte, 0, 40+len(c.Data)+32)
	buf = append(buf, signer.Bytes()...)
	buf = append(buf, c.Target.Bytes()...)
	buf = append(buf, value.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, c.GasBudget)
	buf = binary.BigEndian.AppendUint64(buf, c.Sequence)
	buf = append(buf, c.Data...)
	return buf
}

// Handle identifies a submitted call while it awaits finality.
type Handle string

// Receipt is the finality result of one submitted call.
type Receipt struct {
	Handle  Handle `json:"handle"`
	Success bool   `json:"success"`
	GasUsed uint64 `json:"gasUsed"`
	Error   string `json:"error,omitempty"`
}

// Client is the ledger collaborator contract.
type Client interface {
	// Submit sends a signed call and returns a submission handle.
	Submit(ctx context.Context, signer common.Address, call Call, signature []byte) (Handle, error)

	// AwaitFinality blocks until the call's receipt is final.
	AwaitFinality(ctx context.Context, handle Handle) (*Receipt, error)

	// Sequence returns the signer's next expected sequence number.
	Sequence(ctx context.Context, signer common.Address) (uint64, error)
}

// TransportError marks the ledger as unreachable; callers retry with backoff
// or on the next poll tick.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

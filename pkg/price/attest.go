package price

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/util"
)

// Attestation is a signed price proof attached to any ledger call that needs
// one on-ledger.
type Attestation struct {
	Symbol    string    `json:"symbol"`
	Price     int64     `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"` // hex, 65 bytes
}

// Attestor signs price attestations with the keeper key. The attested
// timestamp is stamped drift behind the local clock so the ledger's time
// source never sees a timestamp from its future.
type Attestor struct {
	signer *crypto.Signer
	clock  util.Clock
	drift  time.Duration
}

func NewAttestor(signer *crypto.Signer, clock util.Clock, drift time.Duration) *Attestor {
	return &Attestor{signer: signer, clock: clock, drift: drift}
}

// Attest signs {symbol, price, now-drift}.
func (a *Attestor) Attest(symbol string, price int64) (*Attestation, error) {
	ts := a.clock.Now().Add(-a.drift)

	sig, err := a.signer.SignMessage(attestationMessage(symbol, price, ts))
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}

	return &Attestation{
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts,
		Signature: hexutil.Encode(sig),
	}, nil
}

// attestationMessage is the deterministic byte encoding that is hashed and
// signed: symbol bytes, then big-endian price and unix timestamp.
func attestationMessage(symbol string, price int64, ts time.Time) []byte {
	buf := make([]byte, 0, len(symbol)+16)
	buf = append(buf, symbol...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(price))
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.Unix()))
	return buf
}

// VerifyAttestation checks an attestation against the expected signer.
func VerifyAttestation(att *Attestation, signer *crypto.Signer) (bool, error) {
	sig, err := hexutil.Decode(att.Signature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}
	msg := attestationMessage(att.Symbol, att.Price, att.Timestamp)
	return crypto.VerifySignature(signer.Address(), crypto.HashMessage(msg), sig), nil
}

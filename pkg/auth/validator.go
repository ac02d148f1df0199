// Package auth verifies that an order was authorized either directly by its
// owner or via a bounded, revocable session key. Every check fails closed:
// a verification error is reported as an invalid result with a reason, never
// propagated as a panic or a pass.
package auth

import (
	"fmt"
	"math/big"

	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

// ValidationError is a typed rejection with a machine-distinguishable reason.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "auth: " + e.Reason
	}
	return fmt.Sprintf("auth: %s (%s)", e.Reason, e.Detail)
}

// Rejection reasons.
const (
	ReasonMissingSignature   = "missing_signature"
	ReasonMalformedSignature = "malformed_signature"
	ReasonSignerMismatch     = "signer_mismatch"
	ReasonSessionExpired     = "session_key_expired"
	ReasonSessionWrongOwner  = "session_owner_mismatch"
	ReasonSessionBadGrant    = "session_grant_not_signed_by_owner"
	ReasonDelegateMismatch   = "order_not_signed_by_delegate"
)

func invalid(reason, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validator checks order authorization against the configured EIP-712
// domain, which binds signatures to one chain and target contract.
type Validator struct {
	eip712 *crypto.EIP712Signer
	clock  util.Clock
}

func NewValidator(domain crypto.EIP712Domain, clock util.Clock) *Validator {
	return &Validator{
		eip712: crypto.NewEIP712Signer(domain),
		clock:  clock,
	}
}

// ValidateOrder dispatches to the direct or delegated path depending on
// whether the order carries a session credential. A nil return means valid.
func (v *Validator) ValidateOrder(o *store.Order) error {
	if o.Session != nil {
		return v.validateDelegated(o)
	}
	return v.validateDirect(o)
}

// validateDirect recovers the signer from the order's typed-data digest and
// requires it to equal the owner.
func (v *Validator) validateDirect(o *store.Order) error {
	if len(o.Signature) == 0 {
		return invalid(ReasonMissingSignature, "order %s", o.ID)
	}

	signer, err := v.eip712.RecoverOrderSigner(orderTypedData(o), o.Signature)
	if err != nil {
		return invalid(ReasonMalformedSignature, "order %s: %v", o.ID, err)
	}
	if signer != o.Owner {
		return invalid(ReasonSignerMismatch, "order %s: recovered %s, owner %s",
			o.ID, signer.Hex(), o.Owner.Hex())
	}
	return nil
}

// validateDelegated checks the session key's expiry and ownership, then the
// owner's grant signature, then the delegate's signature over the order.
func (v *Validator) validateDelegated(o *store.Order) error {
	sk := o.Session

	if !sk.ExpiresAt.After(v.clock.Now()) {
		return invalid(ReasonSessionExpired, "order %s: expired %s", o.ID, sk.ExpiresAt)
	}
	if sk.Owner != o.Owner {
		return invalid(ReasonSessionWrongOwner, "order %s: session owner %s, order owner %s",
			o.ID, sk.Owner.Hex(), o.Owner.Hex())
	}

	grant := &crypto.SessionAuthEIP712{
		Delegate:  sk.Delegate,
		Owner:     sk.Owner,
		ExpiresAt: big.NewInt(sk.ExpiresAt.Unix()),
	}
	grantSigner, err := v.eip712.RecoverSessionAuthSigner(grant, sk.OwnerAuthSig)
	if err != nil {
		return invalid(ReasonMalformedSignature, "order %s: session grant: %v", o.ID, err)
	}
	if grantSigner != sk.Owner {
		return invalid(ReasonSessionBadGrant, "order %s: grant signed by %s, want %s",
			o.ID, grantSigner.Hex(), sk.Owner.Hex())
	}

	if len(o.Signature) == 0 {
		return invalid(ReasonMissingSignature, "order %s", o.ID)
	}
	orderSigner, err := v.eip712.RecoverOrderSigner(orderTypedData(o), o.Signature)
	if err != nil {
		return invalid(ReasonMalformedSignature, "order %s: %v", o.ID, err)
	}
	if orderSigner != sk.Delegate {
		return invalid(ReasonDelegateMismatch, "order %s: signed by %s, delegate %s",
			o.ID, orderSigner.Hex(), sk.Delegate.Hex())
	}
	return nil
}

// orderTypedData maps a store order onto its EIP-712 signing view.
func orderTypedData(o *store.Order) *crypto.OrderEIP712 {
	windowStart := int64(0)
	if !o.WindowStart.IsZero() {
		windowStart = o.WindowStart.Unix()
	}
	windowEnd := int64(0)
	if !o.WindowEnd.IsZero() {
		windowEnd = o.WindowEnd.Unix()
	}

	return &crypto.OrderEIP712{
		Symbol:       o.Symbol,
		Kind:         uint8(o.Kind),
		Side:         uint8(o.Side),
		TriggerPrice: big.NewInt(o.TriggerPrice),
		Collateral:   big.NewInt(o.Collateral),
		Leverage:     uint8(o.Leverage),
		WindowStart:  big.NewInt(windowStart),
		WindowEnd:    big.NewInt(windowEnd),
		Nonce:        new(big.Int).SetUint64(o.Nonce),
		Owner:        o.Owner,
	}
}

// OrderTypedData exposes the signing view for clients (cmd/sign-order, API).
func OrderTypedData(o *store.Order) *crypto.OrderEIP712 {
	return orderTypedData(o)
}

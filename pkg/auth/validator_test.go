package auth

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

type authRig struct {
	validator *Validator
	eip712    *crypto.EIP712Signer
	clock     *util.ManualClock
	owner     *crypto.Signer
	delegate  *crypto.Signer
}

func newAuthRig(t *testing.T) *authRig {
	t.Helper()
	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate owner key: %v", err)
	}
	delegate, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate delegate key: %v", err)
	}
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	domain := crypto.DefaultDomain()
	return &authRig{
		validator: NewValidator(domain, clock),
		eip712:    crypto.NewEIP712Signer(domain),
		clock:     clock,
		owner:     owner,
		delegate:  delegate,
	}
}

func (r *authRig) order() *store.Order {
	return &store.Order{
		ID:           "o1",
		Owner:        r.owner.Address(),
		Kind:         store.LimitOpen,
		Symbol:       "BTC",
		Side:         store.Long,
		TriggerPrice: 50000,
		Collateral:   100000,
		Leverage:     10,
		Nonce:        1,
	}
}

func (r *authRig) signDirect(t *testing.T, o *store.Order, key *crypto.Signer) {
	t.Helper()
	sig, err := r.eip712.SignOrder(key, OrderTypedData(o))
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}
	o.Signature = sig
}

func (r *authRig) session(t *testing.T, expiresAt time.Time, grantKey *crypto.Signer) *store.SessionKey {
	t.Helper()
	grantSig, err := r.eip712.SignSessionAuth(grantKey, &crypto.SessionAuthEIP712{
		Delegate:  r.delegate.Address(),
		Owner:     r.owner.Address(),
		ExpiresAt: big.NewInt(expiresAt.Unix()),
	})
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	return &store.SessionKey{
		Delegate:     r.delegate.Address(),
		Owner:        r.owner.Address(),
		ExpiresAt:    expiresAt,
		OwnerAuthSig: grantSig,
	}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	return ve.Reason
}

func TestValidateDirect(t *testing.T) {
	r := newAuthRig(t)

	t.Run("valid", func(t *testing.T) {
		o := r.order()
		r.signDirect(t, o, r.owner)
		if err := r.validator.ValidateOrder(o); err != nil {
			t.Errorf("valid order rejected: %v", err)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		o := r.order()
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonMissingSignature {
			t.Errorf("reason = %s, want %s", got, ReasonMissingSignature)
		}
	})

	t.Run("malformed signature", func(t *testing.T) {
		o := r.order()
		o.Signature = []byte{0x01, 0x02}
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonMalformedSignature {
			t.Errorf("reason = %s, want %s", got, ReasonMalformedSignature)
		}
	})

	t.Run("signed by someone else", func(t *testing.T) {
		o := r.order()
		r.signDirect(t, o, r.delegate)
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonSignerMismatch {
			t.Errorf("reason = %s, want %s", got, ReasonSignerMismatch)
		}
	})

	t.Run("signature over different fields", func(t *testing.T) {
		o := r.order()
		r.signDirect(t, o, r.owner)
		o.TriggerPrice++ // mutate after signing
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonSignerMismatch {
			t.Errorf("reason = %s, want %s", got, ReasonSignerMismatch)
		}
	})
}

func TestValidateDelegated(t *testing.T) {
	r := newAuthRig(t)
	future := r.clock.Now().Add(24 * time.Hour)

	t.Run("valid session order", func(t *testing.T) {
		o := r.order()
		o.Session = r.session(t, future, r.owner)
		r.signDirect(t, o, r.delegate)
		if err := r.validator.ValidateOrder(o); err != nil {
			t.Errorf("valid session order rejected: %v", err)
		}
	})

	t.Run("expired session", func(t *testing.T) {
		o := r.order()
		o.Session = r.session(t, r.clock.Now().Add(-time.Minute), r.owner)
		r.signDirect(t, o, r.delegate)
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonSessionExpired {
			t.Errorf("reason = %s, want %s", got, ReasonSessionExpired)
		}
	})

	t.Run("expiry boundary fails closed", func(t *testing.T) {
		// ExpiresAt exactly now is already expired.
		o := r.order()
		o.Session = r.session(t, r.clock.Now(), r.owner)
		r.signDirect(t, o, r.delegate)
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonSessionExpired {
			t.Errorf("reason = %s, want %s", got, ReasonSessionExpired)
		}
	})

	t.Run("session owner differs from order owner", func(t *testing.T) {
		o := r.order()
		o.Session = r.session(t, future, r.owner)
		o.Session.Owner = r.delegate.Address()
		r.signDirect(t, o, r.delegate)
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonSessionWrongOwner {
			t.Errorf("reason = %s, want %s", got, ReasonSessionWrongOwner)
		}
	})

	t.Run("grant not signed by owner", func(t *testing.T) {
		o := r.order()
		o.Session = r.session(t, future, r.delegate) // delegate self-granting
		r.signDirect(t, o, r.delegate)
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonSessionBadGrant {
			t.Errorf("reason = %s, want %s", got, ReasonSessionBadGrant)
		}
	})

	t.Run("order not signed by delegate", func(t *testing.T) {
		o := r.order()
		o.Session = r.session(t, future, r.owner)
		r.signDirect(t, o, r.owner) // owner signed, but the session names the delegate
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonDelegateMismatch {
			t.Errorf("reason = %s, want %s", got, ReasonDelegateMismatch)
		}
	})

	t.Run("missing order signature", func(t *testing.T) {
		o := r.order()
		o.Session = r.session(t, future, r.owner)
		if got := reasonOf(t, r.validator.ValidateOrder(o)); got != ReasonMissingSignature {
			t.Errorf("reason = %s, want %s", got, ReasonMissingSignature)
		}
	})
}

// A signature bound to one domain must not validate under another: chain id
// and verifying contract are part of the digest.
func TestDomainBindsSignature(t *testing.T) {
	r := newAuthRig(t)

	o := r.order()
	r.signDirect(t, o, r.owner)

	otherDomain := crypto.DefaultDomain()
	otherDomain.ChainID = big.NewInt(9999)
	otherValidator := NewValidator(otherDomain, r.clock)

	if err := otherValidator.ValidateOrder(o); err == nil {
		t.Error("signature accepted under a different domain")
	}
}

package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the domain separator for typed-data signing.
// Binds signatures to one chain and one target contract so an order signed
// for venue A cannot be replayed against venue B.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// OrderEIP712 is the typed-data view of a keeper order: the exact fields a
// wallet signs. Field order must stay in sync with orderTypes below.
type OrderEIP712 struct {
	Symbol       string
	Kind         uint8 // order kind (limit open, stop loss, ...)
	Side         uint8 // 1 = long, 2 = short
	TriggerPrice *big.Int
	Collateral   *big.Int
	Leverage     uint8
	WindowStart  *big.Int // unix seconds, 0 = no window
	WindowEnd    *big.Int
	Nonce        *big.Int
	Owner        common.Address
}

// SessionAuthEIP712 is the canonical "authorize delegate until T" message an
// owner signs to grant a session key.
type SessionAuthEIP712 struct {
	Delegate  common.Address
	Owner     common.Address
	ExpiresAt *big.Int // unix seconds
}

// EIP712Signer hashes and signs typed data for orders and session grants.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the keeper's default signing domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "OpenPerp",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

var domainTypes = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderTypes = []apitypes.Type{
	{Name: "symbol", Type: "string"},
	{Name: "kind", Type: "uint8"},
	{Name: "side", Type: "uint8"},
	{Name: "triggerPrice", Type: "uint256"},
	{Name: "collateral", Type: "uint256"},
	{Name: "leverage", Type: "uint8"},
	{Name: "windowStart", Type: "uint256"},
	{Name: "windowEnd", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

var sessionAuthTypes = []apitypes.Type{
	{Name: "delegate", Type: "address"},
	{Name: "owner", Type: "address"},
	{Name: "expiresAt", Type: "uint256"},
}

func (e *EIP712Signer) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

func (e *EIP712Signer) digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// HashOrder hashes an order per EIP-712 and returns the digest to sign.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"Order":        orderTypes,
		},
		PrimaryType: "Order",
		Domain:      e.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"symbol":       order.Symbol,
			"kind":         fmt.Sprintf("%d", order.Kind),
			"side":         fmt.Sprintf("%d", order.Side),
			"triggerPrice": order.TriggerPrice.String(),
			"collateral":   order.Collateral.String(),
			"leverage":     fmt.Sprintf("%d", order.Leverage),
			"windowStart":  order.WindowStart.String(),
			"windowEnd":    order.WindowEnd.String(),
			"nonce":        order.Nonce.String(),
			"owner":        order.Owner.Hex(),
		},
	}
	return e.digest(typedData)
}

// HashSessionAuth hashes the session-key grant message.
func (e *EIP712Signer) HashSessionAuth(auth *SessionAuthEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"SessionAuth":  sessionAuthTypes,
		},
		PrimaryType: "SessionAuth",
		Domain:      e.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"delegate":  auth.Delegate.Hex(),
			"owner":     auth.Owner.Hex(),
			"expiresAt": auth.ExpiresAt.String(),
		},
	}
	return e.digest(typedData)
}

// SignOrder signs an order and returns the 65-byte signature.
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.Sign(hash)
}

// SignSessionAuth signs a session-key grant with the owner's key.
func (e *EIP712Signer) SignSessionAuth(signer *Signer, auth *SessionAuthEIP712) ([]byte, error) {
	hash, err := e.HashSessionAuth(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to hash session auth: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverOrderSigner recovers the address that signed an order.
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// RecoverSessionAuthSigner recovers the address that signed a session grant.
func (e *EIP712Signer) RecoverSessionAuthSigner(auth *SessionAuthEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashSessionAuth(auth)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash session auth: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// sign-order is a development tool: it generates keys, signs a sample order
// directly and through a session key, and prints the signed payloads as JSON.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/openperp/keeper/pkg/auth"
	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

func main() {
	fmt.Println("Generating owner keypair...")
	owner, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Owner Address: %s\n", owner.Address().Hex())
	fmt.Printf("Owner Private Key: %s (KEEP SECRET!)\n\n", owner.PrivateKeyHex())

	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain())

	// ---- Direct-signed order ----
	order := &store.Order{
		ID:           "demo-order",
		Owner:        owner.Address(),
		Kind:         store.LimitOpen,
		Symbol:       "BTC",
		Side:         store.Long,
		TriggerPrice: 50_000_00,
		Collateral:   1_000_00,
		Leverage:     10,
		Nonce:        1,
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Symbol: %s\n", order.Symbol)
	fmt.Printf("  Kind: %s\n", order.Kind)
	fmt.Printf("  Side: %s\n", order.Side)
	fmt.Printf("  Trigger Price: %d\n", order.TriggerPrice)
	fmt.Printf("  Collateral: %d\n", order.Collateral)
	fmt.Printf("  Leverage: %dx\n", order.Leverage)
	fmt.Printf("  Owner: %s\n\n", order.Owner.Hex())

	sig, err := eip712.SignOrder(owner, auth.OrderTypedData(order))
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	order.Signature = sig
	fmt.Printf("Direct Signature: 0x%x\n\n", sig)

	// ---- Session-key signed order ----
	fmt.Println("Generating session keypair...")
	delegate, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session Address: %s\n\n", delegate.Address().Hex())

	expiresAt := time.Now().Add(24 * time.Hour)
	grantSig, err := eip712.SignSessionAuth(owner, &crypto.SessionAuthEIP712{
		Delegate:  delegate.Address(),
		Owner:     owner.Address(),
		ExpiresAt: big.NewInt(expiresAt.Unix()),
	})
	if err != nil {
		fmt.Printf("Error signing grant: %v\n", err)
		os.Exit(1)
	}

	sessionOrder := &store.Order{
		ID:           "demo-session-order",
		Owner:        owner.Address(),
		Kind:         store.TapToTrade,
		Symbol:       "ETH",
		Side:         store.Short,
		TriggerPrice: 3_000_00,
		Collateral:   500_00,
		Leverage:     5,
		WindowStart:  time.Now(),
		WindowEnd:    time.Now().Add(time.Hour),
		Nonce:        2,
		Session: &store.SessionKey{
			Delegate:     delegate.Address(),
			Owner:        owner.Address(),
			ExpiresAt:    expiresAt,
			OwnerAuthSig: grantSig,
		},
	}
	sessionSig, err := eip712.SignOrder(delegate, auth.OrderTypedData(sessionOrder))
	if err != nil {
		fmt.Printf("Error signing with session key: %v\n", err)
		os.Exit(1)
	}
	sessionOrder.Signature = sessionSig
	fmt.Printf("Session Grant Signature: 0x%x\n", grantSig)
	fmt.Printf("Session Order Signature: 0x%x\n\n", sessionSig)

	// ---- Verify both paths ----
	fmt.Println("Verifying signatures...")
	validator := auth.NewValidator(crypto.DefaultDomain(), util.RealClock{})

	if err := validator.ValidateOrder(order); err != nil {
		fmt.Printf("✗ Direct order INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Direct order VALID")

	if err := validator.ValidateOrder(sessionOrder); err != nil {
		fmt.Printf("✗ Session order INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Session order VALID")
	fmt.Println()

	for name, o := range map[string]*store.Order{
		"direct":  order,
		"session": sessionOrder,
	} {
		payload, err := json.MarshalIndent(o, "", "  ")
		if err != nil {
			fmt.Printf("Error marshaling JSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Signed %s order (JSON):\n%s\n\n", name, payload)
	}
}

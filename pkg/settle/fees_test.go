package settle

import "testing"

func TestTotalFee(t *testing.T) {
	// 10 bps on 100000 = 100.
	if got := TotalFee(100000, 10); got != 100 {
		t.Errorf("TotalFee = %d, want 100", got)
	}
	if got := TotalFee(0, 10); got != 0 {
		t.Errorf("TotalFee on zero collateral = %d, want 0", got)
	}
}

func TestSplitFeeConserves(t *testing.T) {
	for _, total := range []int64{0, 1, 99, 100, 12345} {
		for _, pct := range []int64{0, 30, 50, 100} {
			keeperFee, protocolFee := SplitFee(total, pct)
			if keeperFee+protocolFee != total {
				t.Errorf("split(%d, %d%%) = %d + %d, does not conserve", total, pct, keeperFee, protocolFee)
			}
			if keeperFee < 0 || protocolFee < 0 {
				t.Errorf("split(%d, %d%%) produced negative share", total, pct)
			}
		}
	}
}

func TestRefund(t *testing.T) {
	tests := []struct {
		name       string
		collateral int64
		pnl        int64
		totalFee   int64
		want       int64
	}{
		{"profit adds to refund", 1000, 500, 10, 1490},
		{"zero pnl pays collateral minus fee", 1000, 0, 10, 990},
		{"loss subtracts", 1000, -500, 10, 490},
		{"loss exceeding collateral clamps to zero", 1000, -1500, 10, 0},
		{"fee exceeding remainder clamps to zero", 1000, -995, 10, 0},
		{"exact wipeout", 1000, -990, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Refund(tt.collateral, tt.pnl, tt.totalFee); got != tt.want {
				t.Errorf("Refund(%d, %d, %d) = %d, want %d",
					tt.collateral, tt.pnl, tt.totalFee, got, tt.want)
			}
		})
	}
}

// Refund must never go negative and must be monotonic in pnl.
func TestRefundMonotonicNonNegative(t *testing.T) {
	const collateral, fee = 1000, 10
	prev := int64(-1)
	for pnl := int64(-2000); pnl <= 2000; pnl += 50 {
		r := Refund(collateral, pnl, fee)
		if r < 0 {
			t.Fatalf("Refund(%d, %d, %d) = %d < 0", collateral, pnl, fee, r)
		}
		if r < prev {
			t.Fatalf("refund not monotonic: pnl=%d gave %d after %d", pnl, r, prev)
		}
		prev = r
	}
}

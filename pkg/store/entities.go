package store

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// All prices are int64 ticks, all money amounts int64 cents (100 = $1.00),
// matching the venue's fixed-point convention.

type Side int8

const (
	Long Side = iota + 1
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

type OrderKind int8

const (
	LimitOpen OrderKind = iota + 1
	LimitClose
	StopLoss
	TapToTrade
	GridCellOrder
)

func (k OrderKind) String() string {
	switch k {
	case LimitOpen:
		return "limit_open"
	case LimitClose:
		return "limit_close"
	case StopLoss:
		return "stop_loss"
	case TapToTrade:
		return "tap_to_trade"
	case GridCellOrder:
		return "grid_cell"
	default:
		return "unknown"
	}
}

type OrderStatus int8

const (
	OrderPending OrderStatus = iota
	OrderExecuting
	OrderExecuted
	OrderFailed
	OrderNeedsResign
	OrderCancelled
	OrderExpired
	OrderPartialFailure
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderExecuting:
		return "executing"
	case OrderExecuted:
		return "executed"
	case OrderFailed:
		return "failed"
	case OrderNeedsResign:
		return "needs_resign"
	case OrderCancelled:
		return "cancelled"
	case OrderExpired:
		return "expired"
	case OrderPartialFailure:
		return "settlement_partial_failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is accepted from s.
// OrderPartialFailure is terminal for the keeper: only an operator moves it.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderExecuted, OrderFailed, OrderCancelled, OrderExpired, OrderPartialFailure:
		return true
	default:
		return false
	}
}

// orderTransitions is the order status graph. The only back-edges are the
// explicit re-sign path (NeedsResign -> Pending) and the settlement rollback
// (Executing -> Pending), which is legal only when zero ledger calls
// finalized.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:     {OrderExecuting, OrderNeedsResign, OrderCancelled, OrderExpired},
	OrderExecuting:   {OrderExecuted, OrderFailed, OrderPartialFailure, OrderPending},
	OrderNeedsResign: {OrderPending, OrderCancelled, OrderExpired},
}

// SessionKey is a bounded, revocable delegated signing credential. It is not
// persisted beyond the order that references it.
type SessionKey struct {
	Delegate  common.Address `json:"delegate"`
	Owner     common.Address `json:"owner"`
	ExpiresAt time.Time      `json:"expiresAt"`

	// OwnerAuthSig is the owner's signature over the canonical
	// "authorize delegate until T" message.
	OwnerAuthSig []byte `json:"ownerAuthSig"`
}

// Order is any price/time-triggered instruction the keeper may execute.
type Order struct {
	ID     string         `json:"id"`
	Owner  common.Address `json:"owner"`
	Kind   OrderKind      `json:"kind"`
	Symbol string         `json:"symbol"`
	Side   Side           `json:"side"`

	TriggerPrice int64 `json:"triggerPrice"`
	Collateral   int64 `json:"collateral"`
	Leverage     int64 `json:"leverage"`

	// Optional execution window (tap-to-trade, grid). Zero = unbounded.
	WindowStart time.Time `json:"windowStart,omitempty"`
	WindowEnd   time.Time `json:"windowEnd,omitempty"`

	Nonce     uint64      `json:"nonce"`
	Signature []byte      `json:"signature,omitempty"`
	Session   *SessionKey `json:"session,omitempty"`

	// PositionID links close-side orders (TP/SL) to the position they close.
	PositionID string `json:"positionId,omitempty"`

	// GridCellID groups grid orders under their owning cell.
	GridCellID string `json:"gridCellId,omitempty"`

	Status   OrderStatus `json:"status"`
	Attempts int         `json:"attempts"`
	TxRefs   []string    `json:"txRefs,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasWindow reports whether the order carries a time window.
func (o *Order) HasWindow() bool {
	return !o.WindowStart.IsZero() || !o.WindowEnd.IsZero()
}

// InWindow reports whether now falls inside the order's window.
// Orders without a window are always in window.
func (o *Order) InWindow(now time.Time) bool {
	if !o.HasWindow() {
		return true
	}
	if !o.WindowStart.IsZero() && now.Before(o.WindowStart) {
		return false
	}
	if !o.WindowEnd.IsZero() && now.After(o.WindowEnd) {
		return false
	}
	return true
}

type PositionStatus int8

const (
	PositionOpen PositionStatus = iota
	PositionClosing
	PositionClosed
	PositionPartialFailure
)

func (s PositionStatus) String() string {
	switch s {
	case PositionOpen:
		return "open"
	case PositionClosing:
		return "closing"
	case PositionClosed:
		return "closed"
	case PositionPartialFailure:
		return "settlement_partial_failure"
	default:
		return "unknown"
	}
}

func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionPartialFailure
}

var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionOpen:    {PositionClosing},
	PositionClosing: {PositionClosed, PositionPartialFailure, PositionOpen},
}

// Position is an open leveraged position.
type Position struct {
	ID     string         `json:"id"`
	Owner  common.Address `json:"owner"`
	Symbol string         `json:"symbol"`
	Side   Side           `json:"side"`

	Collateral int64 `json:"collateral"`
	Size       int64 `json:"size"` // lots, always positive; direction via Side
	Leverage   int64 `json:"leverage"`
	EntryPrice int64 `json:"entryPrice"`

	OpenedAt time.Time      `json:"openedAt"`
	Status   PositionStatus `json:"status"`
	Attempts int            `json:"attempts"`
	TxRefs   []string       `json:"txRefs,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// PnL returns signed profit/loss at the given mark price in cents.
func (p *Position) PnL(markPrice int64) int64 {
	diff := markPrice - p.EntryPrice
	if p.Side == Short {
		diff = -diff
	}
	return diff * p.Size
}

type BetStatus int8

const (
	BetActive BetStatus = iota
	BetSettling
	BetWon
	BetLost
	BetCancelled
	BetPartialFailure
)

func (s BetStatus) String() string {
	switch s {
	case BetActive:
		return "active"
	case BetSettling:
		return "settling"
	case BetWon:
		return "won"
	case BetLost:
		return "lost"
	case BetCancelled:
		return "cancelled"
	case BetPartialFailure:
		return "settlement_partial_failure"
	default:
		return "unknown"
	}
}

func (s BetStatus) Terminal() bool {
	switch s {
	case BetWon, BetLost, BetCancelled, BetPartialFailure:
		return true
	default:
		return false
	}
}

var betTransitions = map[BetStatus][]BetStatus{
	BetActive:   {BetSettling, BetCancelled},
	BetSettling: {BetWon, BetLost, BetPartialFailure, BetActive},
}

// Bet is a price-target bet. Multiple ledgers may host the same logical
// product, so a bet id is only unique within one venue; the store keys bets
// by (venue, id).
type Bet struct {
	Venue string         `json:"venue"`
	ID    string         `json:"id"`
	Owner common.Address `json:"owner"`

	Symbol      string    `json:"symbol"`
	BetAmount   int64     `json:"betAmount"`
	TargetPrice int64     `json:"targetPrice"`
	TargetTime  time.Time `json:"targetTime"`
	EntryPrice  int64     `json:"entryPrice"`
	EntryTime   time.Time `json:"entryTime"`

	// PayoutMultiplierBps: payout = betAmount * multiplier / 10000.
	PayoutMultiplierBps int64 `json:"payoutMultiplierBps"`

	Status   BetStatus `json:"status"`
	Attempts int       `json:"attempts"`
	TxRefs   []string  `json:"txRefs,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// BetKey returns the composite (venue, id) store key.
func BetKey(venue, id string) string {
	return venue + "/" + id
}

func (b *Bet) Key() string {
	return BetKey(b.Venue, b.ID)
}

type CellStatus int8

const (
	CellPending CellStatus = iota
	CellActive
	CellExpired
	CellCancelled
	CellFullyExecuted
)

func (s CellStatus) String() string {
	switch s {
	case CellPending:
		return "pending"
	case CellActive:
		return "active"
	case CellExpired:
		return "expired"
	case CellCancelled:
		return "cancelled"
	case CellFullyExecuted:
		return "fully_executed"
	default:
		return "unknown"
	}
}

// GridSession owns many cells; a cell owns zero or more orders.
type GridSession struct {
	ID        string         `json:"id"`
	Owner     common.Address `json:"owner"`
	Symbol    string         `json:"symbol"`
	CreatedAt time.Time      `json:"createdAt"`
	Cancelled bool           `json:"cancelled"`
}

// GridCell is one price level of a grid session. Its status is derived from
// its owned orders' fill count vs the target count, never stored.
type GridCell struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Owner     common.Address `json:"owner"`
	Symbol    string         `json:"symbol"`

	TargetFills int `json:"targetFills"`

	WindowStart time.Time `json:"windowStart,omitempty"`
	WindowEnd   time.Time `json:"windowEnd,omitempty"`

	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"createdAt"`
}

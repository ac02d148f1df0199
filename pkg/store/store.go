package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/openperp/keeper/pkg/util"
)

// Store is the in-memory arena of orders, positions, bets, and grid
// sessions/cells, with secondary indices by owner and by group. Indices are
// updated inside the same locked operation as the primary map, so callers
// never observe a commit gap.
//
// Five keeper loops and the API server touch the store concurrently; a single
// mutex with pure map-operation critical sections keeps it consistent.
type Store struct {
	mu    sync.RWMutex
	clock util.Clock

	orders        map[string]*Order
	ordersByOwner map[common.Address]map[string]struct{}
	ordersByCell  map[string]map[string]struct{}

	positions        map[string]*Position
	positionsByOwner map[common.Address]map[string]struct{}

	bets        map[string]*Bet // keyed by (venue, id)
	betsByOwner map[common.Address]map[string]struct{}

	sessions       map[string]*GridSession
	cells          map[string]*GridCell
	cellsBySession map[string]map[string]struct{}
}

func New(clock util.Clock) *Store {
	return &Store{
		clock:            clock,
		orders:           make(map[string]*Order),
		ordersByOwner:    make(map[common.Address]map[string]struct{}),
		ordersByCell:     make(map[string]map[string]struct{}),
		positions:        make(map[string]*Position),
		positionsByOwner: make(map[common.Address]map[string]struct{}),
		bets:             make(map[string]*Bet),
		betsByOwner:      make(map[common.Address]map[string]struct{}),
		sessions:         make(map[string]*GridSession),
		cells:            make(map[string]*GridCell),
		cellsBySession:   make(map[string]map[string]struct{}),
	}
}

func addIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

// ==============================
// Orders
// ==============================

// CreateOrder assigns an id (if empty), stamps timestamps, and indexes the
// order by owner and by grid cell.
func (s *Store) CreateOrder(o *Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, exists := s.orders[o.ID]; exists {
		return "", fmt.Errorf("store: duplicate order id %s", o.ID)
	}

	now := s.clock.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	cp := *o
	s.orders[o.ID] = &cp
	addIndex(s.ordersByOwner, o.Owner, o.ID)
	if o.GridCellID != "" {
		addIndex(s.ordersByCell, o.GridCellID, o.ID)
	}
	return o.ID, nil
}

// Order returns a copy of the order, or ErrNotFound.
func (s *Store) Order(id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return *o, nil
}

// OrderFilter narrows OrdersWhere. Nil/zero fields match everything.
type OrderFilter struct {
	Owner      *common.Address
	GridCellID string
	Status     *OrderStatus
	Kind       *OrderKind
	Symbol     string
}

func (f *OrderFilter) matches(o *Order) bool {
	if f.Owner != nil && o.Owner != *f.Owner {
		return false
	}
	if f.GridCellID != "" && o.GridCellID != f.GridCellID {
		return false
	}
	if f.Status != nil && o.Status != *f.Status {
		return false
	}
	if f.Kind != nil && o.Kind != *f.Kind {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	return true
}

// OrdersWhere returns copies of all orders matching the filter, using the
// owner or cell index when the filter names one.
func (s *Store) OrdersWhere(f OrderFilter) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Order
	collect := func(id string) {
		if o, ok := s.orders[id]; ok && f.matches(o) {
			out = append(out, *o)
		}
	}

	switch {
	case f.Owner != nil:
		for id := range s.ordersByOwner[*f.Owner] {
			collect(id)
		}
	case f.GridCellID != "":
		for id := range s.ordersByCell[f.GridCellID] {
			collect(id)
		}
	default:
		for id := range s.orders {
			collect(id)
		}
	}
	return out
}

// TransitionOrder moves an order along its status graph. mutate, if non-nil,
// is applied under the lock only after the transition is accepted.
func (s *Store) TransitionOrder(id string, to OrderStatus, mutate func(*Order)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if !legalOrderTransition(o.Status, to) {
		return &TransitionError{Entity: "order", ID: id, From: o.Status.String(), To: to.String()}
	}

	o.Status = to
	o.UpdatedAt = s.clock.Now()
	if mutate != nil {
		mutate(o)
	}
	return nil
}

// CancelOrder is the explicit owner-authorized cancel path.
func (s *Store) CancelOrder(id string, owner common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if o.Owner != owner {
		return fmt.Errorf("store: order %s not owned by %s", id, owner.Hex())
	}
	if !legalOrderTransition(o.Status, OrderCancelled) {
		return &TransitionError{Entity: "order", ID: id, From: o.Status.String(), To: OrderCancelled.String()}
	}
	o.Status = OrderCancelled
	o.UpdatedAt = s.clock.Now()
	return nil
}

// ==============================
// Positions
// ==============================

func (s *Store) CreatePosition(p *Position) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := s.positions[p.ID]; exists {
		return "", fmt.Errorf("store: duplicate position id %s", p.ID)
	}

	now := s.clock.Now()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now

	cp := *p
	s.positions[p.ID] = &cp
	addIndex(s.positionsByOwner, p.Owner, p.ID)
	return p.ID, nil
}

func (s *Store) Position(id string) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return *p, nil
}

type PositionFilter struct {
	Owner  *common.Address
	Status *PositionStatus
	Symbol string
}

func (s *Store) PositionsWhere(f PositionFilter) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Position
	collect := func(id string) {
		p, ok := s.positions[id]
		if !ok {
			return
		}
		if f.Owner != nil && p.Owner != *f.Owner {
			return
		}
		if f.Status != nil && p.Status != *f.Status {
			return
		}
		if f.Symbol != "" && p.Symbol != f.Symbol {
			return
		}
		out = append(out, *p)
	}

	if f.Owner != nil {
		for id := range s.positionsByOwner[*f.Owner] {
			collect(id)
		}
	} else {
		for id := range s.positions {
			collect(id)
		}
	}
	return out
}

func (s *Store) TransitionPosition(id string, to PositionStatus, mutate func(*Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if !legalPositionTransition(p.Status, to) {
		return &TransitionError{Entity: "position", ID: id, From: p.Status.String(), To: to.String()}
	}

	p.Status = to
	p.UpdatedAt = s.clock.Now()
	if mutate != nil {
		mutate(p)
	}
	return nil
}

// ==============================
// Bets
// ==============================

func (s *Store) CreateBet(b *Bet) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Venue == "" {
		return "", fmt.Errorf("store: bet requires a venue")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	key := b.Key()
	if _, exists := s.bets[key]; exists {
		return "", fmt.Errorf("store: duplicate bet %s", key)
	}

	b.UpdatedAt = s.clock.Now()

	cp := *b
	s.bets[key] = &cp
	addIndex(s.betsByOwner, b.Owner, key)
	return b.ID, nil
}

func (s *Store) Bet(venue, id string) (Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[BetKey(venue, id)]
	if !ok {
		return Bet{}, fmt.Errorf("bet %s/%s: %w", venue, id, ErrNotFound)
	}
	return *b, nil
}

type BetFilter struct {
	Owner  *common.Address
	Status *BetStatus
	Venue  string
	Symbol string
}

func (s *Store) BetsWhere(f BetFilter) []Bet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Bet
	collect := func(key string) {
		b, ok := s.bets[key]
		if !ok {
			return
		}
		if f.Owner != nil && b.Owner != *f.Owner {
			return
		}
		if f.Status != nil && b.Status != *f.Status {
			return
		}
		if f.Venue != "" && b.Venue != f.Venue {
			return
		}
		if f.Symbol != "" && b.Symbol != f.Symbol {
			return
		}
		out = append(out, *b)
	}

	if f.Owner != nil {
		for key := range s.betsByOwner[*f.Owner] {
			collect(key)
		}
	} else {
		for key := range s.bets {
			collect(key)
		}
	}
	return out
}

func (s *Store) TransitionBet(venue, id string, to BetStatus, mutate func(*Bet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[BetKey(venue, id)]
	if !ok {
		return fmt.Errorf("bet %s/%s: %w", venue, id, ErrNotFound)
	}
	if !legalBetTransition(b.Status, to) {
		return &TransitionError{Entity: "bet", ID: b.Key(), From: b.Status.String(), To: to.String()}
	}

	b.Status = to
	b.UpdatedAt = s.clock.Now()
	if mutate != nil {
		mutate(b)
	}
	return nil
}

// ==============================
// Grid sessions & cells
// ==============================

func (s *Store) CreateGridSession(g *GridSession) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if _, exists := s.sessions[g.ID]; exists {
		return "", fmt.Errorf("store: duplicate grid session id %s", g.ID)
	}
	g.CreatedAt = s.clock.Now()

	cp := *g
	s.sessions[g.ID] = &cp
	return g.ID, nil
}

func (s *Store) CreateGridCell(c *GridCell) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.cells[c.ID]; exists {
		return "", fmt.Errorf("store: duplicate grid cell id %s", c.ID)
	}
	if _, ok := s.sessions[c.SessionID]; !ok {
		return "", fmt.Errorf("grid session %s: %w", c.SessionID, ErrNotFound)
	}
	c.CreatedAt = s.clock.Now()

	cp := *c
	s.cells[c.ID] = &cp
	addIndex(s.cellsBySession, c.SessionID, c.ID)
	return c.ID, nil
}

func (s *Store) GridSession(id string) (GridSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.sessions[id]
	if !ok {
		return GridSession{}, fmt.Errorf("grid session %s: %w", id, ErrNotFound)
	}
	return *g, nil
}

// GridSessionsWhere lists grid sessions, optionally scoped to one owner.
func (s *Store) GridSessionsWhere(owner *common.Address) []GridSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GridSession
	for _, g := range s.sessions {
		if owner != nil && g.Owner != *owner {
			continue
		}
		out = append(out, *g)
	}
	return out
}

func (s *Store) GridCells(sessionID string) []GridCell {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GridCell
	for id := range s.cellsBySession[sessionID] {
		if c, ok := s.cells[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// CancelGridSession cancels the session, all its cells, and every still-open
// order under those cells, in one locked operation.
func (s *Store) CancelGridSession(id string, owner common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("grid session %s: %w", id, ErrNotFound)
	}
	if g.Owner != owner {
		return fmt.Errorf("store: grid session %s not owned by %s", id, owner.Hex())
	}
	g.Cancelled = true

	now := s.clock.Now()
	for cellID := range s.cellsBySession[id] {
		cell, ok := s.cells[cellID]
		if !ok {
			continue
		}
		cell.Cancelled = true
		for orderID := range s.ordersByCell[cellID] {
			o, ok := s.orders[orderID]
			if !ok {
				continue
			}
			if legalOrderTransition(o.Status, OrderCancelled) {
				o.Status = OrderCancelled
				o.UpdatedAt = now
			}
		}
	}
	return nil
}

// CellStatus derives a cell's lifecycle state from its orders' fill count vs
// the target count and its window.
func (s *Store) CellStatus(cellID string, now time.Time) (CellStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cell, ok := s.cells[cellID]
	if !ok {
		return CellPending, fmt.Errorf("grid cell %s: %w", cellID, ErrNotFound)
	}
	if cell.Cancelled {
		return CellCancelled, nil
	}

	fills := 0
	for orderID := range s.ordersByCell[cellID] {
		if o, ok := s.orders[orderID]; ok && o.Status == OrderExecuted {
			fills++
		}
	}

	switch {
	case cell.TargetFills > 0 && fills >= cell.TargetFills:
		return CellFullyExecuted, nil
	case !cell.WindowEnd.IsZero() && now.After(cell.WindowEnd):
		return CellExpired, nil
	case fills > 0 || (!cell.WindowStart.IsZero() && !now.Before(cell.WindowStart)):
		return CellActive, nil
	default:
		return CellPending, nil
	}
}

// ==============================
// Expiry sweep & stats
// ==============================

// CleanupExpired moves every order whose window has elapsed and whose status
// is still non-terminal (and not mid-settlement) to Expired. Returns the ids
// it expired.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, o := range s.orders {
		if o.WindowEnd.IsZero() || !now.After(o.WindowEnd) {
			continue
		}
		if o.Status != OrderPending && o.Status != OrderNeedsResign {
			continue
		}
		o.Status = OrderExpired
		o.UpdatedAt = now
		expired = append(expired, id)
	}
	return expired
}

// Stats is an aggregate snapshot for the read-side API.
type Stats struct {
	Orders       map[string]int `json:"orders"`
	Positions    map[string]int `json:"positions"`
	Bets         map[string]int `json:"bets"`
	GridSessions int            `json:"gridSessions"`
	GridCells    int            `json:"gridCells"`
}

func (s *Store) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Orders:       make(map[string]int),
		Positions:    make(map[string]int),
		Bets:         make(map[string]int),
		GridSessions: len(s.sessions),
		GridCells:    len(s.cells),
	}
	for _, o := range s.orders {
		st.Orders[o.Status.String()]++
	}
	for _, p := range s.positions {
		st.Positions[p.Status.String()]++
	}
	for _, b := range s.bets {
		st.Bets[b.Status.String()]++
	}
	return st
}

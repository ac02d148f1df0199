// Package api exposes the keeper's state over REST and a price WebSocket.
// Everything here is read-side: orders and bets enter through the venue,
// not through this server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/keeper"
	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

type Server struct {
	store  *store.Store
	prices *price.Cache
	loops  []*keeper.Loop
	clock  util.Clock
	log    *zap.SugaredLogger

	router *mux.Router
	hub    *Hub
}

func NewServer(
	st *store.Store,
	prices *price.Cache,
	loops []*keeper.Loop,
	gatherer prometheus.Gatherer,
	clock util.Clock,
	log *zap.SugaredLogger,
) *Server {
	s := &Server{
		store:  st,
		prices: prices,
		loops:  loops,
		clock:  clock,
		log:    log.With("component", "api"),
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/prices", s.handleGetPrices).Methods("GET")
	api.HandleFunc("/prices/{symbol}", s.handleGetPrice).Methods("GET")

	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	api.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{id}", s.handleGetPosition).Methods("GET")

	api.HandleFunc("/bets", s.handleGetBets).Methods("GET")
	api.HandleFunc("/bets/{venue}/{id}", s.handleGetBet).Methods("GET")

	api.HandleFunc("/grids", s.handleGetGrids).Methods("GET")
	api.HandleFunc("/grids/{id}", s.handleGetGrid).Methods("GET")

	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/loops", s.handleGetLoops).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// Start blocks serving HTTP until ListenAndServe returns. The price stream
// and hub shut down with ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	go s.streamPrices(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.log.Infow("api_listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// streamPrices forwards every cache tick to subscribed WS clients.
func (s *Server) streamPrices(ctx context.Context) {
	sub := s.prices.Subscribe("api_ws")
	defer s.prices.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-sub.C():
			if !ok {
				return
			}
			update := PriceUpdate{
				Type:      "price",
				Price:     priceInfo(tick),
				Timestamp: s.clock.Now().UnixMilli(),
			}
			s.hub.BroadcastToChannel("prices:"+tick.Symbol, update)
			s.hub.BroadcastToChannel("prices", update)
		}
	}
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	ticks := s.prices.All()
	out := make([]PriceInfo, len(ticks))
	for i, t := range ticks {
		out[i] = priceInfo(t)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	tick, ok := s.prices.Get(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no price for symbol", symbol)
		return
	}
	respondJSON(w, priceInfo(tick))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	var f store.OrderFilter
	q := r.URL.Query()

	if owner := q.Get("owner"); owner != "" {
		addr, ok := parseAddress(owner)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid owner address", owner)
			return
		}
		f.Owner = &addr
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := parseOrderStatus(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown order status", raw)
			return
		}
		f.Status = &st
	}
	if raw := q.Get("kind"); raw != "" {
		k, ok := parseOrderKind(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown order kind", raw)
			return
		}
		f.Kind = &k
	}
	f.Symbol = q.Get("symbol")
	f.GridCellID = q.Get("cell")

	respondJSON(w, s.store.OrdersWhere(f))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.Order(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	var f store.PositionFilter
	q := r.URL.Query()

	if owner := q.Get("owner"); owner != "" {
		addr, ok := parseAddress(owner)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid owner address", owner)
			return
		}
		f.Owner = &addr
	}
	f.Symbol = q.Get("symbol")

	respondJSON(w, s.store.PositionsWhere(f))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Position(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "position not found", err.Error())
		return
	}
	respondJSON(w, p)
}

func (s *Server) handleGetBets(w http.ResponseWriter, r *http.Request) {
	var f store.BetFilter
	q := r.URL.Query()

	if owner := q.Get("owner"); owner != "" {
		addr, ok := parseAddress(owner)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid owner address", owner)
			return
		}
		f.Owner = &addr
	}
	f.Venue = q.Get("venue")
	f.Symbol = q.Get("symbol")

	respondJSON(w, s.store.BetsWhere(f))
}

func (s *Server) handleGetBet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := s.store.Bet(vars["venue"], vars["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "bet not found", err.Error())
		return
	}
	respondJSON(w, b)
}

func (s *Server) handleGetGrids(w http.ResponseWriter, r *http.Request) {
	var owner *common.Address
	if raw := r.URL.Query().Get("owner"); raw != "" {
		addr, ok := parseAddress(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid owner address", raw)
			return
		}
		owner = &addr
	}

	sessions := s.store.GridSessionsWhere(owner)
	out := make([]GridView, 0, len(sessions))
	for i := range sessions {
		out = append(out, s.gridView(&sessions[i]))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GridSession(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "grid session not found", err.Error())
		return
	}
	respondJSON(w, s.gridView(&g))
}

func (s *Server) gridView(g *store.GridSession) GridView {
	now := s.clock.Now()
	cells := s.store.GridCells(g.ID)

	view := GridView{
		ID:        g.ID,
		Owner:     g.Owner.Hex(),
		Symbol:    g.Symbol,
		Cancelled: g.Cancelled,
		Cells:     make([]GridCellView, 0, len(cells)),
	}
	for _, c := range cells {
		status, err := s.store.CellStatus(c.ID, now)
		if err != nil {
			continue
		}
		view.Cells = append(view.Cells, GridCellView{
			ID:          c.ID,
			TargetFills: c.TargetFills,
			Status:      status.String(),
		})
	}
	return view
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.store.Snapshot())
}

func (s *Server) handleGetLoops(w http.ResponseWriter, r *http.Request) {
	out := make([]keeper.Status, len(s.loops))
	for i, l := range s.loops {
		out[i] = l.Status()
	}
	respondJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func priceInfo(t price.Tick) PriceInfo {
	return PriceInfo{
		Symbol:      t.Symbol,
		Price:       t.Price,
		Conf:        t.Conf,
		Expo:        t.Expo,
		PublishTime: t.PublishTime.UnixMilli(),
		Source:      t.Source.String(),
	}
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseOrderStatus(raw string) (store.OrderStatus, bool) {
	for _, st := range []store.OrderStatus{
		store.OrderPending, store.OrderExecuting, store.OrderExecuted,
		store.OrderFailed, store.OrderNeedsResign, store.OrderCancelled,
		store.OrderExpired, store.OrderPartialFailure,
	} {
		if st.String() == raw {
			return st, true
		}
	}
	return 0, false
}

func parseOrderKind(raw string) (store.OrderKind, bool) {
	for _, k := range []store.OrderKind{
		store.LimitOpen, store.LimitClose, store.StopLoss,
		store.TapToTrade, store.GridCellOrder,
	} {
		if k.String() == raw {
			return k, true
		}
	}
	return 0, false
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}

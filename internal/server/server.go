package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"matchbook/internal/book"
	"matchbook/internal/depth"
	"matchbook/internal/engine"
)

// Server is the HTTP and websocket surface over the engine. It implements
// the engine's fill notifier and the depth publisher's local sink, so both
// streams reach websocket subscribers without extra plumbing.
type Server struct {
	eng      *engine.Engine
	pub      *depth.Publisher
	log      zerolog.Logger
	upgrader websocket.Upgrader

	depthHub *hub[[]byte]
	fillHub  *hub[fillEvent]
}

type submitRequest struct {
	Market string `json:"market"`
	Owner  uint64 `json:"owner"`
	Side   string `json:"side"`
	Price  int64  `json:"price"`
	Qty    int64  `json:"quantity"`
	TIF    string `json:"tif"`
	Expiry int64  `json:"expiry,omitempty"` // unix nanos, GTD only
}

type orderView struct {
	ID        uint64 `json:"id"`
	Market    string `json:"market"`
	Owner     uint64 `json:"owner"`
	Side      string `json:"side"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"quantity"`
	Filled    int64  `json:"filled"`
	Remaining int64  `json:"remaining"`
	TIF       string `json:"tif"`
	Status    string `json:"status"`
	Seq       uint64 `json:"seq"`
}

type fillView struct {
	MakerID uint64 `json:"maker_id"`
	TakerID uint64 `json:"taker_id"`
	Price   int64  `json:"price"`
	Qty     int64  `json:"quantity"`
	Seq     uint64 `json:"seq"`
	Time    int64  `json:"ts"`
}

type submitResponse struct {
	Order orderView  `json:"order"`
	Fills []fillView `json:"fills,omitempty"`
	VWAP  string     `json:"vwap,omitempty"`
}

type cancelResponse struct {
	Outcome string    `json:"outcome"`
	Order   orderView `json:"order"`
}

type reconcileResponse struct {
	Order  orderView   `json:"order"`
	VWAP   string      `json:"vwap,omitempty"`
	Missed []eventView `json:"missed,omitempty"`
}

type eventView struct {
	Seq   uint64 `json:"seq"`
	Kind  string `json:"kind"`
	Price int64  `json:"price"`
	Qty   int64  `json:"quantity"`
	Time  int64  `json:"ts"`
}

type fillEvent struct {
	Type   string   `json:"type"`
	Market string   `json:"market"`
	Fill   fillView `json:"fill"`
}

// New wires the server. Register it as the engine's notifier and the depth
// publisher's local sink.
func New(eng *engine.Engine, pub *depth.Publisher, log zerolog.Logger) *Server {
	return &Server{
		eng:      eng,
		pub:      pub,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		depthHub: newHub[[]byte](),
		fillHub:  newHub[fillEvent](),
	}
}

// Broadcast implements depth.Local: committed depth frames fan out to
// websocket subscribers.
func (s *Server) Broadcast(market string, frame []byte) {
	s.depthHub.Broadcast(market, frame)
}

// NotifyFill implements engine.FillNotifier.
func (s *Server) NotifyFill(f book.Fill) {
	s.fillHub.Broadcast(f.Market, fillEvent{
		Type:   "fill",
		Market: f.Market,
		Fill:   toFillView(f),
	})
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", s.handleSubmit)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancel)
	mux.HandleFunc("GET /orders/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /depth/{market}", s.handleDepth)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	side, ok := book.ParseSide(req.Side)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown side"))
		return
	}
	tif, ok := book.ParseTIF(req.TIF)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown tif"))
		return
	}
	sub := engine.SubmitRequest{
		Market: req.Market,
		Owner:  req.Owner,
		Side:   side,
		Price:  req.Price,
		Qty:    req.Qty,
		TIF:    tif,
	}
	if req.Expiry != 0 {
		sub.Expiry = time.Unix(0, req.Expiry)
	}

	res := s.eng.Submit(r.Context(), sub)
	if res.Err != nil {
		writeEngineError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Order: toOrderView(res.Order),
		Fills: toFillViews(res.Fills),
		VWAP:  res.VWAP,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad order id"))
		return
	}
	q := r.URL.Query()
	caller, _ := strconv.ParseUint(q.Get("caller"), 10, 64)
	kind := engine.SoftCancel
	if q.Get("kind") == "hard" {
		kind = engine.HardCancel
	}
	token := q.Get("token")
	if token == "" {
		token = uuid.NewString()
	}

	res := s.eng.Cancel(r.Context(), engine.CancelRequest{
		Market:  q.Get("market"),
		OrderID: id,
		Caller:  caller,
		Kind:    kind,
		Token:   token,
	})
	if res.Err != nil {
		writeEngineError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		Outcome: res.Outcome.String(),
		Order:   toOrderView(res.Order),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad order id"))
		return
	}
	q := r.URL.Query()
	caller, _ := strconv.ParseUint(q.Get("caller"), 10, 64)
	since, _ := strconv.ParseUint(q.Get("since"), 10, 64)

	res := s.eng.Reconcile(r.Context(), q.Get("market"), id, caller, since)
	if res.Err != nil {
		writeEngineError(w, res.Err)
		return
	}
	out := reconcileResponse{Order: toOrderView(res.Order), VWAP: res.VWAP}
	for _, ev := range res.Missed {
		out.Missed = append(out.Missed, eventView{
			Seq: ev.Seq, Kind: ev.Kind, Price: ev.Price, Qty: ev.Qty, Time: ev.Time.UnixNano(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	levels, _ := strconv.Atoi(r.URL.Query().Get("levels"))
	snap, err := s.eng.Depth(r.Context(), r.PathValue("market"), levels)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleWS upgrades to a push subscription: one snapshot frame on connect,
// then binary depth deltas and JSON fill notifications as they commit.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	depthSub := s.depthHub.Subscribe(market, 256)
	defer s.depthHub.Unsubscribe(depthSub)
	fillSub := s.fillHub.Subscribe(market, 256)
	defer s.fillHub.Unsubscribe(fillSub)

	if market != "" {
		snap, err := s.eng.Depth(r.Context(), market, 0)
		if err == nil {
			frame := s.pub.EncodeSnapshot(snap.Market, snap.Seq, snap.Bids, snap.Asks)
			if werr := conn.WriteMessage(websocket.BinaryMessage, frame); werr != nil {
				return
			}
		}
	}

	for {
		select {
		case frame, ok := <-depthSub.ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case ev, ok := <-fillSub.ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func toOrderView(o book.Order) orderView {
	return orderView{
		ID:        o.ID,
		Market:    o.Market,
		Owner:     o.Owner,
		Side:      o.Side.String(),
		Price:     o.Price,
		Qty:       o.Qty,
		Filled:    o.Filled,
		Remaining: o.Remaining(),
		TIF:       o.TIF.String(),
		Status:    o.Status.String(),
		Seq:       o.Seq,
	}
}

func toFillView(f book.Fill) fillView {
	return fillView{
		MakerID: f.MakerID,
		TakerID: f.TakerID,
		Price:   f.Price,
		Qty:     f.Qty,
		Seq:     f.Seq,
		Time:    f.Time.UnixNano(),
	}
}

func toFillViews(fills []book.Fill) []fillView {
	if len(fills) == 0 {
		return nil
	}
	out := make([]fillView, 0, len(fills))
	for _, f := range fills {
		out = append(out, toFillView(f))
	}
	return out
}

func writeEngineError(w http.ResponseWriter, err error) {
	var vErr *engine.ValidationError
	var stp *engine.STPViolation
	switch {
	case errors.As(err, &vErr), errors.As(err, &stp):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, engine.ErrInsufficientLiquidity),
		errors.Is(err, engine.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, engine.ErrUnknownMarket):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrMarketHalted),
		errors.Is(err, engine.ErrMarketClosed),
		errors.Is(err, engine.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

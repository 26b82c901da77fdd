package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/punchamoorthee/tablepay/internal/grouping"
	"github.com/punchamoorthee/tablepay/internal/ingest"
	"github.com/punchamoorthee/tablepay/internal/ledger"
	"github.com/punchamoorthee/tablepay/internal/memo"
	"github.com/punchamoorthee/tablepay/internal/pipeline"
	"github.com/punchamoorthee/tablepay/internal/scheduler"
	"github.com/punchamoorthee/tablepay/internal/service"
	"github.com/punchamoorthee/tablepay/internal/store"
	"go.uber.org/zap"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablepay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tablepay_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Memos longer than this are rejected by the payment network.
const maxMemoLength = 2048

// BoardSource is the refreshed order board.
type BoardSource interface {
	Board() pipeline.Board
	Kick() bool
}

// Printer prints a kitchen ticket at most once per order.
type Printer interface {
	Print(order domain.LogicalOrder) bool
}

type Deps struct {
	Store    store.TransferStore
	Board    BoardSource
	Fulfill  *service.FulfillmentService
	Ingester *ingest.Ingester
	Printer  Printer
	Feed     *scheduler.Feed
	Merchant string
	Units    grouping.Units
	Log      *zap.Logger
}

type Handler struct {
	Deps
	now func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, now: time.Now}
}

// Router wires every endpoint, including /metrics and /health.
func (h *Handler) Router(metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
	}).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/orders", instrument("GET", "/orders", h.GetBoard)).Methods("GET")
	apiV1.HandleFunc("/orders/fulfill", instrument("POST", "/orders/fulfill", h.FulfillOrder)).Methods("POST")
	apiV1.HandleFunc("/events", instrument("GET", "/events", h.GetEvents)).Methods("GET")
	apiV1.HandleFunc("/transfers/{id:[0-9]+}", instrument("GET", "/transfers/{id}", h.GetTransfer)).Methods("GET")
	apiV1.HandleFunc("/transfers/{id:[0-9]+}/fulfill", instrument("POST", "/transfers/{id}/fulfill", h.FulfillTransfer)).Methods("POST")
	apiV1.HandleFunc("/transfers/{id:[0-9]+}/print", instrument("POST", "/transfers/{id}/print", h.PrintTicket)).Methods("POST")
	apiV1.HandleFunc("/relay/transfers", instrument("POST", "/relay/transfers", h.RelayTransfers)).Methods("POST")
	apiV1.HandleFunc("/payments", instrument("POST", "/payments", h.PreparePayment)).Methods("POST")
	return r
}

func instrument(method, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
		defer timer.ObserveDuration()
		next(w, r)
	}
}

func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.Board.Board(), "GET", "/orders")
}

func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "after must be an integer", "GET", "/events")
			return
		}
		after = v
	}
	events := h.Feed.Since(after)
	if events == nil {
		events = []scheduler.Event{}
	}
	h.respondJSON(w, http.StatusOK, events, "GET", "/events")
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	rec, err := h.Store.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Transfer not found", "GET", "/transfers/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/transfers/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, rec, "GET", "/transfers/{id}")
}

func (h *Handler) FulfillTransfer(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	res, err := h.Fulfill.Fulfill(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrTransferNotFound) {
			h.respondError(w, http.StatusNotFound, "Transfer not found", "POST", "/transfers/{id}/fulfill")
			return
		}
		h.Log.Error("fulfill failed", zap.Int64("transfer_id", id), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Could not fulfill the order, please retry", "POST", "/transfers/{id}/fulfill")
		return
	}
	h.Board.Kick()
	h.respondJSON(w, http.StatusOK, res, "POST", "/transfers/{id}/fulfill")
}

// FulfillOrder accepts the full member list, or only primary_id to fulfill
// the order the board currently shows around that transfer.
func (h *Handler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	var req service.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/orders/fulfill")
		return
	}
	if len(req.MemberIDs) == 0 && req.PrimaryID != 0 {
		bo, ok := h.Board.Board().Find(req.PrimaryID)
		if !ok {
			h.respondError(w, http.StatusNotFound, "Order not on the board", "POST", "/orders/fulfill")
			return
		}
		req.Key = bo.Order.Key
		req.PrimaryID = bo.Order.Primary.ID
		req.MemberIDs = bo.Order.MemberIDs
	}

	res, err := h.Fulfill.FulfillOrder(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyOrder):
			h.respondError(w, http.StatusUnprocessableEntity, "member_ids or primary_id required", "POST", "/orders/fulfill")
		case errors.Is(err, service.ErrTransferNotFound):
			h.respondError(w, http.StatusNotFound, "Transfer not found", "POST", "/orders/fulfill")
		default:
			h.Log.Error("order fulfill failed", zap.String("order", req.Key), zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Could not fulfill the order, please retry", "POST", "/orders/fulfill")
		}
		return
	}
	h.Board.Kick()
	h.respondJSON(w, http.StatusOK, res, "POST", "/orders/fulfill")
}

func (h *Handler) PrintTicket(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	bo, ok := h.Board.Board().Find(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "Order not on the board", "POST", "/transfers/{id}/print")
		return
	}
	if !h.Printer.Print(bo.Order) {
		h.respondError(w, http.StatusConflict, "Ticket already printed", "POST", "/transfers/{id}/print")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"printed": bo.Order.Key}, "POST", "/transfers/{id}/print")
}

type relayResponse struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Skipped    int `json:"skipped"`
}

// RelayTransfers takes operations pushed by the secondary sync channel.
func (h *Handler) RelayTransfers(w http.ResponseWriter, r *http.Request) {
	var ops []ledger.Operation
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/relay/transfers")
		return
	}

	page := ledger.BuildPage(ops, h.now())
	res, err := h.Ingester.Accept(r.Context(), "relay", page.Records)
	if err != nil {
		h.Log.Error("relay ingest failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Ingest failed, resend", "POST", "/relay/transfers")
		return
	}
	if res.Inserted > 0 {
		h.Board.Kick()
	}
	h.respondJSON(w, http.StatusOK, relayResponse{
		Inserted:   res.Inserted,
		Duplicates: res.Duplicates,
		Rejected:   res.Rejected,
		Skipped:    page.Skipped,
	}, "POST", "/relay/transfers")
}

type PaymentRequest struct {
	From     string            `json:"from"`
	Cart     []domain.CartItem `json:"cart"`
	Table    string            `json:"table,omitempty"`
	TargetAt *time.Time        `json:"target_at,omitempty"`
	Amount   string            `json:"amount"`
	Symbol   string            `json:"symbol,omitempty"`
	Tag      string            `json:"correlation_tag,omitempty"`
}

type PaymentResponse struct {
	Memo      string                   `json:"memo"`
	Tag       string                   `json:"correlation_tag"`
	Operation ledger.SignableOperation `json:"operation"`
}

// PreparePayment encodes the cart into a memo and returns the transfer the
// customer's wallet has to sign. Split payments reuse the returned tag.
func (h *Handler) PreparePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/payments")
		return
	}
	if err := memo.ValidateCart(req.Cart); err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/payments")
		return
	}
	if req.Table != "" && !memo.ValidTable(req.Table) {
		h.respondError(w, http.StatusUnprocessableEntity, "Malformed table number", "POST", "/payments")
		return
	}
	symbol := req.Symbol
	if symbol == "" {
		symbol = h.Units.Primary
	}
	if !strings.EqualFold(symbol, h.Units.Primary) && !strings.EqualFold(symbol, h.Units.Secondary) {
		h.respondError(w, http.StatusUnprocessableEntity, "Unsupported symbol", "POST", "/payments")
		return
	}
	tag := strings.ToLower(req.Tag)
	if tag == "" {
		tag = memo.NewCorrelationTag()
	} else if memo.ExtractTag(tag) != tag {
		h.respondError(w, http.StatusUnprocessableEntity, "Malformed correlation tag", "POST", "/payments")
		return
	}

	text := memo.Compose(memo.Encode(req.Cart), memo.ComposeOptions{Table: req.Table, Target: req.TargetAt, Tag: tag})
	if len(text) > maxMemoLength {
		h.respondError(w, http.StatusUnprocessableEntity, "Order too large for one payment", "POST", "/payments")
		return
	}

	op, err := ledger.BuildTransfer(ledger.TransferRequest{
		From:   req.From,
		To:     h.Merchant,
		Symbol: symbol,
		Amount: req.Amount,
		Memo:   text,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/payments")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "POST", "/payments")
		return
	}
	h.respondJSON(w, http.StatusOK, PaymentResponse{Memo: text, Tag: tag, Operation: op}, "POST", "/payments")
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

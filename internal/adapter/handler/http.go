package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trovamarket/settlement/internal/core/domain"
	"github.com/trovamarket/settlement/internal/core/service"
	"github.com/trovamarket/settlement/internal/metrics"
	"github.com/trovamarket/settlement/internal/port"
)

const (
	idempotencyHeader = "Idempotency-Key"
	buyerHeader       = "X-Buyer-ID"
)

// HeaderIdentity resolves the buyer id straight from a trusted header.
// Real identity resolution is an upstream concern.
type HeaderIdentity struct{}

func (HeaderIdentity) ResolveBuyer(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", domain.E(domain.KindValidation, "missing buyer identity")
	}
	return credential, nil
}

type HTTPHandler struct {
	orchestrator *service.Orchestrator
	returns      *service.ReturnService
	payments     *service.PaymentService
	identity     port.IdentityResolver
	log          *zap.Logger
}

func NewHTTPHandler(orchestrator *service.Orchestrator, returns *service.ReturnService, payments *service.PaymentService, identity port.IdentityResolver, log *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		orchestrator: orchestrator,
		returns:      returns,
		payments:     payments,
		identity:     identity,
		log:          log,
	}
}

// Router builds the API surface.
func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/purchase", h.Purchase).Methods(http.MethodPost)
	r.HandleFunc("/api/checkout", h.Checkout).Methods(http.MethodPost)
	r.HandleFunc("/api/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	r.HandleFunc("/api/returns", h.CreateReturn).Methods(http.MethodPost)
	r.HandleFunc("/api/returns/{id}", h.GetReturn).Methods(http.MethodGet)
	r.HandleFunc("/api/returns/{id}/decision", h.DecideReturn).Methods(http.MethodPost)
	r.HandleFunc("/api/returns/{id}/inspections", h.AddInspection).Methods(http.MethodPost)
	r.HandleFunc("/api/returns/{id}/status", h.UpdateReturnStatus).Methods(http.MethodPatch)
	r.HandleFunc("/api/returns/{id}/refund", h.IssueRefund).Methods(http.MethodPost)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type purchaseRequest struct {
	ProductID     string `json:"productId"`
	Quantity      int    `json:"quantity"`
	PaymentMethod string `json:"paymentMethod"`
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/purchase"
	timer := prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues(http.MethodPost, endpoint))
	defer timer.ObserveDuration()

	buyerID, err := h.identity.ResolveBuyer(r.Context(), r.Header.Get(buyerHeader))
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, domain.E(domain.KindValidation, "invalid request body"), http.MethodPost, endpoint)
		return
	}

	result, err := h.orchestrator.PurchaseItem(r.Context(), service.PurchaseInput{
		BuyerID:        buyerID,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Method:         domain.PaymentMethod(req.PaymentMethod),
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}
	h.respondJSON(w, resultStatus(result), result, http.MethodPost, endpoint)
}

type checkoutRequest struct {
	PaymentMethod string `json:"paymentMethod"`
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/checkout"
	timer := prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues(http.MethodPost, endpoint))
	defer timer.ObserveDuration()

	buyerID, err := h.identity.ResolveBuyer(r.Context(), r.Header.Get(buyerHeader))
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, domain.E(domain.KindValidation, "invalid request body"), http.MethodPost, endpoint)
		return
	}

	result, err := h.orchestrator.CheckoutCart(r.Context(), service.CheckoutInput{
		BuyerID:        buyerID,
		Method:         domain.PaymentMethod(req.PaymentMethod),
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}
	h.respondJSON(w, resultStatus(result), result, http.MethodPost, endpoint)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/orders/{id}"
	order, lines, err := h.orchestrator.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err, http.MethodGet, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"sale": order, "lines": lines}, http.MethodGet, endpoint)
}

type createReturnRequest struct {
	OrderID string              `json:"orderId"`
	Reason  string              `json:"reason"`
	Details string              `json:"details"`
	Items   []domain.ReturnItem `json:"items"`
}

func (h *HTTPHandler) CreateReturn(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/returns"
	buyerID, err := h.identity.ResolveBuyer(r.Context(), r.Header.Get(buyerHeader))
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}

	var req createReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, domain.E(domain.KindValidation, "invalid request body"), http.MethodPost, endpoint)
		return
	}

	ret, err := h.returns.Create(r.Context(), service.CreateReturnInput{
		OrderID: req.OrderID,
		BuyerID: buyerID,
		Reason:  req.Reason,
		Details: req.Details,
		Items:   req.Items,
	})
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, ret, http.MethodPost, endpoint)
}

func (h *HTTPHandler) GetReturn(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/returns/{id}"
	ret, err := h.returns.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err, http.MethodGet, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, ret, http.MethodGet, endpoint)
}

type decisionRequest struct {
	Action string `json:"action"`
}

func (h *HTTPHandler) DecideReturn(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/returns/{id}/decision"
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, domain.E(domain.KindValidation, "invalid request body"), http.MethodPost, endpoint)
		return
	}
	ret, err := h.returns.Decide(r.Context(), mux.Vars(r)["id"], req.Action, r.Header.Get(buyerHeader))
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, ret, http.MethodPost, endpoint)
}

type inspectionRequest struct {
	Result string `json:"result"`
	Notes  string `json:"notes"`
}

func (h *HTTPHandler) AddInspection(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/returns/{id}/inspections"
	var req inspectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, domain.E(domain.KindValidation, "invalid request body"), http.MethodPost, endpoint)
		return
	}
	rec, err := h.returns.AddInspection(r.Context(), mux.Vars(r)["id"], req.Result, req.Notes, r.Header.Get(buyerHeader))
	if err != nil {
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, rec, http.MethodPost, endpoint)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *HTTPHandler) UpdateReturnStatus(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/returns/{id}/status"
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, domain.E(domain.KindValidation, "invalid request body"), http.MethodPatch, endpoint)
		return
	}
	status := domain.ReturnStatus(req.Status)
	if !domain.ValidReturnStatus(status) {
		h.respondError(w, domain.E(domain.KindValidation, "unknown return status"), http.MethodPatch, endpoint)
		return
	}
	ret, err := h.returns.UpdateStatus(r.Context(), mux.Vars(r)["id"], status, r.Header.Get(buyerHeader))
	if err != nil {
		h.respondError(w, err, http.MethodPatch, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, ret, http.MethodPatch, endpoint)
}

type refundRequest struct {
	AmountMinor int64  `json:"amountMinor"`
	Method      string `json:"method"`
	Reason      string `json:"reason"`
	PaymentID   string `json:"paymentId"`
}

func (h *HTTPHandler) IssueRefund(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/returns/{id}/refund"
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, domain.E(domain.KindValidation, "invalid request body"), http.MethodPost, endpoint)
		return
	}
	// Reject bad amounts before touching settlement logic.
	if req.AmountMinor <= 0 {
		h.respondError(w, domain.E(domain.KindValidation, "amountMinor must be a positive integer"), http.MethodPost, endpoint)
		return
	}

	refund, err := h.returns.IssueRefund(r.Context(), service.IssueRefundInput{
		ReturnID:    mux.Vars(r)["id"],
		AmountMinor: req.AmountMinor,
		Method:      domain.RefundMethod(req.Method),
		PaymentID:   req.PaymentID,
		Reason:      req.Reason,
		ActorID:     r.Header.Get(buyerHeader),
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindRefundFailed && refund != nil {
			h.respondJSON(w, http.StatusBadGateway, map[string]any{
				"success": false,
				"refund":  refund,
				"error":   err.Error(),
			}, http.MethodPost, endpoint)
			return
		}
		h.respondError(w, err, http.MethodPost, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"success": true, "refund": refund}, http.MethodPost, endpoint)
}

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status":  "ok",
		"breaker": string(h.payments.ChargeBreakerState()),
	}
	if err := h.payments.HealthCheck(r.Context()); err != nil {
		status["gateway"] = "unreachable"
	} else {
		status["gateway"] = "ok"
	}
	h.respondJSON(w, http.StatusOK, status, http.MethodGet, "/health")
}

// resultStatus maps a settled saga outcome to an HTTP status.
func resultStatus(res *service.SettlementResult) int {
	if res.Success {
		return http.StatusOK
	}
	if res.ErrorKind == domain.KindCircuitOpen {
		return http.StatusServiceUnavailable
	}
	return http.StatusPaymentRequired
}

func kindStatus(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindConflict:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindDeclined:
		return http.StatusPaymentRequired
	case domain.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case domain.KindNetwork, domain.KindTimeout, domain.KindRefundFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, err error, method, endpoint string) {
	kind := domain.KindOf(err)
	code := kindStatus(kind)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	h.respondJSON(w, code, map[string]any{"success": false, "error": err.Error()}, method, endpoint)
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

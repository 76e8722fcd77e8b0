package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/panierlocal/surplus-reservations/internal/adapters/mongo"
	"github.com/panierlocal/surplus-reservations/internal/availability"
	"github.com/panierlocal/surplus-reservations/internal/config"
	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/geo"
	"github.com/panierlocal/surplus-reservations/internal/idempotency"
	"github.com/panierlocal/surplus-reservations/internal/pin"
	"github.com/panierlocal/surplus-reservations/internal/workflow"
)

// LotAdmin is the merchant-side slice of the store: putting lots up
// and taking them down again.
type LotAdmin interface {
	CreateLot(ctx context.Context, lot domain.Lot) error
	WithdrawLot(ctx context.Context, id uuid.UUID) error
}

type Handlers struct {
	cfg       *config.Config
	workflow  *workflow.Workflow
	engine    *availability.Engine
	resolver  *geo.Resolver
	idemp     *idempotency.Idempotency
	audit     *mongo.AuditLogger
	lots      LotAdmin
	merchants *mongo.MerchantCatalog
}

func NewHandlers(cfg *config.Config, wf *workflow.Workflow, engine *availability.Engine, resolver *geo.Resolver, idemp *idempotency.Idempotency, audit *mongo.AuditLogger, lots LotAdmin, merchants *mongo.MerchantCatalog) *Handlers {
	return &Handlers{
		cfg:       cfg,
		workflow:  wf,
		engine:    engine,
		resolver:  resolver,
		idemp:     idemp,
		audit:     audit,
		lots:      lots,
		merchants: merchants,
	}
}

// writeError maps the domain taxonomy onto status codes. Availability
// problems are phrased for the caller; internals never leak onto the
// wire, they go to the request log instead.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrCancellationWindowExpired):
		http.Error(w, "cancellation window expired", http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrAlreadyConfirmed):
		http.Error(w, "already confirmed", http.StatusConflict)
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrSerializationFailure):
		http.Error(w, "conflict, try again", http.StatusConflict)
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrGeocodeUnavailable):
		RequestLogger(r.Context()).Error("dependency unavailable", err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	default:
		RequestLogger(r.Context()).Error("unhandled request error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) []byte {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	return data
}

func (h *Handlers) DiscoverLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := availability.Query{
		DonationMode: q.Get("donation") == "true",
		Sort:         availability.SortKey(q.Get("sort")),
	}
	if c := q.Get("category"); c != "" {
		query.Category = &c
	}
	if u := q.Get("urgent"); u != "" {
		urgent := u == "true"
		query.IsUrgent = &urgent
	}

	if addr := q.Get("address"); addr != "" {
		p, err := h.resolver.Resolve(r.Context(), addr)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, err)
			return
		}
		if err == nil {
			query.Caller = &p
		}
	} else if q.Get("lat") != "" && q.Get("lon") != "" {
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil {
			http.Error(w, "invalid coordinates", http.StatusBadRequest)
			return
		}
		query.Caller = &geo.Point{Lat: lat, Lon: lon}
	}
	if d := q.Get("max_distance_km"); d != "" {
		maxDist, err := strconv.ParseFloat(d, 64)
		if err != nil || maxDist < 0 {
			http.Error(w, "invalid max_distance_km", http.StatusBadRequest)
			return
		}
		query.MaxDistanceKm = maxDist
	}

	results, err := h.engine.Discover(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}

	type lotResp struct {
		ID              uuid.UUID `json:"id"`
		MerchantID      uuid.UUID `json:"merchant_id"`
		MerchantName    string    `json:"merchant_name,omitempty"`
		Title           string    `json:"title"`
		Category        string    `json:"category"`
		DiscountedPrice float64   `json:"discounted_price"`
		Available       int       `json:"available"`
		IsUrgent        bool      `json:"is_urgent"`
		IsFree          bool      `json:"is_free"`
		PickupEnd       string    `json:"pickup_end"`
		DistanceKm      *float64  `json:"distance_km,omitempty"`
	}
	out := make([]lotResp, 0, len(results))
	for _, res := range results {
		lr := lotResp{
			ID:              res.Lot.ID,
			MerchantID:      res.Lot.MerchantID,
			Title:           res.Lot.Title,
			Category:        res.Lot.Category,
			DiscountedPrice: res.Lot.DiscountedPrice,
			Available:       res.Available,
			IsUrgent:        res.Lot.IsUrgent,
			IsFree:          res.Lot.IsFree,
			PickupEnd:       res.Lot.PickupEnd.UTC().Format(time.RFC3339),
			DistanceKm:      res.DistanceKm,
		}
		if res.Merchant != nil {
			lr.MerchantName = res.Merchant.Name
		}
		out = append(out, lr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MerchantID        uuid.UUID `json:"merchant_id"`
		Title             string    `json:"title"`
		Category          string    `json:"category"`
		OriginalPrice     float64   `json:"original_price"`
		DiscountedPrice   float64   `json:"discounted_price"`
		QuantityTotal     int       `json:"quantity_total"`
		PickupStart       time.Time `json:"pickup_start"`
		PickupEnd         time.Time `json:"pickup_end"`
		IsUrgent          bool      `json:"is_urgent"`
		IsFree            bool      `json:"is_free"`
		RequiresColdChain bool      `json:"requires_cold_chain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case req.Title == "":
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	case req.QuantityTotal < 1:
		http.Error(w, "quantity_total must be at least 1", http.StatusBadRequest)
		return
	case !req.PickupEnd.After(req.PickupStart):
		http.Error(w, "pickup window must end after it starts", http.StatusBadRequest)
		return
	case req.IsFree && req.DiscountedPrice != 0:
		http.Error(w, "a free lot cannot carry a price", http.StatusBadRequest)
		return
	}

	lot := domain.Lot{
		ID:                uuid.New(),
		MerchantID:        req.MerchantID,
		Title:             req.Title,
		Category:          req.Category,
		OriginalPrice:     req.OriginalPrice,
		DiscountedPrice:   req.DiscountedPrice,
		QuantityTotal:     req.QuantityTotal,
		PickupStart:       req.PickupStart,
		PickupEnd:         req.PickupEnd,
		IsUrgent:          req.IsUrgent,
		IsFree:            req.IsFree,
		RequiresColdChain: req.RequiresColdChain,
		Status:            domain.LotAvailable,
		CreatedAt:         time.Now().UTC(),
	}
	if err := h.lots.CreateLot(r.Context(), lot); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"lot_id": lot.ID,
	})
}

func (h *Handlers) WithdrawLot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.lots.WithdrawLot(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMerchant serves the pickup-point detail a customer sees after
// discovery. Coordinates are omitted while the address is unresolved.
func (h *Handlers) GetMerchant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	doc, err := h.merchants.GetMerchant(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := map[string]interface{}{
		"merchant_id": doc.ID,
		"name":        doc.Name,
		"address":     doc.Address,
	}
	if doc.Resolved {
		body["latitude"] = doc.Latitude
		body["longitude"] = doc.Longitude
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	var req struct {
		LotID      uuid.UUID `json:"lot_id"`
		Quantity   int       `json:"quantity"`
		UserID     uuid.UUID `json:"user_id"`
		IsDonation bool      `json:"is_donation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.workflow.Reserve(r.Context(), req.LotID, req.Quantity, req.UserID, req.IsDonation)
	if errors.Is(err, domain.ErrInsufficientStock) {
		avail, availErr := h.engine.Available(r.Context(), req.LotID)
		if availErr == nil {
			http.Error(w, fmt.Sprintf("only %d available", avail), http.StatusConflict)
			return
		}
		writeError(w, r, err)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.audit != nil {
		h.audit.LogReservation(r.Context(), *res)
	}

	qr, _ := pin.BuildQRPayload(*res)
	data := writeJSON(w, http.StatusCreated, map[string]interface{}{
		"reservation_id": res.ID,
		"pickup_pin":     res.PickupPIN,
		"total_price":    res.TotalPrice,
		"status":         res.Status,
		"qr_payload":     json.RawMessage(qr),
	})
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) CreateCart(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	var req struct {
		MerchantID uuid.UUID `json:"merchant_id"`
		UserID     uuid.UUID `json:"user_id"`
		IsDonation bool      `json:"is_donation"`
		Items      []struct {
			LotID    uuid.UUID `json:"lot_id"`
			Quantity int       `json:"quantity"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items := make([]workflow.CartItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = workflow.CartItem{LotID: it.LotID, Quantity: it.Quantity}
	}

	group, err := h.workflow.ReserveCart(r.Context(), req.MerchantID, items, req.UserID, req.IsDonation)
	if err != nil {
		writeError(w, r, err)
		return
	}

	qr, _ := pin.BuildCartQRPayload(*group, req.UserID)
	reservationIDs := make([]uuid.UUID, len(group.Reservations))
	for i, res := range group.Reservations {
		reservationIDs[i] = res.ID
	}
	data := writeJSON(w, http.StatusCreated, map[string]interface{}{
		"cart_group_id":   group.ID,
		"pickup_pin":      group.PickupPIN,
		"reservation_ids": reservationIDs,
		"total_price":     group.TotalPrice(),
		"qr_payload":      json.RawMessage(qr),
	})
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	res, err := h.workflow.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.workflow.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if h.audit != nil {
		h.audit.LogCancellation(r.Context(), *res)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Pickup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MerchantID  uuid.UUID  `json:"merchant_id"`
		PIN         string     `json:"pin"`
		Type        string     `json:"type"`
		UserID      uuid.UUID  `json:"user_id"`
		CartGroupID *uuid.UUID `json:"cart_group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.PIN) != 6 {
		http.Error(w, "invalid pin", http.StatusBadRequest)
		return
	}

	// The scanner posts the decoded QR payload alongside the PIN; the
	// extra fields are cross-checked against the resolved reservations.
	var claims *workflow.PickupClaims
	if req.Type != "" || req.UserID != uuid.Nil || req.CartGroupID != nil {
		claims = &workflow.PickupClaims{
			Kind:        req.Type,
			UserID:      req.UserID,
			CartGroupID: req.CartGroupID,
		}
	}

	completed, err := h.workflow.PickupByPIN(r.Context(), req.MerchantID, req.PIN, claims)
	if err != nil {
		// Never leak whose reservation a guessed PIN might match.
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "no active reservation for this code", http.StatusNotFound)
			return
		}
		writeError(w, r, err)
		return
	}

	if h.audit != nil {
		for _, res := range completed {
			h.audit.LogPickup(r.Context(), res)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"completed": len(completed),
	})
}

func (h *Handlers) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.workflow.ConfirmReceipt(r.Context(), id, req.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	res, err := h.workflow.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reservation_id":     res.ID,
		"lot_id":             res.LotID,
		"quantity":           res.Quantity,
		"total_price":        res.TotalPrice,
		"status":             res.Status,
		"is_donation":        res.IsDonation,
		"customer_confirmed": res.CustomerConfirmed,
		"cart_group_id":      res.CartGroupID,
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

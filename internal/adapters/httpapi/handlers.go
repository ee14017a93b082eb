package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"atp-engine/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Handler wires the core services behind the reservation, shipment, and
// balance-query endpoint groups: a struct of service dependencies plus a
// constructed chi.Router.
type Handler struct {
	reservations core.ReservationService
	shipments    core.ShipmentPoster
	balances     core.BalanceService
	router       chi.Router
}

// NewHandler builds and wires the chi router.
func NewHandler(reservations core.ReservationService, shipments core.ShipmentPoster, balances core.BalanceService, allowedOrigins string) http.Handler {
	h := &Handler{reservations: reservations, shipments: shipments, balances: balances}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recoverer)
	r.Use(CORS(allowedOrigins))

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(RequestBodyLimit(1 << 20))

		r.Post("/reservations", h.createReservations)
		r.Post("/reservations/{id}/allocate", h.allocateReservation)
		r.Post("/reservations/{id}/cancel", h.cancelReservation)
		r.Post("/reservations/{id}/fulfill", h.fulfillReservation)
		r.Post("/sales-order-shipments/{id}/post", h.postShipment)
		r.Get("/stock-levels", h.listStockLevels)
		r.Get("/availability", h.checkAvailability)
	})

	h.router = r
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestScope carries the tenant/actor context a real deployment would
// derive from an upstream auth layer; the actor is inferred from auth
// rather than accepted as a free-form body field. Authentication itself is
// out of scope here — this module accepts the already-resolved scope as
// headers, reading already-established context (e.g. RequireAuth) rather
// than doing the authentication itself.
type requestScope struct {
	CompanyID int
	Actor     string
}

func scopeFromRequest(r *http.Request) (requestScope, bool) {
	companyID, err := strconv.Atoi(r.Header.Get("X-Company-Id"))
	if err != nil {
		return requestScope{}, false
	}
	return requestScope{CompanyID: companyID, Actor: r.Header.Get("X-Actor")}, true
}

func warehouseFromRequest(r *http.Request) (int, bool) {
	warehouseID, err := strconv.Atoi(r.Header.Get("X-Warehouse-Id"))
	if err != nil {
		return 0, false
	}
	return warehouseID, true
}

// ── POST /reservations ──────────────────────────────────────────────────────

type reservationLineJSON struct {
	DemandType     string          `json:"demandType"`
	DemandID       int             `json:"demandId"`
	ItemID         int             `json:"itemId"`
	LocationID     int             `json:"locationId"`
	Quantity       decimal.Decimal `json:"quantity"`
	Uom            string          `json:"uom"`
	WarehouseID    *int            `json:"warehouseId,omitempty"`
	AllowBackorder *bool           `json:"allowBackorder,omitempty"`
}

type createReservationsBody struct {
	Reservations   []reservationLineJSON `json:"reservations"`
	IdempotencyKey string                `json:"idempotencyKey"`
}

type reservationView struct {
	ID                int64           `json:"id"`
	WarehouseID       int             `json:"warehouseId"`
	DemandType        string          `json:"demandType"`
	DemandID          int             `json:"demandId"`
	ItemID            int             `json:"itemId"`
	LocationID        int             `json:"locationId"`
	CanonicalUom      string          `json:"canonicalUom"`
	State             string          `json:"state"`
	QuantityReserved  decimal.Decimal `json:"quantityReserved"`
	QuantityFulfilled decimal.Decimal `json:"quantityFulfilled"`
}

func toReservationView(r core.Reservation) reservationView {
	return reservationView{
		ID: r.ID, WarehouseID: r.WarehouseID, DemandType: r.DemandType, DemandID: r.DemandID,
		ItemID: r.ItemID, LocationID: r.LocationID, CanonicalUom: r.CanonicalUom, State: string(r.State),
		QuantityReserved: r.QuantityReserved, QuantityFulfilled: r.QuantityFulfilled,
	}
}

func (h *Handler) createReservations(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(r)
	if !ok {
		writeError(w, r, "X-Company-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}

	var body createReservationsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, "invalid request body", "INVALID_BODY", http.StatusBadRequest)
		return
	}

	lines := make([]core.ReservationLineInput, 0, len(body.Reservations))
	for _, l := range body.Reservations {
		lines = append(lines, core.ReservationLineInput{
			DemandType: l.DemandType, DemandID: l.DemandID, ItemID: l.ItemID, LocationID: l.LocationID,
			Quantity: l.Quantity, Uom: l.Uom, WarehouseID: l.WarehouseID, AllowBackorder: l.AllowBackorder,
		})
	}

	result, err := h.reservations.Create(r.Context(), core.CreateReservationsRequest{
		CompanyID: scope.CompanyID, Lines: lines, IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	views := make([]reservationView, 0, len(result.Reservations))
	for _, res := range result.Reservations {
		views = append(views, toReservationView(res))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"reservations": views,
		"backorders":   result.Backorders,
	})
}

// ── POST /reservations/:id/{allocate,cancel,fulfill} ────────────────────────

func reservationIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (h *Handler) allocateReservation(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(r)
	if !ok {
		writeError(w, r, "X-Company-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	warehouseID, ok := warehouseFromRequest(r)
	if !ok {
		writeError(w, r, "X-Warehouse-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	id, ok := reservationIDFromPath(r)
	if !ok {
		writeError(w, r, "invalid reservation id", "RESERVATION_NOT_FOUND", http.StatusNotFound)
		return
	}

	res, err := h.reservations.Allocate(r.Context(), scope.CompanyID, warehouseID, id, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationView(res))
}

type cancelReservationBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(r)
	if !ok {
		writeError(w, r, "X-Company-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	warehouseID, ok := warehouseFromRequest(r)
	if !ok {
		writeError(w, r, "X-Warehouse-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	id, ok := reservationIDFromPath(r)
	if !ok {
		writeError(w, r, "invalid reservation id", "RESERVATION_NOT_FOUND", http.StatusNotFound)
		return
	}

	var body cancelReservationBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	res, err := h.reservations.Cancel(r.Context(), scope.CompanyID, warehouseID, id, r.Header.Get("Idempotency-Key"), body.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationView(res))
}

type fulfillReservationBody struct {
	Quantity decimal.Decimal `json:"quantity"`
}

func (h *Handler) fulfillReservation(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(r)
	if !ok {
		writeError(w, r, "X-Company-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	warehouseID, ok := warehouseFromRequest(r)
	if !ok {
		writeError(w, r, "X-Warehouse-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	id, ok := reservationIDFromPath(r)
	if !ok {
		writeError(w, r, "invalid reservation id", "RESERVATION_NOT_FOUND", http.StatusNotFound)
		return
	}

	var body fulfillReservationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, "invalid request body", "INVALID_BODY", http.StatusBadRequest)
		return
	}

	res, err := h.reservations.Fulfill(r.Context(), scope.CompanyID, warehouseID, id, body.Quantity, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationView(res))
}

// ── POST /sales-order-shipments/:id/post ────────────────────────────────────

type postShipmentBody struct {
	OverrideRequested bool   `json:"overrideRequested"`
	OverrideReason    string `json:"overrideReason"`
	OverrideReference string `json:"overrideReference"`
}

func (h *Handler) postShipment(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(r)
	if !ok {
		writeError(w, r, "X-Company-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	shipmentID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "invalid shipment id", "SHIPMENT_NOT_FOUND", http.StatusNotFound)
		return
	}

	var body postShipmentBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	result, err := h.shipments.Post(r.Context(), core.PostShipmentRequest{
		CompanyID:         scope.CompanyID,
		ShipmentID:        shipmentID,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
		Actor:             scope.Actor,
		OverrideRequested: body.OverrideRequested,
		OverrideReason:    body.OverrideReason,
		OverrideReference: body.OverrideReference,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ── GET /stock-levels ────────────────────────────────────────────────────────

func (h *Handler) listStockLevels(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(r)
	if !ok {
		writeError(w, r, "X-Company-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	balances, err := h.balances.ListBalances(r.Context(), scope.CompanyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// ── GET /availability ────────────────────────────────────────────────────────

func (h *Handler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(r)
	if !ok {
		writeError(w, r, "X-Company-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	warehouseID, ok := warehouseFromRequest(r)
	if !ok {
		writeError(w, r, "X-Warehouse-Id header is required", "WAREHOUSE_SCOPE_REQUIRED", http.StatusBadRequest)
		return
	}
	itemID, err := strconv.Atoi(r.URL.Query().Get("itemId"))
	if err != nil {
		writeError(w, r, "itemId query parameter is required", "INVALID_BODY", http.StatusBadRequest)
		return
	}
	uom := r.URL.Query().Get("uom")
	if uom == "" {
		writeError(w, r, "uom query parameter is required", "INVALID_BODY", http.StatusBadRequest)
		return
	}

	available, err := h.reservations.CheckAvailability(r.Context(), scope.CompanyID, warehouseID, itemID, uom)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"companyId":   scope.CompanyID,
		"warehouseId": warehouseID,
		"itemId":      itemID,
		"uom":         uom,
		"available":   available,
	})
}

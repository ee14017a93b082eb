package httpapi

import (
	"encoding/json"
	"net/http"

	"atp-engine/internal/core"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{Error: message, Code: code, RequestID: requestIDFromContext(r.Context())}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatusForCode is the error-code-to-status map for the HTTP surface.
var httpStatusForCode = map[string]int{
	core.CodeATPInsufficientAvailable: http.StatusConflict,
	core.CodeATPConcurrencyExhausted:  http.StatusConflict,
	core.CodeReservationInvalidState:  http.StatusConflict,
	core.CodeReservationConflict:      http.StatusConflict,
	core.CodeInsufficientWithAllow:    http.StatusConflict,
	core.CodeInsufficientStock:        http.StatusConflict,
	core.CodeIdempotencyInProgress:    http.StatusConflict,
	core.CodeIdempotencyConflict:      http.StatusConflict,
	core.CodeShipmentAlreadyCanceled:  http.StatusConflict,
	core.CodeNegativeOverrideDenied:   http.StatusForbidden,
	core.CodeNegativeOverrideNoReason: http.StatusConflict,
	core.CodeWarehouseScopeRequired:   http.StatusBadRequest,
	core.CodeWarehouseScopeMismatch:   http.StatusConflict,
	core.CodeCrossWarehouseLeakage:    http.StatusConflict,
	core.CodeReservationNotFound:      http.StatusNotFound,
	core.CodeShipmentNotFound:         http.StatusNotFound,
	core.CodeReservationInvalidQty:    http.StatusBadRequest,
	core.CodeLocationNotSellable:      http.StatusConflict,
	core.CodeUomDimensionMismatch:     http.StatusBadRequest,
	core.CodeItemCanonicalUomMissing:  http.StatusBadRequest,
	core.CodeBalanceRowMissing:        http.StatusNotFound,
	core.CodeNoLayers:                 http.StatusConflict,
	core.CodeInsufficientLayerQty:     http.StatusConflict,
}

// writeDomainError maps a core.Error to the HTTP surface, falling back to
// 500 for anything uncoded or unrecognized.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := core.CodeOf(err)
	if code == "" {
		writeError(w, r, err.Error(), "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	status, ok := httpStatusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	resp := errorResponse{Error: err.Error(), Code: code, RequestID: requestIDFromContext(r.Context())}
	var coreErr *core.Error
	if ce, ok := err.(*core.Error); ok {
		coreErr = ce
	}
	if coreErr != nil {
		resp.Retryable = coreErr.Retryable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

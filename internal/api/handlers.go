package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/example/es-engine/internal/api/middleware"
	"github.com/example/es-engine/internal/command"
	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/query"
)

type Handlers struct {
	cmdHandler   *command.Handler
	queryHandler *query.Handler
}

func NewHandlers(cmdHandler *command.Handler, queryHandler *query.Handler) *Handlers {
	return &Handlers{
		cmdHandler:   cmdHandler,
		queryHandler: queryHandler,
	}
}

// Cart Command Handlers

func (h *Handlers) OpenCart(w http.ResponseWriter, r *http.Request) {
	res, err := h.cmdHandler.OpenCart(r.Context(), command.OpenCart{Meta: meta(r), UserID: getUserID(r)})
	respondResult(w, http.StatusCreated, res, err)
}

func (h *Handlers) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
		Price     int    `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd := command.AddToCart{
		Meta:      meta(r),
		UserID:    getUserID(r),
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Price:     req.Price,
	}
	res, err := h.cmdHandler.AddToCart(r.Context(), cmd)
	respondResult(w, http.StatusOK, res, err)
}

func (h *Handlers) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	cmd := command.RemoveFromCart{
		Meta:      meta(r),
		UserID:    getUserID(r),
		ProductID: r.PathValue("productID"),
	}
	res, err := h.cmdHandler.RemoveFromCart(r.Context(), cmd)
	respondResult(w, http.StatusOK, res, err)
}

func (h *Handlers) ClearCart(w http.ResponseWriter, r *http.Request) {
	res, err := h.cmdHandler.ClearCart(r.Context(), command.ClearCart{Meta: meta(r), UserID: getUserID(r)})
	respondResult(w, http.StatusOK, res, err)
}

func (h *Handlers) SetNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.cmdHandler.SetNote(r.Context(), command.SetNote{Meta: meta(r), UserID: getUserID(r), Note: req.Note})
	respondResult(w, http.StatusOK, res, err)
}

func (h *Handlers) DeleteCart(w http.ResponseWriter, r *http.Request) {
	cmd := command.DeleteCart{
		Meta:      meta(r),
		UserID:    getUserID(r),
		Permanent: r.URL.Query().Get("permanent") == "true",
	}
	res, err := h.cmdHandler.DeleteCart(r.Context(), cmd)
	respondResult(w, http.StatusOK, res, err)
}

func (h *Handlers) RestoreCart(w http.ResponseWriter, r *http.Request) {
	res, err := h.cmdHandler.RestoreCart(r.Context(), command.RestoreCart{Meta: meta(r), UserID: getUserID(r)})
	respondResult(w, http.StatusOK, res, err)
}

// Cart Query Handlers

func (h *Handlers) GetCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.queryHandler.GetCart(r.Context(), getUserID(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(c.ETag))
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) GetCartAt(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if err != nil {
		respondError(w, "invalid version", http.StatusBadRequest)
		return
	}
	c, err := h.queryHandler.GetCartAt(r.Context(), getUserID(r), version)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	from, err := int64Param(r, "from")
	if err != nil {
		respondError(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := int64Param(r, "to")
	if err != nil {
		respondError(w, "invalid to", http.StatusBadRequest)
		return
	}
	events, err := h.queryHandler.History(r.Context(), getUserID(r), from, to)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *Handlers) GetCartSummary(w http.ResponseWriter, r *http.Request) {
	c, found, err := h.queryHandler.ProjectedCart(r.Context(), getUserID(r))
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		respondError(w, "Cart not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Admin Handlers

func (h *Handlers) ListCarts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize, err := int64Param(r, "page_size")
	if err != nil {
		respondError(w, "invalid page_size", http.StatusBadRequest)
		return
	}
	page, err := h.queryHandler.ListCarts(r.Context(), int(pageSize), q.Get("token"), q.Get("product_id"), q.Get("include_deleted") == "true")
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handlers) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.queryHandler.Streams(r.Context())
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, streams)
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondResult(w http.ResponseWriter, status int, res command.Result, err error) {
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if res.Skipped && status == http.StatusCreated {
		status = http.StatusOK
	}
	if res.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(res.ETag))
	}
	respondJSON(w, status, res)
}

// respondStoreError maps command and store failures onto status codes.
func respondStoreError(w http.ResponseWriter, err error) {
	var invalid *command.ValidationError
	switch {
	case errors.As(err, &invalid):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "fields": invalid.Errors})
	case errors.Is(err, eventstore.ErrNotFound), errors.Is(err, cart.ErrItemNotInCart):
		respondError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, command.ErrETagMismatch):
		respondError(w, err.Error(), http.StatusPreconditionFailed)
	case errors.Is(err, eventstore.ErrConcurrencyConflict),
		errors.Is(err, eventstore.ErrAlreadyDeleted),
		errors.Is(err, eventstore.ErrNotDeleted),
		errors.Is(err, eventstore.ErrLocked),
		errors.Is(err, cart.ErrAlreadyOpened):
		respondError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, cart.ErrInvalidProduct),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidUser):
		respondError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, eventstore.ErrPayloadTooLarge):
		respondError(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		respondError(w, err.Error(), http.StatusInternalServerError)
	}
}

func meta(r *http.Request) command.Meta {
	etag := r.Header.Get("If-Match")
	if unquoted, err := strconv.Unquote(etag); err == nil {
		etag = unquoted
	}
	return command.Meta{
		IdempotencyID: middleware.GetIdempotencyKey(r.Context()),
		ExpectedETag:  etag,
	}
}

func int64Param(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getUserID(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

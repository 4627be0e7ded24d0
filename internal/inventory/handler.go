package inventory

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vaxinv/vaxinv/internal/platform/httpx"
	"github.com/vaxinv/vaxinv/internal/shared"
)

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/lots", func(r chi.Router) {
		r.Get("/", h.listLots)
		r.Post("/", h.receiveLot)
		r.Get("/{id}", h.getLot)
		r.Get("/{id}/ledger", h.lotLedger)
	})
	r.Get("/fefo/{vaccineID}", h.fefo)
	r.Get("/administrations", h.listAdministrations)
	r.Post("/administrations", h.administer)
	r.Route("/adjustments", func(r chi.Router) {
		r.Get("/", h.listAdjustments)
		r.Post("/", h.adjust)
		r.Post("/bulk-expire", h.bulkExpire)
		r.Post("/recall", h.recall)
	})
}

type receiveRequest struct {
	VaccineID      int64  `json:"vaccine_id" validate:"required,gt=0"`
	LotNumber      string `json:"lot_number" validate:"required,max=64"`
	ExpirationDate string `json:"expiration_date" validate:"required,datetime=2006-01-02"`
	NDC            string `json:"ndc" validate:"omitempty,max=20"`
	FundingSource  string `json:"funding_source" validate:"required,oneof=vfc private"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	Notes          string `json:"notes" validate:"omitempty,max=500"`
}

type administerRequest struct {
	LotID         int64  `json:"lot_id" validate:"required,gt=0"`
	FundingSource string `json:"funding_source" validate:"required,oneof=vfc private"`
	Notes         string `json:"notes" validate:"omitempty,max=500"`
}

type adjustRequest struct {
	LotID             int64  `json:"lot_id" validate:"required,gt=0"`
	AdjustmentType    string `json:"adjustment_type" validate:"required"`
	Quantity          int    `json:"quantity"`
	Reason            string `json:"reason" validate:"omitempty,max=500"`
	RelatedLocationID *int64 `json:"related_location_id"`
}

type recallRequest struct {
	LotNumber string `json:"lot_number" validate:"required,max=64"`
	Reason    string `json:"reason" validate:"omitempty,max=500"`
}

// actor returns the caller, failing the request when the upstream headers
// are missing.
func actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	a, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrMissingActor)
	}
	return a, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// locationParam prefers an explicit location_id query parameter and falls
// back to the caller's station.
func locationParam(r *http.Request) (int64, error) {
	id, err := httpx.QueryInt64(r, "location_id")
	if err != nil || id != 0 {
		return id, err
	}
	if a, ok := shared.ActorFromContext(r.Context()); ok {
		return a.LocationID, nil
	}
	return 0, nil
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if RejectionReason(err) == "" {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) receiveLot(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	exp, _ := time.Parse(time.DateOnly, req.ExpirationDate)
	lot, err := h.service.ReceiveLot(r.Context(), ReceiveInput{
		VaccineID:     req.VaccineID,
		LocationID:    a.LocationID,
		LotNumber:     req.LotNumber,
		Expiration:    exp,
		NDC:           req.NDC,
		FundingSource: FundingSource(req.FundingSource),
		Quantity:      req.Quantity,
		Notes:         req.Notes,
		ActorID:       a.UserID,
	})
	if err != nil {
		h.respondError(w, "receive lot", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	location, err := locationParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	vaccineID, err := httpx.QueryInt64(r, "vaccine_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lots, err := h.service.ListLots(r.Context(), LotFilter{
		LocationID:    location,
		VaccineID:     vaccineID,
		FundingSource: FundingSource(r.URL.Query().Get("funding_source")),
		LotNumber:     r.URL.Query().Get("lot_number"),
	})
	if err != nil {
		h.respondError(w, "list lots", err)
		return
	}
	if lots == nil {
		lots = []Lot{}
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) getLot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lot, err := h.service.GetLot(r.Context(), id)
	if err != nil {
		h.respondError(w, "get lot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lot)
}

func (h *Handler) lotLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ledger, err := h.service.LotLedger(r.Context(), id)
	if err != nil {
		h.respondError(w, "lot ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledger)
}

func (h *Handler) fefo(w http.ResponseWriter, r *http.Request) {
	vaccineID, ok := pathID(w, r, "vaccineID")
	if !ok {
		return
	}
	location, err := locationParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lots, err := h.service.FEFOCandidates(r.Context(), vaccineID, location, FundingSource(r.URL.Query().Get("funding_source")))
	if err != nil {
		h.respondError(w, "fefo candidates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) administer(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req administerRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.AdministerDose(r.Context(), AdministerInput{
		LotID:          req.LotID,
		LocationID:     a.LocationID,
		ActorID:        a.UserID,
		FundingSource:  FundingSource(req.FundingSource),
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, "administer dose", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) listAdministrations(w http.ResponseWriter, r *http.Request) {
	location, err := locationParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := AdministrationFilter{LocationID: location}
	if filter.VaccineID, err = httpx.QueryInt64(r, "vaccine_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.LotID, err = httpx.QueryInt64(r, "lot_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.From, err = httpx.QueryTime(r, "start_date", false); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = httpx.QueryTime(r, "end_date", true); err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter.Limit = int(limit)
	list, err := h.service.ListAdministrations(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list administrations", err)
		return
	}
	if list == nil {
		list = []Administration{}
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.ApplyAdjustment(r.Context(), AdjustmentInput{
		LotID:             req.LotID,
		Type:              req.AdjustmentType,
		Quantity:          req.Quantity,
		Reason:            req.Reason,
		RelatedLocationID: req.RelatedLocationID,
		ActorID:           a.UserID,
		LocationID:        a.LocationID,
	})
	if err != nil {
		h.respondError(w, "apply adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) listAdjustments(w http.ResponseWriter, r *http.Request) {
	location, err := locationParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.ListAdjustments(r.Context(), AdjustmentFilter{
		LocationID: location,
		Type:       AdjustmentType(r.URL.Query().Get("type")),
		Limit:      int(limit),
	})
	if err != nil {
		h.respondError(w, "list adjustments", err)
		return
	}
	if list == nil {
		list = []Adjustment{}
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) bulkExpire(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	res, err := h.service.BulkExpire(r.Context(), a.LocationID, a.UserID)
	if err != nil {
		h.respondError(w, "bulk expire", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req recallRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Recall(r.Context(), RecallInput{
		LotNumber:  req.LotNumber,
		Reason:     req.Reason,
		ActorID:    a.UserID,
		LocationID: a.LocationID,
	})
	if err != nil {
		h.respondError(w, "recall", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

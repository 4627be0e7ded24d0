package coldchain

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vaxinv/vaxinv/internal/platform/httpx"
	"github.com/vaxinv/vaxinv/internal/shared"
)

// Handler exposes readings over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers cold chain routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/readings", h.record)
	r.Get("/readings", h.readings)
	r.Get("/excursions", h.excursions)
}

type recordRequest struct {
	UnitName    string           `json:"unit_name" validate:"required,max=100"`
	ReadingF    *decimal.Decimal `json:"reading_f" validate:"required"`
	ReadingTime *time.Time       `json:"reading_time"`
	Notes       string           `json:"notes" validate:"omitempty,max=500"`
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrMissingActor)
		return
	}
	var req recordRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := RecordInput{
		LocationID: actor.LocationID,
		UnitName:   req.UnitName,
		ReadingF:   req.ReadingF,
		ActorID:    actor.UserID,
		Notes:      req.Notes,
	}
	if req.ReadingTime != nil {
		in.ReadingTime = *req.ReadingTime
	}
	reading, err := h.service.Record(r.Context(), in)
	if err != nil {
		h.logger.Error("record reading", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, reading)
}

func filterFrom(r *http.Request) (Filter, error) {
	var f Filter
	var err error
	if f.LocationID, err = httpx.QueryInt64(r, "location_id"); err != nil {
		return f, err
	}
	if f.LocationID == 0 {
		if actor, ok := shared.ActorFromContext(r.Context()); ok {
			f.LocationID = actor.LocationID
		}
	}
	if f.From, err = httpx.QueryTime(r, "start_date", false); err != nil {
		return f, err
	}
	if f.To, err = httpx.QueryTime(r, "end_date", true); err != nil {
		return f, err
	}
	limit, err := httpx.QueryInt64(r, "limit")
	f.Limit = int(limit)
	return f, err
}

func (h *Handler) readings(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Readings(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) excursions(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Excursions(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

package coldchain

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vaxinv/vaxinv/internal/shared"
)

// AuditPort records audit entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer is told about every stored reading.
type Observer interface {
	ReadingRecorded(outOfRange bool)
}

// Service records and lists readings.
type Service struct {
	repo     Repository
	audit    AuditPort
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs the service. audit and observer may be nil.
func NewService(repo Repository, audit AuditPort, observer Observer, logger *slog.Logger, clock func() time.Time) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: repo, audit: audit, observer: observer, logger: logger, clock: clock}
}

// Record validates and stores a reading, flagging it when out of range.
func (s *Service) Record(ctx context.Context, in RecordInput) (Reading, error) {
	unit := strings.TrimSpace(in.UnitName)
	switch {
	case in.LocationID <= 0:
		return Reading{}, fmt.Errorf("%w: location_id required", ErrValidation)
	case unit == "":
		return Reading{}, fmt.Errorf("%w: unit_name required", ErrValidation)
	case in.ReadingF == nil:
		return Reading{}, fmt.Errorf("%w: reading_f required", ErrValidation)
	}
	f := in.ReadingF.Round(1)
	at := in.ReadingTime
	if at.IsZero() {
		at = s.clock()
	}
	r, err := s.repo.Insert(ctx, Reading{
		LocationID:  in.LocationID,
		UnitName:    unit,
		ReadingF:    f,
		ReadingTime: at,
		LoggedBy:    in.ActorID,
		OutOfRange:  OutOfRange(f),
		Notes:       in.Notes,
	})
	if err != nil {
		return Reading{}, err
	}
	if s.observer != nil {
		s.observer.ReadingRecorded(r.OutOfRange)
	}
	if r.OutOfRange {
		s.logger.Warn("temperature excursion",
			slog.Int64("location_id", r.LocationID),
			slog.String("unit", r.UnitName),
			slog.String("reading_f", r.ReadingF.String()))
	}
	if s.audit != nil {
		entry := shared.AuditLog{
			ActorID:    in.ActorID,
			LocationID: r.LocationID,
			Action:     "record",
			Entity:     "temperature_log",
			EntityID:   strconv.FormatInt(r.ID, 10),
			Meta:       map[string]any{"unit_name": r.UnitName, "reading_f": r.ReadingF.String(), "out_of_range": r.OutOfRange},
			At:         s.clock(),
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit record failed", slog.String("entity", "temperature_log"), slog.Any("error", err))
		}
	}
	return r, nil
}

// Readings lists readings at a location, newest first.
func (s *Service) Readings(ctx context.Context, filter Filter) ([]Reading, error) {
	filter.OutOfRangeOnly = false
	return s.list(ctx, filter)
}

// Excursions lists out-of-range readings at a location, newest first.
func (s *Service) Excursions(ctx context.Context, filter Filter) ([]Reading, error) {
	filter.OutOfRangeOnly = true
	return s.list(ctx, filter)
}

// ExcursionsSince lists excursions at a location from since until now.
func (s *Service) ExcursionsSince(ctx context.Context, locationID int64, since time.Duration) ([]Reading, error) {
	now := s.clock()
	return s.Excursions(ctx, Filter{LocationID: locationID, From: now.Add(-since), To: now})
}

func (s *Service) list(ctx context.Context, filter Filter) ([]Reading, error) {
	if filter.LocationID <= 0 {
		return nil, fmt.Errorf("%w: location_id required", ErrValidation)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: end_date before start_date", ErrValidation)
	}
	out, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Reading{}
	}
	return out, nil
}

package favorites

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/events"
)

const tracerName = "github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"

var (
	errMissingStore = errors.New("favorites store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError carries a stable code of the form favorites.<operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "favorites.service.new"
	opList       = "favorites.list"
	opGet        = "favorites.get"
	opAdd        = "favorites.add"
	opUpdate     = "favorites.update"
	opRemove     = "favorites.remove"
)

const (
	reasonMissingStore       = "missing_store"
	reasonNotFound           = "not_found"
	reasonVersionConflict    = "version_conflict"
	reasonInvalidCursor      = "invalid_cursor"
	reasonBackendUnavailable = "backend_unavailable"
	reasonStoreFailed        = "store_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the orchestrator. Publisher and Logger are optional.
type ServiceConfig struct {
	Store     Store
	Publisher events.Publisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Service receives authorized, validated requests, calls the Store and shapes results
// into their public views.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    *zap.Logger
	clock     func() time.Time
	tracer    trace.Tracer
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:     cfg.Store,
		publisher: publisher,
		logger:    logger,
		clock:     clock,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// List returns one page of the owner's favorites. The limit is clamped to
// [MinPageLimit, MaxPageLimit] before it reaches the store.
func (s *Service) List(ctx context.Context, ownerID OwnerID, limit int, cursor string) (ListView, error) {
	if s == nil || s.store == nil {
		return ListView{}, s.missingStore(opList)
	}
	ctx, span := s.startSpan(ctx, "List", ownerID, "")
	defer span.End()

	clamped := ClampLimit(limit)
	span.SetAttributes(attribute.Int("favorites.limit", clamped))
	page, err := s.store.List(ctx, ownerID, clamped, cursor)
	if err != nil {
		return ListView{}, s.fail(span, opList, err, ownerID, "")
	}
	return toListView(page), nil
}

// Get returns one favorite.
func (s *Service) Get(ctx context.Context, ownerID OwnerID, itemID ItemID) (FavoriteView, error) {
	if s == nil || s.store == nil {
		return FavoriteView{}, s.missingStore(opGet)
	}
	ctx, span := s.startSpan(ctx, "Get", ownerID, itemID)
	defer span.End()

	record, err := s.store.Get(ctx, ownerID, itemID)
	if err != nil {
		return FavoriteView{}, s.fail(span, opGet, err, ownerID, itemID)
	}
	return ToView(record), nil
}

// Add creates a favorite or refreshes the display snapshot of an existing one.
func (s *Service) Add(ctx context.Context, ownerID OwnerID, input CreateInput) (CreateView, error) {
	if s == nil || s.store == nil {
		return CreateView{}, s.missingStore(opAdd)
	}
	ctx, span := s.startSpan(ctx, "Add", ownerID, input.ItemID)
	defer span.End()

	result, err := s.store.CreateOrTouch(ctx, ownerID, input)
	if err != nil {
		return CreateView{}, s.fail(span, opAdd, err, ownerID, input.ItemID)
	}
	span.SetAttributes(attribute.Bool("favorites.created", result.Created))

	kind := events.KindTouched
	if result.Created {
		kind = events.KindCreated
	}
	s.publish(ctx, opAdd, kind, result.Record)

	return CreateView{Idempotent: !result.Created, Item: ToView(result.Record)}, nil
}

// Update applies a sparse patch when the stored version equals expected.
func (s *Service) Update(ctx context.Context, ownerID OwnerID, itemID ItemID, expected Version, patch Patch) (FavoriteView, error) {
	if s == nil || s.store == nil {
		return FavoriteView{}, s.missingStore(opUpdate)
	}
	ctx, span := s.startSpan(ctx, "Update", ownerID, itemID)
	defer span.End()
	span.SetAttributes(attribute.Int64("favorites.expected_version", expected.Int64()))

	record, err := s.store.UpdateWithVersion(ctx, ownerID, itemID, expected, patch)
	if err != nil {
		return FavoriteView{}, s.fail(span, opUpdate, err, ownerID, itemID)
	}
	s.publish(ctx, opUpdate, events.KindUpdated, record)
	return ToView(record), nil
}

// Remove deletes a favorite. Removing an absent favorite succeeds. Every successful
// call publishes a deleted event, also when nothing was stored; the event carries no
// version because stores do not report the removed one.
func (s *Service) Remove(ctx context.Context, ownerID OwnerID, itemID ItemID) error {
	if s == nil || s.store == nil {
		return s.missingStore(opRemove)
	}
	ctx, span := s.startSpan(ctx, "Remove", ownerID, itemID)
	defer span.End()

	if err := s.store.Delete(ctx, ownerID, itemID); err != nil {
		return s.fail(span, opRemove, err, ownerID, itemID)
	}
	s.publish(ctx, opRemove, events.KindDeleted, Record{OwnerID: ownerID, ItemID: itemID})
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string, ownerID OwnerID, itemID ItemID) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("favorites.owner_id", ownerID.String())}
	if itemID != "" {
		attrs = append(attrs, attribute.String("favorites.item_id", itemID.String()))
	}
	return s.tracer.Start(ctx, "favorites.Service/"+name, trace.WithAttributes(attrs...))
}

func (s *Service) fail(span trace.Span, operation string, err error, ownerID OwnerID, itemID ItemID) error {
	reason := reasonFor(err)
	fields := []zap.Field{zap.String("owner_id", ownerID.String())}
	if itemID != "" {
		fields = append(fields, zap.String("item_id", itemID.String()))
	}
	switch reason {
	case reasonNotFound, reasonVersionConflict, reasonInvalidCursor:
		s.loggerOrDefault().Debug("favorites request rejected",
			append(fields, zap.String("operation", operation), zap.String("reason", reason))...)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) publish(ctx context.Context, operation string, kind events.Kind, record Record) {
	event := events.NewChangeEvent(record.OwnerID.String(), record.ItemID.String(), kind, record.Version.Int64(), s.clock())
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.loggerOrDefault().Warn("change event not published",
			zap.String("operation", operation),
			zap.String("kind", string(kind)),
			zap.String("owner_id", event.OwnerID),
			zap.String("item_id", event.ItemID),
			zap.Error(err))
	}
}

func (s *Service) missingStore(operation string) error {
	s.logError(operation, reasonMissingStore, errMissingStore)
	return newServiceError(operation, reasonMissingStore, errMissingStore)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return reasonNotFound
	case errors.Is(err, ErrVersionConflict):
		return reasonVersionConflict
	case errors.Is(err, ErrInvalidCursor):
		return reasonInvalidCursor
	case errors.Is(err, ErrBackendUnavailable):
		return reasonBackendUnavailable
	default:
		return reasonStoreFailed
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("favorites service error", attrs...)
}

package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/handler"
	"github.com/getpup/livingrecord/es/metrics"
	"github.com/getpup/livingrecord/es/replay"
	"github.com/getpup/livingrecord/es/store"
)

const tracerName = "github.com/getpup/livingrecord/crm"

// DB is a connection pool: it runs queries and starts transactions. *sql.DB implements it.
type DB interface {
	es.DBTX
	es.TxBeginner
}

// Notifier is told about every entity whose log grew. The snapshot scheduler implements it.
type Notifier interface {
	Notify(ref es.EntityRef) bool
}

// Config configures a Service.
type Config struct {
	// Logger is optional. Nil disables logging.
	Logger es.Logger

	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer

	// Notifier is optional; it is called after each commit.
	Notifier Notifier

	// EntityTypes restricts the accepted entity types. Empty accepts any type.
	EntityTypes []string

	// AutoMergeThreshold is the confidence at or above which submitted
	// candidates merge without review (default 0.95).
	AutoMergeThreshold float64

	// RetryAttempts bounds attempts of a write transaction hitting ordering
	// conflicts, deadlocks or serialization failures (default 10).
	RetryAttempts int

	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// VerifyConcurrency bounds parallel checks in VerifyAll (default 4).
	VerifyConcurrency int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		EntityTypes:        []string{Contact, Company},
		AutoMergeThreshold: 0.95,
		RetryAttempts:      10,
		RetryInitialDelay:  5 * time.Millisecond,
		RetryMaxDelay:      250 * time.Millisecond,
		VerifyConcurrency:  4,
	}
}

// Service is the living-record API: writes, queries, reconstruction, the merge
// coordinator and compliance erasure.
type Service struct {
	db            DB
	backend       store.Backend
	registry      *handler.Registry[Record]
	reconstructor *replay.Reconstructor[Record]
	codec         replay.Codec[Record]
	tracer        trace.Tracer
	logger        es.Logger
	notifier      Notifier
	retrier       retry.Retry[struct{}]
	entityTypes   map[string]bool
	config        Config
	autoMerge     atomic.Uint64
}

// NewService creates a Service over db and backend.
func NewService(db DB, backend store.Backend, config *Config) *Service {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	d := DefaultConfig()
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = d.RetryAttempts
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = d.RetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = d.RetryMaxDelay
	}
	if cfg.VerifyConcurrency < 1 {
		cfg.VerifyConcurrency = d.VerifyConcurrency
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	var opts []handler.Option
	if cfg.Logger != nil {
		opts = append(opts, handler.WithLogger(cfg.Logger))
	}
	registry := NewRegistry(opts...)

	s := &Service{
		db:       db,
		backend:  backend,
		registry: registry,
		reconstructor: replay.New[Record](backend, registry, replay.Config[Record]{
			Logger:    cfg.Logger,
			Snapshots: backend,
		}),
		codec:    replay.JSONCodec[Record]{},
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		notifier: cfg.Notifier,
		config:   cfg,
	}
	if len(cfg.EntityTypes) > 0 {
		s.entityTypes = make(map[string]bool, len(cfg.EntityTypes))
		for _, t := range cfg.EntityTypes {
			s.entityTypes[t] = true
		}
	}
	s.SetAutoMergeThreshold(cfg.AutoMergeThreshold)
	s.retrier = retry.New[struct{}](retry.Config{
		MaxAttempts:   cfg.RetryAttempts,
		InitialDelay:  cfg.RetryInitialDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    2.0,
		Jitter:        true,
		IsRetryable:   s.isRetryable,
	})
	return s
}

// Reconstructor returns the reconstructor shared with the snapshot manager.
func (s *Service) Reconstructor() *replay.Reconstructor[Record] {
	return s.reconstructor
}

// Registry returns the handler registry.
func (s *Service) Registry() *handler.Registry[Record] {
	return s.registry
}

// Codec returns the state codec used for views and snapshots.
func (s *Service) Codec() replay.Codec[Record] {
	return s.codec
}

// SetNotifier sets the post-commit notifier. Call it before serving requests.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetAutoMergeThreshold changes the auto-merge confidence; safe for concurrent use.
// Values outside (0, 1] disable auto-merging.
func (s *Service) SetAutoMergeThreshold(v float64) {
	if v <= 0 || v > 1 || math.IsNaN(v) {
		v = math.Inf(1)
	}
	s.autoMerge.Store(math.Float64bits(v))
}

// AutoMergeThreshold returns the current auto-merge confidence.
func (s *Service) AutoMergeThreshold() float64 {
	return math.Float64frombits(s.autoMerge.Load())
}

// WriteOptions qualify a write.
type WriteOptions struct {
	// OccurredAt is the business time; zero means now. The store never lets it go
	// backwards within an entity.
	OccurredAt time.Time

	// Expected is the optimistic precondition; nil means any version.
	Expected *es.ExpectedVersion

	// DedupKey makes retried calls idempotent. With several changes each event
	// gets the key suffixed with its index.
	DedupKey string

	Metadata json.RawMessage

	Actor         uuid.NullUUID
	CorrelationID uuid.NullUUID
}

// Actor returns a valid actor id for WriteOptions.
func Actor(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: true}
}

// Create starts a new record.
func (s *Service) Create(ctx context.Context, ref es.EntityRef, opts WriteOptions, c Created) (Record, error) {
	if opts.Expected == nil {
		ev := es.NoStream()
		opts.Expected = &ev
	}
	return s.Write(ctx, ref, opts, c)
}

// Update sets fields of a record.
func (s *Service) Update(ctx context.Context, ref es.EntityRef, opts WriteOptions, fields map[string]string) (Record, error) {
	return s.Write(ctx, ref, opts, Updated{Fields: fields})
}

// Delete soft-deletes a record.
func (s *Service) Delete(ctx context.Context, ref es.EntityRef, opts WriteOptions, reason string) (Record, error) {
	return s.Write(ctx, ref, opts, Deleted{Reason: reason})
}

// Write appends changes to one record and updates its materialized row in the same
// transaction. Ordering conflicts are retried internally.
func (s *Service) Write(ctx context.Context, ref es.EntityRef, opts WriteOptions, changes ...Change) (rec Record, err error) {
	ctx, span := s.startSpan(ctx, "crm.Write", ref)
	defer func() { endSpan(span, err) }()

	if err := s.checkRef(ref); err != nil {
		return Record{}, err
	}
	if len(changes) == 0 {
		return Record{}, es.ErrNoEvents
	}
	prepared := make([]Change, len(changes))
	for i, c := range changes {
		p, err := prepare(c)
		if err != nil {
			return Record{}, fmt.Errorf("change %d: %w", i, err)
		}
		prepared[i] = p
	}

	events, err := s.newEvents(ref, opts, prepared)
	if err != nil {
		return Record{}, err
	}
	expected := es.Any()
	if opts.Expected != nil {
		expected = *opts.Expected
	}

	err = s.inTx(ctx, "write", nil, func(tx *sql.Tx) error {
		var err error
		rec, err = s.commit(ctx, tx, ref, expected, events)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	s.notify(ref)
	return rec, nil
}

// newEvents builds the events of one write.
func (s *Service) newEvents(ref es.EntityRef, opts WriteOptions, changes []Change) ([]es.Event, error) {
	events := make([]es.Event, len(changes))
	for i, c := range changes {
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", c.EventType(), err)
		}
		key := opts.DedupKey
		if key != "" && len(changes) > 1 {
			key = fmt.Sprintf("%s#%d", key, i)
		}
		events[i] = es.Event{
			EntityType:    ref.Type,
			EntityID:      ref.ID,
			EventType:     c.EventType(),
			EventVersion:  1,
			Payload:       payload,
			Metadata:      opts.Metadata,
			ActorID:       opts.Actor,
			CorrelationID: opts.CorrelationID,
			DedupKey:      key,
			OccurredAt:    opts.OccurredAt,
		}
	}
	return events, nil
}

// commit appends events and projects them into the view within tx.
func (s *Service) commit(ctx context.Context, tx *sql.Tx, ref es.EntityRef, expected es.ExpectedVersion, events []es.Event) (Record, error) {
	result, err := s.backend.Append(ctx, tx, expected, events)
	if err != nil {
		return Record{}, err
	}

	appended := result.Appended()
	if len(appended) == 0 {
		return s.load(ctx, tx, ref)
	}

	prior, err := s.load(ctx, tx, ref)
	if err != nil && !errors.Is(err, es.ErrNotFound) {
		return Record{}, err
	}

	var next Record
	if prior.Sequence == appended[0].Sequence-1 {
		next, err = s.registry.Fold(ctx, prior, appended)
		if err != nil {
			return Record{}, err
		}
	} else {
		// The row lags the log; fold the whole history instead.
		if s.logger != nil {
			s.logger.Warn(ctx, "materialized row behind log, rebuilding",
				"entity", ref.String(),
				"view_sequence", prior.Sequence,
				"first_appended", appended[0].Sequence)
		}
		res, err := s.reconstructor.Rebuild(ctx, tx, ref)
		if err != nil {
			return Record{}, err
		}
		next = res.State
	}

	if err := s.persist(ctx, tx, &next); err != nil {
		return Record{}, err
	}

	if s.logger != nil {
		s.logger.Debug(ctx, "record written",
			"entity", ref.String(),
			"sequence", next.Sequence,
			"events", len(appended))
	}
	return next, nil
}

// persist writes the materialized row and identifier index of rec.
func (s *Service) persist(ctx context.Context, tx es.DBTX, rec *Record) error {
	state, err := s.codec.Encode(*rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	view := store.View{
		Ref:        rec.Ref,
		Status:     rec.Status,
		State:      state,
		Sequence:   rec.Sequence,
		MergedInto: rec.MergedInto,
		UpdatedAt:  rec.UpdatedAt,
	}
	if err := s.backend.SaveView(ctx, tx, &view); err != nil {
		return err
	}

	var keys []store.IdentifierKey
	if rec.Active() {
		keys = rec.IdentifierKeys()
	}
	return s.backend.ReplaceIdentifiers(ctx, tx, rec.Ref, keys)
}

// load decodes the materialized row of ref.
func (s *Service) load(ctx context.Context, db es.DBTX, ref es.EntityRef) (Record, error) {
	view, err := s.backend.LoadView(ctx, db, ref)
	if err != nil {
		return Record{}, err
	}
	rec, err := s.codec.Decode(view.State)
	if err != nil {
		return Record{}, fmt.Errorf("decode view %s: %w", ref, err)
	}
	return rec, nil
}

// inTx runs fn in a transaction, retrying retryable failures from scratch.
func (s *Service) inTx(ctx context.Context, op string, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	var last error
	attempt := 0
	_, err := s.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.WriteRetries.WithLabelValues(op).Inc()
			if s.logger != nil {
				s.logger.Debug(ctx, "retrying transaction",
					"operation", op,
					"attempt", attempt,
					"error", last)
			}
		}
		last = es.InTx(ctx, s.db, opts, fn)
		return struct{}{}, last
	})
	if err != nil && last != nil {
		return last
	}
	return err
}

func (s *Service) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, es.ErrOrderingConflict) || s.backend.IsRetryable(err)
}

func (s *Service) notify(refs ...es.EntityRef) {
	if s.notifier == nil {
		return
	}
	for _, ref := range refs {
		s.notifier.Notify(ref)
	}
}

func (s *Service) checkRef(ref es.EntityRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if s.entityTypes != nil && !s.entityTypes[ref.Type] {
		return fmt.Errorf("%w: unsupported entity type %q", es.ErrEntityMismatch, ref.Type)
	}
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string, ref es.EntityRef, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !ref.IsZero() {
		attrs = append(attrs, attribute.String("entity.type", ref.Type), attribute.String("entity.id", ref.ID.String()))
	}
	return s.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// prepare validates a caller-supplied change and assigns missing ids.
func prepare(c Change) (Change, error) {
	switch v := c.(type) {
	case Created:
		for i := range v.Identifiers {
			if err := validIdentifier(v.Identifiers[i].Kind, v.Identifiers[i].Value); err != nil {
				return nil, err
			}
		}
		v.ContactMethods = cloneSlice(v.ContactMethods)
		for i := range v.ContactMethods {
			if err := validContactMethod(&v.ContactMethods[i]); err != nil {
				return nil, err
			}
		}
		v.Affiliations = cloneSlice(v.Affiliations)
		for i := range v.Affiliations {
			if err := validAffiliation(&v.Affiliations[i]); err != nil {
				return nil, err
			}
		}
		v.Provenance = cloneSlice(v.Provenance)
		for i := range v.Provenance {
			if err := validProvenance(&v.Provenance[i]); err != nil {
				return nil, err
			}
		}
		return v, nil
	case Updated:
		if len(v.Fields) == 0 {
			return nil, errors.New("update without fields")
		}
		return v, nil
	case FieldsCleared:
		if len(v.Keys) == 0 {
			return nil, errors.New("no fields to clear")
		}
		return v, nil
	case IdentifierAdded:
		return v, validIdentifier(v.Kind, v.Value)
	case IdentifierRemoved:
		return v, validIdentifier(v.Kind, v.Value)
	case ContactMethodAdded:
		return v, validContactMethod(&v.ContactMethod)
	case AffiliationAdded:
		return v, validAffiliation(&v.Affiliation)
	case ProvenanceRecorded:
		return v, validProvenance(&v.Provenance)
	case ContactMethodRemoved, AffiliationRemoved, Deleted, Restored:
		return v, nil
	case Merged, Split:
		return nil, fmt.Errorf("%w: %s is written by the merge coordinator", es.ErrInvalidTransition, c.EventType())
	default:
		return nil, fmt.Errorf("unknown change %T", c)
	}
}

func validIdentifier(kind, value string) error {
	if kind == "" || value == "" {
		return errors.New("identifier requires kind and value")
	}
	return nil
}

func validContactMethod(m *ContactMethod) error {
	if m.Kind == "" || m.Value == "" {
		return errors.New("contact method requires kind and value")
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func validAffiliation(a *Affiliation) error {
	if err := a.Target.Validate(); err != nil {
		return fmt.Errorf("affiliation target: %w", err)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func validProvenance(p *Provenance) error {
	if p.Source == "" {
		return errors.New("provenance requires a source")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Package rebuild coordinates projection rebuilds with live inline updates.
//
// Each (projection, object) pair has a status. A rebuild takes a lease, identified
// by a RebuildToken, and moves the status through
//
//	ACTIVE -> REBUILDING -> CATCHING_UP (blocking) or READY (blue-green) -> ACTIVE
//
// Only the holder of the current, unexpired token may advance a rebuild.
// Inline updates are applied only while the status is ACTIVE.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/idgen"
	"github.com/plaenen/projections/pkg/observability"
	"github.com/plaenen/projections/pkg/store"
	"github.com/plaenen/projections/pkg/store/memory"
)

// DefaultLeaseTimeout is how long a rebuild token stays valid.
const DefaultLeaseTimeout = 30 * time.Minute

// RebuildToken is the lease held by the worker running a rebuild.
type RebuildToken struct {
	Value          string                `json:"value"`
	ProjectionName string                `json:"projection_name"`
	ObjectID       string                `json:"object_id"`
	Strategy       store.RebuildStrategy `json:"strategy"`
	SchemaVersion  int                   `json:"schema_version"`
	IssuedAt       time.Time             `json:"issued_at"`
	ExpiresAt      time.Time             `json:"expires_at"`
}

// Expired reports whether the lease has run out at now.
func (t *RebuildToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *RebuildToken) String() string {
	return t.Value
}

type key struct {
	projection string
	objectID   string
}

// Coordinator owns the status state machine and the rebuild lease registry.
// It is safe for concurrent use. Operations on one (projection, object) pair
// are serialized; different pairs proceed independently.
type Coordinator struct {
	statuses     store.StatusStore
	leaseTimeout time.Duration
	now          func() time.Time
	newToken     func() (string, error)

	mu     sync.Mutex
	leases map[key]*RebuildToken
	locks  sync.Map // key -> *sync.Mutex

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStatusStore sets where statuses are persisted. Default is in memory.
func WithStatusStore(statuses store.StatusStore) Option {
	return func(c *Coordinator) {
		c.statuses = statuses
	}
}

// WithLeaseTimeout sets the rebuild lease lifetime. Default is DefaultLeaseTimeout.
func WithLeaseTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.leaseTimeout = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		statuses:     memory.NewStatusStore(),
		leaseTimeout: DefaultLeaseTimeout,
		now:          domain.Now,
		leases:       make(map[key]*RebuildToken),
		logger:       slog.Default(),
		tracer:       observability.NoopTracer(),
		metrics:      observability.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.newToken = func() (string, error) { return idgen.NewSortableID(c.now()) }
	return c
}

func (c *Coordinator) lock(k key) func() {
	m, _ := c.locks.LoadOrStore(k, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) lease(k key) (*RebuildToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.leases[k]
	return t, ok
}

func (c *Coordinator) setLease(k key, t *RebuildToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leases[k] = t
}

// releaseLease removes the lease for k if it is still the one given.
func (c *Coordinator) releaseLease(k key, t *RebuildToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.leases[k]; ok && (t == nil || cur.Value == t.Value) {
		delete(c.leases, k)
	}
}

// load returns the stored status, or a fresh ACTIVE status when none exists.
func (c *Coordinator) load(ctx context.Context, k key) (*store.ProjectionStatusInfo, error) {
	info, err := c.statuses.Load(ctx, k.projection, k.objectID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ProjectionStatusInfo{
			ProjectionName:  k.projection,
			ObjectID:        k.objectID,
			Status:          store.ProjectionStatusActive,
			StatusChangedAt: c.now(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load status %s/%s: %w", k.projection, k.objectID, err)
	}
	return info, nil
}

func (c *Coordinator) transition(ctx context.Context, info *store.ProjectionStatusInfo, to store.ProjectionStatus) error {
	from := info.Status
	info.Status = to
	info.StatusChangedAt = c.now()
	if err := c.statuses.Save(ctx, info); err != nil {
		return fmt.Errorf("save status %s/%s: %w", info.ProjectionName, info.ObjectID, err)
	}
	c.metrics.RecordTransition(ctx, info.ProjectionName, string(from), string(to))
	c.logger.Info("projection status changed",
		"projection", info.ProjectionName,
		"object_id", info.ObjectID,
		"from", from,
		"to", to)
	return nil
}

func (c *Coordinator) span(ctx context.Context, name string, k key) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "rebuild."+name, trace.WithAttributes(
		observability.AttrProjection.String(k.projection),
		observability.AttrObjectID.String(k.objectID),
	))
}

// validate checks that token is the current, unexpired lease for its key.
func (c *Coordinator) validate(token *RebuildToken) error {
	if token == nil {
		return &InvalidTokenError{Problem: TokenUnknown}
	}
	invalid := func(p TokenProblem) error {
		return &InvalidTokenError{
			ProjectionName: token.ProjectionName,
			ObjectID:       token.ObjectID,
			Token:          token.Value,
			Problem:        p,
		}
	}
	cur, ok := c.lease(key{token.ProjectionName, token.ObjectID})
	switch {
	case !ok:
		return invalid(TokenUnknown)
	case cur.Value != token.Value:
		return invalid(TokenMismatch)
	case cur.Expired(c.now()):
		return invalid(TokenExpired)
	}
	return nil
}

// StartOption configures a single rebuild.
type StartOption func(*startOptions)

type startOptions struct {
	schemaVersion int
}

// WithSchemaVersion sets the schema version the rebuild produces. It must be
// greater than the current one. By default the rebuild targets the next version.
func WithSchemaVersion(v int) StartOption {
	return func(o *startOptions) {
		o.schemaVersion = v
	}
}

// StartRebuild issues a new rebuild token and moves the projection to REBUILDING.
// A rebuild already in progress for the same pair is superseded: its token stops
// being valid. The target schema version is recorded on the status and applied
// by CompleteRebuild.
func (c *Coordinator) StartRebuild(ctx context.Context, projectionName, objectID string, strategy store.RebuildStrategy, opts ...StartOption) (token *RebuildToken, err error) {
	k := key{projectionName, objectID}
	ctx, span := c.span(ctx, "StartRebuild", k)
	defer func() { observability.EndSpan(span, err) }()

	unlock := c.lock(k)
	defer unlock()

	info, err := c.load(ctx, k)
	if err != nil {
		return nil, err
	}
	switch info.Status {
	case store.ProjectionStatusArchived, store.ProjectionStatusDisabled:
		return nil, &TransitionError{ProjectionName: projectionName, ObjectID: objectID, From: info.Status, To: store.ProjectionStatusRebuilding}
	}
	if strategy == "" {
		strategy = store.RebuildStrategyBlocking
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.schemaVersion == 0 {
		o.schemaVersion = info.SchemaVersion + 1
	}
	if o.schemaVersion <= info.SchemaVersion {
		return nil, fmt.Errorf("%w: %s/%s is at %d, rebuild targets %d",
			ErrSchemaVersion, projectionName, objectID, info.SchemaVersion, o.schemaVersion)
	}

	value, err := c.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate rebuild token: %w", err)
	}
	now := c.now()
	token = &RebuildToken{
		Value:          value,
		ProjectionName: projectionName,
		ObjectID:       objectID,
		Strategy:       strategy,
		SchemaVersion:  o.schemaVersion,
		IssuedAt:       now,
		ExpiresAt:      now.Add(c.leaseTimeout),
	}

	if prev, ok := c.lease(k); ok {
		c.logger.Warn("rebuild superseded",
			"projection", projectionName,
			"object_id", objectID,
			"previous_token", prev.Value)
	}
	c.setLease(k, token)

	info.Rebuild = &store.RebuildInfo{
		Token:         token.Value,
		Strategy:      strategy,
		SchemaVersion: token.SchemaVersion,
		StartedAt:     token.IssuedAt,
		ExpiresAt:     token.ExpiresAt,
	}
	if err := c.transition(ctx, info, store.ProjectionStatusRebuilding); err != nil {
		c.releaseLease(k, token)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("rebuild.strategy", string(strategy)),
		attribute.Int("rebuild.schema_version", token.SchemaVersion))
	return token, nil
}

// advance validates the token and moves a rebuilding projection to status to.
func (c *Coordinator) advance(ctx context.Context, name string, token *RebuildToken, to store.ProjectionStatus, allowed ...store.ProjectionStatus) (err error) {
	if token == nil {
		return &InvalidTokenError{Problem: TokenUnknown}
	}
	k := key{token.ProjectionName, token.ObjectID}
	ctx, span := c.span(ctx, name, k)
	defer func() { observability.EndSpan(span, err) }()

	unlock := c.lock(k)
	defer unlock()

	if err := c.validate(token); err != nil {
		return err
	}
	info, err := c.load(ctx, k)
	if err != nil {
		return err
	}
	ok := false
	for _, s := range allowed {
		if info.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return &TransitionError{ProjectionName: k.projection, ObjectID: k.objectID, From: info.Status, To: to}
	}

	if to == store.ProjectionStatusActive && info.Rebuild != nil {
		completed := c.now()
		info.Rebuild.CompletedAt = &completed
		info.Rebuild.Error = ""
		if info.Rebuild.SchemaVersion > info.SchemaVersion {
			info.SchemaVersion = info.Rebuild.SchemaVersion
		}
	}
	if err := c.transition(ctx, info, to); err != nil {
		return err
	}
	if to == store.ProjectionStatusActive {
		c.releaseLease(k, token)
	}
	return nil
}

// StartCatchUp moves a blocking rebuild from REBUILDING to CATCHING_UP.
func (c *Coordinator) StartCatchUp(ctx context.Context, token *RebuildToken) error {
	return c.advance(ctx, "StartCatchUp", token, store.ProjectionStatusCatchingUp,
		store.ProjectionStatusRebuilding)
}

// MarkReady moves a rebuild to READY, the blue-green state in which the rebuilt
// projection waits for cutover.
func (c *Coordinator) MarkReady(ctx context.Context, token *RebuildToken) error {
	return c.advance(ctx, "MarkReady", token, store.ProjectionStatusReady,
		store.ProjectionStatusRebuilding, store.ProjectionStatusCatchingUp)
}

// CompleteRebuild returns the projection to ACTIVE at the rebuild's schema
// version and releases the lease. The token cannot be used again.
func (c *Coordinator) CompleteRebuild(ctx context.Context, token *RebuildToken) error {
	return c.advance(ctx, "CompleteRebuild", token, store.ProjectionStatusActive,
		store.ProjectionStatusRebuilding, store.ProjectionStatusCatchingUp, store.ProjectionStatusReady)
}

// CancelRebuild abandons any rebuild of the pair without checking tokens. The
// status becomes FAILED when errMessage is set and ACTIVE otherwise.
func (c *Coordinator) CancelRebuild(ctx context.Context, projectionName, objectID, errMessage string) (err error) {
	k := key{projectionName, objectID}
	ctx, span := c.span(ctx, "CancelRebuild", k)
	defer func() { observability.EndSpan(span, err) }()

	unlock := c.lock(k)
	defer unlock()

	c.releaseLease(k, nil)

	info, err := c.load(ctx, k)
	if err != nil {
		return err
	}
	to := store.ProjectionStatusActive
	if errMessage != "" {
		to = store.ProjectionStatusFailed
	}
	if info.Rebuild != nil {
		info.Rebuild.Error = errMessage
	}
	return c.transition(ctx, info, to)
}

// Disable switches inline updates off. Only an ACTIVE or FAILED projection can be disabled.
func (c *Coordinator) Disable(ctx context.Context, projectionName, objectID string) error {
	return c.set(ctx, key{projectionName, objectID}, store.ProjectionStatusDisabled,
		store.ProjectionStatusActive, store.ProjectionStatusFailed, store.ProjectionStatusDisabled)
}

// Enable returns a DISABLED projection to ACTIVE.
func (c *Coordinator) Enable(ctx context.Context, projectionName, objectID string) error {
	return c.set(ctx, key{projectionName, objectID}, store.ProjectionStatusActive,
		store.ProjectionStatusDisabled, store.ProjectionStatusActive)
}

// Archive retains a projection version for rollback only, typically the old
// version after a blue-green cutover. Any rebuild lease is released.
func (c *Coordinator) Archive(ctx context.Context, projectionName, objectID string) error {
	k := key{projectionName, objectID}
	if err := c.set(ctx, k, store.ProjectionStatusArchived); err != nil {
		return err
	}
	c.releaseLease(k, nil)
	return nil
}

// set moves a pair to status to when its current status is one of allowed, or
// unconditionally when allowed is empty. Moving to the current status is a no-op.
func (c *Coordinator) set(ctx context.Context, k key, to store.ProjectionStatus, allowed ...store.ProjectionStatus) (err error) {
	ctx, span := c.span(ctx, "SetStatus", k)
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(observability.AttrStatus.String(string(to)))

	unlock := c.lock(k)
	defer unlock()

	info, err := c.load(ctx, k)
	if err != nil {
		return err
	}
	if len(allowed) > 0 {
		ok := false
		for _, s := range allowed {
			if s == info.Status {
				ok = true
				break
			}
		}
		if !ok {
			return &TransitionError{ProjectionName: k.projection, ObjectID: k.objectID, From: info.Status, To: to}
		}
	}
	if info.Status == to {
		return nil
	}
	return c.transition(ctx, info, to)
}

// GetStatus returns the status of a pair. Pairs never seen are ACTIVE.
func (c *Coordinator) GetStatus(ctx context.Context, projectionName, objectID string) (*store.ProjectionStatusInfo, error) {
	return c.load(ctx, key{projectionName, objectID})
}

// List returns the persisted statuses, filtered by status when it is non-empty.
func (c *Coordinator) List(ctx context.Context, status store.ProjectionStatus) ([]*store.ProjectionStatusInfo, error) {
	return c.statuses.List(ctx, status)
}

// ActiveToken returns the current lease for a pair.
func (c *Coordinator) ActiveToken(projectionName, objectID string) (*RebuildToken, bool) {
	t, ok := c.lease(key{projectionName, objectID})
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// ShouldProcessInlineUpdates reports whether live events may be applied to the
// projection directly. Only ACTIVE projections accept inline updates.
func (c *Coordinator) ShouldProcessInlineUpdates(ctx context.Context, projectionName, objectID string) (bool, error) {
	info, err := c.load(ctx, key{projectionName, objectID})
	if err != nil {
		return false, err
	}
	return info.Status == store.ProjectionStatusActive, nil
}

// RecoverStuckRebuilds fails every rebuild whose lease has expired and releases
// the lease. Persisted rebuilds this coordinator holds no lease for, as left by
// a previous process, are failed once their recorded expiry has passed. It
// returns the number of rebuilds failed. A worker that is still running past
// its lease is indistinguishable from a crashed one.
func (c *Coordinator) RecoverStuckRebuilds(ctx context.Context) (recovered int, err error) {
	ctx, span := c.tracer.Start(ctx, "rebuild.RecoverStuckRebuilds")
	defer func() { observability.EndSpan(span, err) }()

	now := c.now()
	c.mu.Lock()
	var expired []*RebuildToken
	for _, t := range c.leases {
		if t.Expired(now) {
			expired = append(expired, t)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, t := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := c.recover(ctx, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			recovered++
		}
	}

	orphans, err := c.recoverOrphans(ctx, now)
	recovered += orphans
	if err != nil {
		errs = append(errs, err)
	}

	span.SetAttributes(attribute.Int("rebuild.recovered", recovered))
	c.metrics.RecordLeasesRecovered(ctx, recovered)
	if recovered > 0 {
		c.logger.Warn("recovered stuck rebuilds", "count", recovered)
	}
	return recovered, errors.Join(errs...)
}

func (c *Coordinator) recover(ctx context.Context, t *RebuildToken) (bool, error) {
	k := key{t.ProjectionName, t.ObjectID}
	unlock := c.lock(k)
	defer unlock()

	// superseded or completed since the scan
	if cur, ok := c.lease(k); !ok || cur.Value != t.Value {
		return false, nil
	}

	info, err := c.load(ctx, k)
	if err != nil {
		return false, err
	}
	if !info.Status.IsRebuilding() {
		c.releaseLease(k, t)
		return false, nil
	}
	if info.Rebuild != nil {
		info.Rebuild.Error = fmt.Sprintf("rebuild lease expired at %s", t.ExpiresAt.Format(time.RFC3339))
	}
	if err := c.transition(ctx, info, store.ProjectionStatusFailed); err != nil {
		return false, err
	}
	c.releaseLease(k, t)
	c.logger.Warn("rebuild lease expired",
		"projection", t.ProjectionName,
		"object_id", t.ObjectID,
		"token", t.Value,
		"expired_at", t.ExpiresAt)
	return true, nil
}

// recoverOrphans fails persisted rebuilding statuses without a lease in this
// coordinator whose recorded lease has run out.
func (c *Coordinator) recoverOrphans(ctx context.Context, now time.Time) (int, error) {
	var (
		recovered int
		errs      []error
	)
	for _, status := range []store.ProjectionStatus{
		store.ProjectionStatusRebuilding,
		store.ProjectionStatusCatchingUp,
		store.ProjectionStatusReady,
	} {
		infos, err := c.statuses.List(ctx, status)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s statuses: %w", status, err))
			continue
		}
		for _, info := range infos {
			k := key{info.ProjectionName, info.ObjectID}
			if _, leased := c.lease(k); leased {
				continue
			}
			if info.Rebuild != nil && now.Before(info.Rebuild.ExpiresAt) {
				continue
			}
			ok, err := c.recoverOrphan(ctx, k, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				recovered++
			}
		}
	}
	return recovered, errors.Join(errs...)
}

func (c *Coordinator) recoverOrphan(ctx context.Context, k key, now time.Time) (bool, error) {
	unlock := c.lock(k)
	defer unlock()

	if _, leased := c.lease(k); leased {
		return false, nil
	}
	info, err := c.load(ctx, k)
	if err != nil {
		return false, err
	}
	if !info.Status.IsRebuilding() || (info.Rebuild != nil && now.Before(info.Rebuild.ExpiresAt)) {
		return false, nil
	}
	if info.Rebuild != nil {
		info.Rebuild.Error = fmt.Sprintf("rebuild lease expired at %s", info.Rebuild.ExpiresAt.Format(time.RFC3339))
	} else {
		info.Rebuild = &store.RebuildInfo{Error: "rebuild has no lease"}
	}
	if err := c.transition(ctx, info, store.ProjectionStatusFailed); err != nil {
		return false, err
	}
	c.logger.Warn("orphaned rebuild failed",
		"projection", k.projection,
		"object_id", k.objectID)
	return true, nil
}

// Package dispatch executes table operations invoked through signed
// callbacks.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/callback"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// forbiddenMessage is the only message a rejected caller sees.
const forbiddenMessage = "This action is not permitted."

// Invocation outcomes as reported to metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeReplayed    = "replayed"
	OutcomeRejected    = "rejected"
	OutcomeDenied      = "denied"
	OutcomeInvalid     = "invalid"
	OutcomeConflict    = "conflict"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Verifier checks a callback token.
type Verifier interface {
	Verify(token string) (*callback.Claims, error)
}

// TableResolver returns the table registered under an identity.
type TableResolver interface {
	Resolve(ctx context.Context, id string) (*table.Table, error)
}

// Request is one invocation as received by the transport.
type Request struct {
	Token          string
	Record         string
	Body           []byte
	IdempotencyKey string
}

// Dispatcher verifies, authorizes and executes invocations.
type Dispatcher struct {
	verifier       Verifier
	tables         TableResolver
	index          *openapi.Index
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	rateLimiter    RateLimiter
	metrics        *observability.Metrics
	logger         *zap.Logger
}

// Option configures optional dependencies.
type Option func(*Dispatcher)

// WithIdempotencyStore enables replay of invocations carrying an idempotency
// key. A non-positive ttl selects DefaultIdempotencyTTL.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.idempotency = store
		if ttl > 0 {
			d.idempotencyTTL = ttl
		}
	}
}

// WithRateLimiter sets the rate limiter.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(d *Dispatcher) { d.rateLimiter = limiter }
}

// WithMetrics records invocation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher. The index, when not nil, validates
// invocation bodies.
func NewDispatcher(verifier Verifier, tables TableResolver, index *openapi.Index, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		verifier:       verifier,
		tables:         tables,
		index:          index,
		idempotencyTTL: DefaultIdempotencyTTL,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one invocation. The signature is checked before anything
// else; authorization failures of any kind surface as one uniform FORBIDDEN
// error. The operation body runs at most once.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp model.InvocationResponse, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "action.dispatch",
		observability.PrincipalAttributes(model.RequestContextFrom(ctx))...)
	var claims *callback.Claims
	outcome := OutcomeError
	defer func() {
		observability.EndSpanWithError(span, err)
		if d.metrics != nil && claims != nil {
			d.metrics.RecordActionInvocation(claims.Table, claims.Operation, outcome, time.Since(start))
		}
	}()
	log := observability.RequestLogger(ctx, d.logger)

	// Step 1: Verify the callback signature and expiry.
	claims, err = d.verifier.Verify(req.Token)
	if err != nil {
		claims = nil
		return resp, d.reject(ctx, "signature", err)
	}
	log = log.With(zap.String("table", claims.Table), zap.String("action", claims.Operation))
	span.SetAttributes(
		observability.AttrTableID.String(claims.Table),
		observability.AttrActionName.String(claims.Operation),
		observability.AttrActionKind.String(claims.Kind),
	)

	// Step 2: Validate the body against the invocation schema.
	body, err := d.decodeBody(req.Body)
	if err != nil {
		outcome = OutcomeInvalid
		log.Warn("invalid invocation body", zap.Error(err))
		return resp, err
	}

	// Step 3: Decode identities and match them against the signed claims.
	tableID, err := callback.Decode(body.Table)
	if err != nil {
		log.Error("undecodable table identity", zap.Error(err))
		return resp, model.NewInternalError()
	}
	kind, err := callback.Decode(body.Action)
	if err != nil {
		log.Error("undecodable action kind", zap.Error(err))
		return resp, model.NewInternalError()
	}
	if tableID != claims.Table || body.Name != claims.Operation || kind != claims.Kind || req.Record != claims.Record {
		outcome = OutcomeRejected
		return resp, d.reject(ctx, "mismatch", fmt.Errorf(
			"request %s/%s/%s/%q does not match signed %s/%s/%s/%q",
			tableID, body.Name, kind, req.Record, claims.Table, claims.Operation, claims.Kind, claims.Record))
	}

	// Step 4: Resolve the table and operation.
	t, err := d.tables.Resolve(ctx, tableID)
	if err != nil {
		log.Error("unresolvable table", zap.Error(err))
		if model.IsCode(err, model.ErrConfiguration) {
			return resp, err
		}
		return resp, model.NewInternalError()
	}
	op, ok := t.Operation(body.Name)
	if !ok || string(op.Kind) != kind {
		log.Error("unresolvable operation", zap.String("kind", kind))
		return resp, model.NewInternalError()
	}
	log.Debug("invocation received",
		zap.String("record", req.Record),
		zap.Int("records", len(body.Records)),
		zap.Any("params", observability.RedactBody(body.Params, nil)),
	)

	rctx := model.RequestContextFrom(ctx)

	// Step 5: Claim the idempotency key, or replay the result stored under
	// it. An unsettled claim is released on every exit that stores nothing.
	var idemKey, idemHash string
	if req.IdempotencyKey != "" && d.idempotency != nil {
		idemKey = FormatIdempotencyKey(subjectOf(rctx), t.ID, op.Name, req.IdempotencyKey)
		idemHash = hashInput(req.Record, body)
		cached, err := d.idempotency.Reserve(ctx, idemKey, idemHash)
		if err != nil {
			if model.IsCode(err, model.ErrConflict) {
				outcome = OutcomeConflict
				return resp, err
			}
			log.Error("idempotency store reserve failed", zap.Error(err))
			return resp, model.NewStoreUnavailableError()
		}
		if cached != nil {
			outcome = OutcomeReplayed
			if d.metrics != nil {
				d.metrics.RecordIdempotentReplay(t.ID, op.Name)
			}
			return *cached, nil
		}
		defer func() {
			if outcome == OutcomeSuccess {
				return
			}
			if err := d.idempotency.Release(context.WithoutCancel(ctx), idemKey); err != nil {
				log.Warn("releasing idempotency key", zap.Error(err))
			}
		}()
	}

	// Step 6: Check the rate limit.
	if d.rateLimiter != nil && !d.rateLimiter.Allow(ctx, t.ID+"."+op.Name, rctx) {
		outcome = OutcomeRateLimited
		log.Warn("invocation rate limited")
		return resp, model.NewRateLimitedError()
	}

	// Step 7: Resolve the records the operation acts on.
	inv := table.Invocation{
		Table:     t.ID,
		Operation: op.Name,
		Kind:      op.Kind,
		Params:    body.Params,
		Principal: rctx,
	}
	switch op.Kind {
	case table.KindRow:
		if claims.Record != "" {
			span.SetAttributes(observability.AttrRecordKey.String(claims.Record))
			recs, err := find(ctx, t, []string{claims.Record})
			if err != nil {
				log.Error("loading record", zap.Error(err))
				return resp, storeError(err)
			}
			if len(recs) > 0 {
				inv.Record = recs[0]
			}
		}
	case table.KindBulk:
		if ids := identities(body.Records); len(ids) > 0 {
			recs, err := find(ctx, t, ids)
			if err != nil {
				log.Error("loading records", zap.Error(err))
				return resp, storeError(err)
			}
			inv.Records = recs
		}
	}

	// Step 8: Authorize. Bulk and header operations are checked once without
	// a record.
	allowed, err := op.Authorized(ctx, inv.Record)
	if err != nil {
		log.Error("authorization misconfigured", zap.Error(err))
		return resp, err
	}
	if !allowed {
		outcome = OutcomeDenied
		return resp, d.reject(ctx, "unauthorized", errors.New("authorization predicate denied"))
	}
	if op.IsDisabled(ctx, inv.Record) {
		outcome = OutcomeDenied
		return resp, d.reject(ctx, "disabled", errors.New("operation is disabled"))
	}

	// Step 9: Execute.
	result, err := d.execute(ctx, op, inv)
	if err != nil {
		if ee, ok := model.AsEnvelope(err); ok {
			log.Warn("action failed", zap.String("code", ee.Code), zap.Error(err))
			return resp, err
		}
		log.Error("action failed", zap.Error(err))
		return resp, model.NewInternalError()
	}

	resp = model.InvocationResponse{
		Success:     true,
		RedirectURL: result.Redirect,
		Message:     result.Message,
	}

	if idemKey != "" {
		if err := d.idempotency.Store(ctx, idemKey, idemHash, resp, d.idempotencyTTL); err != nil {
			log.Warn("storing idempotency result", zap.Error(err))
			if err := d.idempotency.Release(context.WithoutCancel(ctx), idemKey); err != nil {
				log.Warn("releasing idempotency key", zap.Error(err))
			}
		}
	}

	outcome = OutcomeSuccess
	log.Info("action executed",
		zap.String("kind", string(op.Kind)),
		zap.Int("records", len(inv.Records)),
		zap.Bool("has_body", op.Execute != nil),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// decodeBody parses and validates the raw invocation body.
func (d *Dispatcher) decodeBody(raw []byte) (model.InvocationRequest, error) {
	var body model.InvocationRequest

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return body, model.NewBadRequestError("invocation body is not valid JSON")
	}
	if d.index != nil {
		if errs := d.index.ValidateRequest(openapi.InvokeOperationID, doc); len(errs) > 0 {
			return body, model.NewValidationError(translateValidationErrors(errs))
		}
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return body, model.NewBadRequestError(fmt.Sprintf("invocation body: %v", err))
	}
	return body, nil
}

func (d *Dispatcher) reject(ctx context.Context, reason string, cause error) error {
	if d.metrics != nil {
		d.metrics.RecordCallbackRejection(reason)
	}
	observability.RequestLogger(ctx, d.logger).Warn("invocation rejected",
		zap.String("reason", reason),
		zap.Error(cause),
	)
	return model.NewForbiddenError(forbiddenMessage)
}

func (d *Dispatcher) execute(ctx context.Context, op *table.Operation, inv table.Invocation) (result table.Result, err error) {
	if op.Execute == nil {
		return table.Result{}, nil
	}
	ctx, span := observability.StartSpan(ctx, "action.execute",
		observability.AttrActionName.String(op.Name),
		observability.AttrRecords.Int(len(inv.Records)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	return op.Execute(ctx, inv)
}

func find(ctx context.Context, t *table.Table, ids []string) (recs []model.Record, err error) {
	ctx, span := observability.StartSpan(ctx, "store.find",
		observability.AttrTableID.String(t.ID),
		observability.AttrRecords.Int(len(ids)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	return t.Source.Find(ctx, ids)
}

func storeError(err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	return model.NewStoreUnavailableError()
}

// identities normalizes client-supplied record identities, dropping empty
// values and duplicates.
func identities(values []any) []string {
	seen := make(map[string]bool, len(values))
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		id := model.KeyString(v)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func subjectOf(rctx *model.RequestContext) string {
	if rctx == nil {
		return ""
	}
	return rctx.SubjectID
}

// translateValidationErrors converts schema validation errors to field
// errors.
func translateValidationErrors(valErrs []openapi.ValidationError) []model.FieldError {
	fieldErrors := make([]model.FieldError, 0, len(valErrs))
	for _, ve := range valErrs {
		code := "INVALID_VALUE"
		if strings.Contains(strings.ToLower(ve.Message), "required") {
			code = "REQUIRED"
		}
		fieldErrors = append(fieldErrors, model.FieldError{
			Field:   ve.Field,
			Code:    code,
			Message: ve.Message,
		})
	}
	return fieldErrors
}

// Package pipeline orchestrates one gateway transaction: policy hooks on
// the request, the upstream call, policy hooks on the response, and
// delivery back to the client. Each transaction carries a uuid call id
// propagated to logs, events, and persisted records.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/luthienresearch/luthien/events"
	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/policy"
	"github.com/luthienresearch/luthien/record"
	"github.com/luthienresearch/luthien/upstream"
	"github.com/luthienresearch/luthien/wire"
)

type (
	// Options configures the processor.
	Options struct {
		// Router resolves the upstream provider for a model. Required.
		Router *upstream.Router
		// Chain is the policy chain applied to every transaction.
		// Nil means no policies.
		Chain *policy.Chain
		// Store persists transactions and events. Nil disables
		// persistence. Writes are best-effort.
		Store record.Store
		// Emitter publishes pipeline events. Nil disables emission.
		Emitter events.Emitter
		// PolicyClass labels records with the active policy configuration.
		PolicyClass string
		// QueueCapacity bounds the streaming queues. Defaults to 64.
		QueueCapacity int
		// StallThreshold cancels a stream with no forward progress for
		// this long. Defaults to 30s.
		StallThreshold time.Duration
		// OverallDeadline caps total transaction duration. Defaults to
		// 10min.
		OverallDeadline time.Duration
	}

	// Processor handles transactions. One instance is shared by all
	// requests.
	Processor struct {
		router   *upstream.Router
		chain    *policy.Chain
		store    record.Store
		emitter  events.Emitter
		class    string
		capacity int
		stall    time.Duration
		deadline time.Duration
	}

	// Inbound is one parsed client call.
	Inbound struct {
		// Request is the canonical request parsed from the client body.
		Request *model.Request
		// ClientFormat is the dialect the client spoke ("openai" or
		// "anthropic").
		ClientFormat string
	}

	// Transaction is the in-flight state of one call. Obtain via Begin,
	// then run exactly one of Complete or Stream.
	Transaction struct {
		p       *Processor
		id      string
		inbound *Inbound
		pctx    *policy.Context
		rec     record.Transaction
	}
)

// Defaults.
const (
	DefaultQueueCapacity   = 64
	DefaultStallThreshold  = 30 * time.Second
	DefaultOverallDeadline = 10 * time.Minute
)

// progress markers used in timeout cancellation causes.
var (
	errStalled          = wire.NewError(wire.KindPolicyTimeout, "no forward progress within stall threshold")
	errDeadlineExceeded = wire.NewError(wire.KindPolicyTimeout, "overall deadline exceeded")
)

// New returns a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Router == nil {
		return nil, errors.New("upstream router is required")
	}
	chain := opts.Chain
	if chain == nil {
		chain = policy.NewChain()
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	stall := opts.StallThreshold
	if stall <= 0 {
		stall = DefaultStallThreshold
	}
	deadline := opts.OverallDeadline
	if deadline <= 0 {
		deadline = DefaultOverallDeadline
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Processor{
		router:   opts.Router,
		chain:    chain,
		store:    opts.Store,
		emitter:  emitter,
		class:    opts.PolicyClass,
		capacity: capacity,
		stall:    stall,
		deadline: deadline,
	}, nil
}

// Begin opens a transaction for the inbound call: assigns the call id,
// builds the policy context, and emits the client_request event. The
// returned transaction id is echoed to the client in the call_id header.
func (p *Processor) Begin(ctx context.Context, in *Inbound) (*Transaction, error) {
	if in == nil || in.Request == nil {
		return nil, errors.New("inbound request is required")
	}
	id := uuid.NewString()
	tx := &Transaction{
		p:       p,
		id:      id,
		inbound: in,
		rec: record.Transaction{
			TransactionID:   id,
			SessionID:       in.Request.SessionID,
			ClientFormat:    in.ClientFormat,
			PolicyClass:     p.class,
			Model:           in.Request.Model,
			Streaming:       in.Request.Stream,
			OriginalRequest: in.Request.Clone(),
			Status:          record.StatusFailed,
			StartedAt:       time.Now().UTC(),
		},
	}
	tx.pctx = policy.NewContext(id, in.Request.SessionID, in.Request, &policyEmitter{tx: tx})
	tx.emit(ctx, events.TypeClientRequest, map[string]any{
		"model":     in.Request.Model,
		"format":    in.ClientFormat,
		"streaming": in.Request.Stream,
	})
	return tx, nil
}

// ID returns the transaction id (the call_id).
func (tx *Transaction) ID() string { return tx.id }

// logCtx returns a context carrying the transaction log fields.
func (tx *Transaction) logCtx(ctx context.Context) context.Context {
	return log.With(ctx, log.KV{K: "transaction_id", V: tx.id})
}

// processRequest runs the request-side policy hooks and records both
// sides of the request.
func (tx *Transaction) processRequest(ctx context.Context) (*model.Request, error) {
	final, err := tx.p.chain.OnRequest(ctx, tx.pctx, tx.inbound.Request)
	if err != nil {
		return nil, hookError(err)
	}
	tx.pctx.Request = final
	tx.rec.FinalRequest = final.Clone()
	tx.record(ctx)
	tx.emit(ctx, events.TypeRequestRecorded, nil)
	return final, nil
}

// resolve picks the upstream client for the (possibly rewritten) model.
func (tx *Transaction) resolve(req *model.Request) (upstream.Client, error) {
	client, err := tx.p.router.Resolve(req.Model)
	if err != nil {
		return nil, wire.WrapError(wire.KindInvalidRequest, "no provider for model "+req.Model, err)
	}
	return client, nil
}

// finish persists the terminal state of the transaction.
func (tx *Transaction) finish(ctx context.Context, status, errMsg string) {
	tx.rec.Status = status
	tx.rec.Error = errMsg
	tx.rec.CompletedAt = time.Now().UTC()
	tx.record(ctx)
}

// record writes the transaction record. Best-effort: failures are logged
// and never surfaced.
func (tx *Transaction) record(ctx context.Context) {
	if tx.p.store == nil {
		return
	}
	if err := tx.p.store.RecordTransaction(ctx, &tx.rec); err != nil {
		log.Errorf(tx.logCtx(ctx), err, "record transaction")
	}
}

// emit publishes a pipeline event and mirrors it to the store.
// Best-effort on both sides.
func (tx *Transaction) emit(ctx context.Context, eventType string, payload map[string]any) {
	ev := events.New(eventType, tx.id, tx.rec.SessionID, payload)
	if err := tx.p.emitter.Emit(ctx, ev); err != nil {
		log.Errorf(tx.logCtx(ctx), err, "emit %s", eventType)
	}
	if tx.p.store != nil {
		if err := tx.p.store.RecordEvent(ctx, ev); err != nil {
			log.Errorf(tx.logCtx(ctx), err, "record event %s", eventType)
		}
	}
}

// hookError classifies a policy chain failure: rejections pass through
// for the HTTP layer, anything else is an unexpected policy error
// (fail-closed).
func hookError(err error) error {
	var rej *policy.Rejection
	if errors.As(err, &rej) {
		return err
	}
	return wire.WrapError(wire.KindPolicyError, "policy hook failed", err)
}

// policyEmitter exposes the transaction's event surface to policies.
type policyEmitter struct {
	tx *Transaction
}

func (e *policyEmitter) Emit(ctx context.Context, event string, payload map[string]any) {
	e.tx.emit(ctx, event, payload)
}

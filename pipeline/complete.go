package pipeline

import (
	"context"
	"errors"

	"goa.design/clue/log"

	"github.com/luthienresearch/luthien/events"
	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/policy"
	"github.com/luthienresearch/luthien/record"
	"github.com/luthienresearch/luthien/wire"
)

// Complete runs the non-streaming path: request hooks, the upstream
// call, response hooks. The returned error is always a *wire.Error.
func (tx *Transaction) Complete(ctx context.Context) (*model.Response, error) {
	ctx = tx.logCtx(ctx)
	ctx, cancel := context.WithTimeout(ctx, tx.p.deadline)
	defer cancel()

	final, err := tx.processRequest(ctx)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}

	client, err := tx.resolve(final)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}
	tx.emit(ctx, events.TypeUpstreamRequest, map[string]any{"model": final.Model})
	log.Printf(ctx, "upstream request model=%s", final.Model)

	resp, err := client.Complete(ctx, final)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}
	tx.rec.OriginalResponse = resp.Clone()

	finalResp, err := tx.p.chain.OnResponse(ctx, tx.pctx, resp)
	if err != nil {
		return nil, tx.fail(ctx, hookError(err))
	}
	tx.rec.FinalResponse = finalResp.Clone()
	tx.record(ctx)
	tx.emit(ctx, events.TypeResponseRecorded, nil)
	tx.emit(ctx, events.TypeFinalResponse, nil)
	tx.finish(ctx, record.StatusCompleted, "")
	return finalResp, nil
}

// fail normalizes the error for the HTTP layer, emits the matching
// event, and closes the record.
func (tx *Transaction) fail(ctx context.Context, err error) *wire.Error {
	werr := normalize(ctx, err)
	switch werr.Kind {
	case wire.KindPolicyRejection:
		tx.emit(ctx, events.TypePolicyTerminated, map[string]any{"message": werr.Message})
		tx.finish(ctx, record.StatusTerminated, werr.Message)
	case wire.KindPolicyTimeout:
		tx.emit(ctx, events.TypePolicyTimeout, map[string]any{"message": werr.Message})
		tx.finish(ctx, record.StatusFailed, werr.Message)
	case wire.KindPolicyError:
		tx.emit(ctx, events.TypePolicyError, map[string]any{"message": werr.Message})
		tx.finish(ctx, record.StatusFailed, werr.Message)
	case wire.KindClientDisconnected:
		tx.emit(ctx, events.TypeClientDisconnected, nil)
		tx.finish(ctx, record.StatusFailed, werr.Message)
	default:
		tx.finish(ctx, record.StatusFailed, werr.Message)
	}
	log.Errorf(tx.logCtx(ctx), werr, "transaction failed kind=%s", werr.Kind)
	return werr
}

// normalize maps pipeline failures onto the wire taxonomy. Policy
// rejections keep their message and status; context cancellation is the
// client disconnecting unless the cancellation cause says otherwise.
func normalize(ctx context.Context, err error) *wire.Error {
	var rej *policy.Rejection
	if errors.As(err, &rej) {
		return &wire.Error{
			Kind:    wire.KindPolicyRejection,
			Status:  rej.HTTPStatus(),
			Message: rej.Message,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cause := context.Cause(ctx)
		var werr *wire.Error
		if errors.As(cause, &werr) {
			return werr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return errDeadlineExceeded
		}
		return wire.NewError(wire.KindClientDisconnected, "client disconnected")
	}
	return wire.Classify(err)
}

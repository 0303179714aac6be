package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"github.com/luthienresearch/luthien/events"
	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/record"
	"github.com/luthienresearch/luthien/upstream"
	"github.com/luthienresearch/luthien/wire"
)

type (
	// StreamFormatter renders canonical chunks in the client's dialect.
	// The gateway supplies the implementation matching the endpoint.
	StreamFormatter interface {
		// FormatChunk renders one chunk as zero or more frames.
		FormatChunk(model.Chunk) []wire.Frame
		// Finish renders the stream terminator frames.
		Finish() []wire.Frame
		// FormatStreamError renders an in-band error, closing any open
		// block first.
		FormatStreamError(*wire.Error) []wire.Frame
	}

	// FrameWriter delivers frames to the client. Implementations flush
	// after every frame.
	FrameWriter interface {
		WriteFrame(wire.Frame) error
	}

	// Stream is one in-flight streaming response. Obtain via OpenStream,
	// then call Run exactly once.
	Stream struct {
		tx       *Transaction
		upstream upstream.Streamer
		ctx      context.Context
		cancel   context.CancelCauseFunc
		started  time.Time
	}
)

// monitorInterval is how often the stall monitor checks for progress.
const monitorInterval = 100 * time.Millisecond

// OpenStream runs the request-side phases and starts the upstream
// stream. Errors here surface as plain HTTP errors; once Run starts,
// failures are delivered in-band as dialect error frames.
func (tx *Transaction) OpenStream(ctx context.Context) (*Stream, error) {
	ctx = tx.logCtx(ctx)
	sctx, cancel := context.WithCancelCause(ctx)

	final, err := tx.processRequest(sctx)
	if err != nil {
		cancel(nil)
		return nil, tx.fail(ctx, err)
	}
	client, err := tx.resolve(final)
	if err != nil {
		cancel(nil)
		return nil, tx.fail(ctx, err)
	}
	tx.emit(ctx, events.TypeUpstreamRequest, map[string]any{"model": final.Model, "streaming": true})
	log.Printf(ctx, "upstream stream model=%s", final.Model)

	streamer, err := client.Stream(sctx, final)
	if err != nil {
		cancel(nil)
		return nil, tx.fail(ctx, err)
	}
	return &Stream{
		tx:       tx,
		upstream: streamer,
		ctx:      sctx,
		cancel:   cancel,
		started:  time.Now(),
	}, nil
}

// Run pumps the upstream stream through the policy executor and the
// formatter until completion, termination, timeout, or disconnect. Four
// tasks share one cancellation signal: the upstream reader, the policy
// executor, the formatter (this goroutine), and the stall monitor.
func (s *Stream) Run(formatter StreamFormatter, w FrameWriter) error {
	tx := s.tx
	defer func() {
		s.cancel(nil)
		if err := s.upstream.Close(); err != nil {
			log.Errorf(tx.logCtx(context.Background()), err, "close upstream stream")
		}
	}()

	var progress atomic.Int64
	progress.Store(time.Now().UnixNano())
	mark := func() { progress.Store(time.Now().UnixNano()) }

	monitorDone := make(chan struct{})
	defer close(monitorDone)
	go s.monitor(&progress, monitorDone)

	upstreamCh := make(chan model.Chunk, tx.p.capacity)
	outCh := make(chan model.Chunk, tx.p.capacity)

	// readErr and execErr are written by the reader and executor
	// goroutines and read here after the formatter loop exits, which can
	// happen on cancellation while both are still running.
	var (
		mu      sync.Mutex
		readErr error
		execErr error
	)

	// Upstream reader.
	go func() {
		defer close(upstreamCh)
		for {
			chunk, err := s.upstream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					mu.Lock()
					readErr = err
					mu.Unlock()
				}
				return
			}
			mark()
			select {
			case upstreamCh <- chunk:
			case <-s.ctx.Done():
				return
			}
		}
	}()

	// Policy executor. Hook completions count as forward progress so a
	// buffering chain whose individual hooks stay healthy is never
	// stalled out between visible frames.
	exec := newExecutor(tx.p.chain, tx.pctx, mark)
	originalB := model.NewResponseBuilder()
	finalB := model.NewResponseBuilder()
	go func() {
		defer close(outCh)
		send := func(chunks []model.Chunk) bool {
			for _, c := range chunks {
				finalB.Add(c)
				select {
				case outCh <- c:
				case <-s.ctx.Done():
					return false
				}
			}
			return true
		}
		for chunk := range upstreamCh {
			originalB.Add(chunk)
			tx.emit(s.ctx, events.TypePolicyOnChunk, map[string]any{"choice": chunk.ChoiceIndex})
			outbound, err := exec.process(s.ctx, chunk)
			if err != nil {
				herr := hookError(err)
				mu.Lock()
				execErr = herr
				mu.Unlock()
				s.cancel(normalize(s.ctx, herr))
				return
			}
			if !send(outbound) {
				return
			}
			if exec.terminated {
				reason := exec.reason
				if reason == "" {
					reason = model.FinishStop
				}
				// Closing outCh lets the formatter drain what is queued;
				// the deferred cancel then stops the upstream reader.
				send([]model.Chunk{model.FinishChunk(chunk.ID, reason)})
				return
			}
		}
		mu.Lock()
		failed := readErr
		mu.Unlock()
		if failed != nil || s.ctx.Err() != nil {
			return
		}
		if !exec.completed {
			outbound, err := exec.finishStream(s.ctx)
			if err != nil {
				herr := hookError(err)
				mu.Lock()
				execErr = herr
				mu.Unlock()
				s.cancel(normalize(s.ctx, herr))
				return
			}
			send(outbound)
		}
	}()

	// Formatter.
	var (
		writeErr error
		drained  bool
	)
loop:
	for {
		select {
		case chunk, ok := <-outCh:
			if !ok {
				drained = true
				break loop
			}
			for _, frame := range formatter.FormatChunk(chunk) {
				if err := w.WriteFrame(frame); err != nil {
					writeErr = err
					s.cancel(wire.NewError(wire.KindClientDisconnected, "client write failed"))
					break loop
				}
			}
			mark()
		case <-s.ctx.Done():
			break loop
		}
	}

	mu.Lock()
	rerr, eerr := readErr, execErr
	mu.Unlock()
	return s.settle(formatter, w, exec, originalB, finalB, drained, rerr, eerr, writeErr)
}

// settle inspects how the stream ended and produces the trailing frames,
// events, and records.
func (s *Stream) settle(
	formatter StreamFormatter,
	w FrameWriter,
	exec *executor,
	originalB, finalB *model.ResponseBuilder,
	drained bool,
	readErr, execErr error,
	writeErr error,
) error {
	tx := s.tx
	ctx := tx.logCtx(context.Background())
	cause := context.Cause(s.ctx)

	// Client gone: cancel upstream, emit the event, and stop all
	// persistence writes for this transaction.
	if writeErr != nil || errors.Is(cause, context.Canceled) {
		werr := wire.NewError(wire.KindClientDisconnected, "client disconnected")
		ev := events.New(events.TypeClientDisconnected, tx.id, tx.rec.SessionID, nil)
		if err := tx.p.emitter.Emit(ctx, ev); err != nil {
			log.Errorf(ctx, err, "emit %s", ev.Type)
		}
		log.Printf(ctx, "client disconnected mid-stream")
		return werr
	}

	// exec and the builders are only safe to read once the executor
	// goroutine has closed outCh.
	switch {
	case drained && exec.terminated:
		s.writeFrames(w, formatter.Finish())
		tx.rec.OriginalResponse = originalB.Response()
		tx.rec.FinalResponse = finalB.Response()
		tx.emit(ctx, events.TypePolicyTerminated, map[string]any{"reason": string(exec.reason)})
		tx.emit(ctx, events.TypeFinalResponse, nil)
		tx.finish(ctx, record.StatusTerminated, "")
		return nil

	case execErr != nil || readErr != nil || cause != nil:
		err := execErr
		if err == nil {
			err = readErr
		}
		if err == nil {
			err = cause
		}
		werr := normalize(s.ctx, err)
		s.writeFrames(w, formatter.FormatStreamError(werr))
		return tx.fail(ctx, werr)

	default:
		s.writeFrames(w, formatter.Finish())
		tx.rec.OriginalResponse = originalB.Response()
		tx.rec.FinalResponse = finalB.Response()
		tx.record(ctx)
		tx.emit(ctx, events.TypeResponseRecorded, nil)
		tx.emit(ctx, events.TypeFinalResponse, nil)
		tx.finish(ctx, record.StatusCompleted, "")
		return nil
	}
}

func (s *Stream) writeFrames(w FrameWriter, frames []wire.Frame) {
	for _, frame := range frames {
		if err := w.WriteFrame(frame); err != nil {
			return
		}
	}
}

// monitor cancels the stream when no forward progress happens within the
// stall threshold or the overall deadline passes.
func (s *Stream) monitor(progress *atomic.Int64, done <-chan struct{}) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if now.Sub(time.Unix(0, progress.Load())) > s.tx.p.stall {
				s.cancel(errStalled)
				return
			}
			if now.Sub(s.started) > s.tx.p.deadline {
				s.cancel(errDeadlineExceeded)
				return
			}
		}
	}
}

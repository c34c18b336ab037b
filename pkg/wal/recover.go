package wal

import (
	"context"
	"fmt"
	"iter"

	"replog/pkg/logfile"
	"replog/pkg/request"
	"replog/pkg/types"
)

// Handler applies a recovered request to application state and returns the
// response to hand back to the client, if any.
type Handler func(ctx context.Context, offset types.Offset, req *request.Request) ([]byte, error)

// Result is one replayed entry as seen by the application.
type Result struct {
	Offset   types.Offset
	Request  *request.Request
	Response []byte
}

// Load replays the log into handler, starting at this replica's last
// acknowledged offset (or at 0 with FullReplay). Offsets beyond the stored
// ack are acknowledged locally as they go by. The leader yields a Result per
// entry; followers apply silently. An error ends the sequence. The WAL
// switches to StateServing once the replay has run to the end.
func (w *WAL) Load(ctx context.Context, handler Handler) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		acked, err := w.offsets.Get(w.cfg.Replica)
		if err != nil {
			yield(Result{}, err)
			return
		}
		start := acked
		if !start.Valid() || w.cfg.FullReplay {
			start = 0
		}

		seq, err := w.log.ReadSequence(start)
		if err != nil {
			yield(Result{}, fmt.Errorf("failed to open recovery sequence: %w", err))
			return
		}
		defer w.closeSequence(seq)

		w.logger.Info("replaying WAL", "from", start, "acked", acked, "size", w.log.Size())

		var applied int
		for seq.Next() {
			if err := ctx.Err(); err != nil {
				yield(Result{}, err)
				return
			}

			res, err := w.apply(ctx, seq, acked, handler)
			if err != nil {
				yield(Result{}, err)
				return
			}
			applied++

			if w.role.IsLeader() && !yield(res, nil) {
				return
			}
		}
		if err := seq.Err(); err != nil {
			yield(Result{}, fmt.Errorf("WAL replay stopped at offset %d: %w", seq.Offset().Next(), err))
			return
		}

		w.state.Store(int32(StateServing))
		w.logger.Info("WAL replay complete", "applied", applied, "size", w.log.Size())
	}
}

func (w *WAL) apply(ctx context.Context, seq *logfile.Sequence, acked types.Offset, handler Handler) (Result, error) {
	off := seq.Offset()
	req, err := request.Decode(seq.Record())
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode entry %d: %w", off, err)
	}

	res := Result{Offset: off, Request: req}
	if handler != nil {
		res.Response, err = handler(ctx, off, req)
		if err != nil {
			return Result{}, fmt.Errorf("handler failed at offset %d: %w", off, err)
		}
	}

	if off > acked {
		if err := w.recordOffset(w.cfg.Replica, off); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// Recover drains Load, passing each leader-side Result to emit.
func (w *WAL) Recover(ctx context.Context, handler Handler, emit func(Result)) error {
	for res, err := range w.Load(ctx, handler) {
		if err != nil {
			return err
		}
		if emit != nil {
			emit(res)
		}
	}
	return nil
}

package replication

import (
	"context"
	"log/slog"

	"replog/pkg/listener"
)

// Message is one inbound item; exactly one field is set.
type Message struct {
	Entry *LogEntry
	Ack   *Ack
}

// Inbox queues inbound messages and hands them to a Receiver from a single
// worker goroutine, so transport handlers return without waiting on disk.
type Inbox struct {
	ch       chan Message
	listener *listener.Listener[Message]
}

var _ listener.Job = (*Inbox)(nil)

func NewInbox(r Receiver, size int, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	ch := make(chan Message, size)

	deliver := func(ctx context.Context, m Message) error {
		switch {
		case m.Entry != nil:
			return r.HandleLogEntry(ctx, *m.Entry)
		case m.Ack != nil:
			return r.HandleAck(ctx, *m.Ack)
		}
		return nil
	}
	onError := func(m Message, err error) {
		switch {
		case m.Entry != nil:
			logger.Error("failed to handle log entry", "offset", m.Entry.Offset, "error", err)
		case m.Ack != nil:
			logger.Error("failed to handle ack", "ack", m.Ack.String(), "error", err)
		}
	}

	return &Inbox{
		ch:       ch,
		listener: listener.New(ch, deliver, onError),
	}
}

// Push enqueues m, blocking while the queue is full.
func (in *Inbox) Push(ctx context.Context, m Message) error {
	select {
	case in.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Inbox) Start(ctx context.Context) {
	in.listener.Start(ctx)
}

func (in *Inbox) Stop() {
	in.listener.Stop()
}

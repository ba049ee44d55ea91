package provenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/provenant/provenant/backoff"
	"github.com/provenant/provenant/db"
)

var (
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrAlreadyListening  = errors.New("already listening")
	ErrNothingToListenTo = errors.New(
		"database doesn't satisfy Listener interface and polling is disabled",
	)
)

// Poller triggers periodic database polling.
type Poller interface {
	Stop()
	C() <-chan time.Time
}

// A TimedPoller is a Poller with reset capabilities.
type TimedPoller interface {
	Poller
	Reset()
}

// TickingPoller uses a time.Ticker to trigger polling regularly.
type TickingPoller struct {
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Poller      = new(TickingPoller)
	_ TimedPoller = new(TickingPoller)
)

func NewTickingPoller(interval time.Duration) *TickingPoller {
	if interval == 0 {
		panic("don't use ticking poller with zero interval")
	}
	return &TickingPoller{ticker: time.NewTicker(interval), interval: interval}
}

func (t *TickingPoller) Stop()               { t.ticker.Stop() }
func (t *TickingPoller) Reset()              { t.ticker.Reset(t.interval) }
func (t *TickingPoller) C() <-chan time.Time { return t.ticker.C }

// Handler processes one committed event for a durable subscriber.
// Returning an error rolls the delivery back, the event is redelivered.
type Handler func(ctx context.Context, e ChangeEvent) error

// syncBatchLen limits how many events one replay transaction delivers.
const syncBatchLen = 256

// Listener is a durable, checkpointed cross-process subscriber of the
// event log. Its checkpoint is a seq high-water mark persisted under the
// subscriber identity. Run replays everything appended after the
// checkpoint in seq order, then follows live notifications with an
// optional polling fallback. Delivery is at-least-once: a handler that
// succeeded but whose checkpoint update was lost sees the event again
// after a restart.
type Listener struct {
	log          *slog.Logger
	db           db.DB
	subscriberID string
	handler      Handler
	backoff      *backoff.Atomic

	listenLock sync.Mutex
	syncLock   sync.Mutex
}

// NewListener creates a listener delivering to handler under the durable
// subscriberID checkpoint.
func NewListener(
	log *slog.Logger, database db.DB, subscriberID string,
	backoffConf backoff.Backoff, handler Handler,
) (*Listener, error) {
	if subscriberID == "" {
		return nil, errors.New("empty subscriber id")
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	return &Listener{
		log:          log,
		db:           database,
		subscriberID: subscriberID,
		handler:      handler,
		backoff:      backoff.NewAtomic(backoffConf),
	}, nil
}

// Run initializes the checkpoint, replays the backlog and then blocks
// dispatching live events until ctx is canceled.
//
// Canceling ctx stops both the listener and any ongoing replay.
// Canceling ctxGraceful waits for an ongoing replay to finish first.
//
// The database is polled periodically if poller != nil, otherwise polling
// is disabled. queueBufferLen sets the notification queue size; when the
// queue overflows notifications are dropped and the backlog is caught up
// by the next poll or notification. If the database doesn't satisfy
// db.Listener and poller == nil, ErrNothingToListenTo is returned.
//
// onListening is called once the listener is live.
func (l *Listener) Run(
	ctx, ctxGraceful context.Context,
	poller Poller, queueBufferLen int, onListening func(),
) error {
	if !l.listenLock.TryLock() {
		return ErrAlreadyListening
	}
	defer l.listenLock.Unlock()

	err := l.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		seq, err := tx.InitCheckpoint(ctx, l.subscriberID)
		if err != nil {
			return err
		}
		l.log.Info("initialized subscriber checkpoint",
			slog.String("subscriber.id", l.subscriberID),
			slog.Int64("seq", seq))
		return nil
	})
	if err != nil {
		return fmt.Errorf("initializing checkpoint: %w", err)
	}

	// Catch up on everything missed while this subscriber was down.
	if err := l.Sync(ctx); err != nil {
		return fmt.Errorf("replaying backlog: %w", err)
	}

	var eventInserted chan int64
	eventInsertedErr := make(chan error, 1)
	if listener, ok := l.db.(db.Listener); ok {
		eventInserted = make(chan int64, queueBufferLen)
		go func() {
			err := listener.ListenEventInserted(ctxGraceful,
				onListening,
				func(seq int64) error {
					select {
					case eventInserted <- seq:
					default:
						l.log.Warn("listener buffer overflow, "+
							"event insertion notifications may be dropped",
							slog.Int("len", len(eventInserted)))
					}
					return nil
				})
			if err != nil && !errors.Is(err, context.Canceled) {
				close(eventInserted)
				eventInsertedErr <- err
			}
		}()
	} else if poller == nil {
		return ErrNothingToListenTo
	} else {
		onListening()
	}

	defer func() {
		if poller != nil {
			poller.Stop()
		}
	}()

	var pollerC <-chan time.Time
	if poller != nil {
		pollerC = poller.C()
	}

	for {
		select {
		case <-ctx.Done(): // Hard stop.
			return ctx.Err()

		case <-ctxGraceful.Done(): // Gracefully stop the dispatcher.
			return ctxGraceful.Err()

		case <-pollerC: // Poll database for new events.
			if poller != nil {
				poller.Stop()
			}
			l.log.Debug("listener polling database",
				slog.String("subscriber.id", l.subscriberID))
			if err := l.resync(ctx); err != nil {
				return err
			}
			if tp, ok := poller.(TimedPoller); ok {
				tp.Reset()
			}

		case seq, ok := <-eventInserted: // Database notified about an insert.
			if !ok {
				select {
				case err := <-eventInsertedErr:
					return err
				default:
					return nil
				}
			}
			if poller != nil {
				poller.Stop()
			}
			l.log.Debug("resync after notification",
				slog.String("subscriber.id", l.subscriberID),
				slog.Int64("seq", seq))
			if err := l.resync(ctx); err != nil {
				return err
			}
			if tp, ok := poller.(TimedPoller); ok {
				tp.Reset()
			}
		}
	}
}

func (l *Listener) resync(ctx context.Context) error {
	if err := l.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		return err
	}
	return nil
}

// Sync delivers every event past the checkpoint to the handler, in seq
// order, and advances the checkpoint in the same transaction as the
// delivery. Returns ErrSyncInProgress if another sync is in flight.
func (l *Listener) Sync(ctx context.Context) error {
	if !l.syncLock.TryLock() {
		return ErrSyncInProgress
	}
	defer l.syncLock.Unlock()

	for {
		if d := l.backoff.Duration(); d > 0 {
			l.log.Info("backing off for retry",
				slog.String("subscriber.id", l.subscriberID),
				slog.String("backoff", d.String()))
			if err := sleepContext(ctx, d); err != nil {
				return err
			}
		}

		var delivered int
		err := l.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
			seq, err := tx.Checkpoint(ctx, l.subscriberID)
			if err != nil {
				return fmt.Errorf("reading checkpoint: %w", err)
			}
			rows, err := tx.EventsAfterSeq(ctx, seq, syncBatchLen)
			if err != nil {
				return fmt.Errorf("reading events after seq %d: %w", seq, err)
			}
			for _, row := range rows {
				if err := l.handler(ctx, changeEventFromRow(row)); err != nil {
					return fmt.Errorf("handling event seq %d: %w", row.Seq, err)
				}
				seq = row.Seq
			}
			delivered = len(rows)
			if delivered == 0 {
				return nil
			}
			return tx.SetCheckpoint(ctx, l.subscriberID, seq)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			l.log.Error("sync failed, retrying",
				slog.String("subscriber.id", l.subscriberID),
				slog.Any("err", err))
			continue
		}
		l.backoff.Reset()
		if delivered < syncBatchLen {
			return nil // Caught up.
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

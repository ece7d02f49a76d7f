/**
 * @description
 * Shared plumbing for the billing services: the injectable clock, the unit-of-work
 * runner that wraps Repository.WithLock, and the post-commit event dispatch.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - internal/store: Persistence unit of work.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/store"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// EventPublisher is the interface implemented by types that can publish events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Dependencies are shared by every service in this package.
type Dependencies struct {
	Repository     store.Repository
	Clock          Clock
	Publisher      EventPublisher
	EventsExchange string
	Logger         *slog.Logger
}

const publishTimeout = 5 * time.Second

type core struct {
	repo      store.Repository
	clock     Clock
	publisher EventPublisher
	exchange  string
	logger    *slog.Logger
}

func newCore(deps Dependencies, component string) core {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return core{
		repo:      deps.Repository,
		clock:     clock,
		publisher: deps.Publisher,
		exchange:  deps.EventsExchange,
		logger:    logger.With("component", component),
	}
}

type outboxEvent struct {
	routingKey string
	body       any
}

// unit is the state of one running unit of work. Events are buffered and only published
// once the unit has committed.
type unit struct {
	tx      store.Tx
	now     time.Time
	actorID string
	events  []outboxEvent
}

func (u *unit) emit(routingKey string, body any) {
	u.events = append(u.events, outboxEvent{routingKey: routingKey, body: body})
}

// run executes fn inside a locked unit of work on merchantIDs.
func (c *core) run(ctx context.Context, actorID string, merchantIDs []uuid.UUID, fn func(u *unit) error) error {
	u := &unit{actorID: actorID}
	err := c.repo.WithLock(ctx, merchantIDs, func(tx store.Tx) error {
		u.tx = tx
		u.now = c.clock.Now()
		u.events = u.events[:0]
		return fn(u)
	})
	if err != nil {
		return err
	}
	c.flush(ctx, u.events)
	return nil
}

// flush publishes committed events. Failures are logged and never surface to the caller
// because the state change has already been persisted.
func (c *core) flush(ctx context.Context, events []outboxEvent) {
	if c.publisher == nil || len(events) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, e := range events {
		if err := c.publisher.Publish(pubCtx, c.exchange, e.routingKey, e.body); err != nil {
			c.logger.Warn("event publish failed", "routing_key", e.routingKey, "error", err)
		}
	}
}

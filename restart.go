package rstream

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Restart re-establishes every connection the client uses and restores its
// publishers and consumers.
//
// After RestartSettleDelay the locator is restarted. Then each connection
// that carries consumers is restarted exactly once and every consumer on it
// is re-subscribed from its local offset, so consumption continues after the
// last examined message. Publisher connections follow the same way and their
// publishers are re-declared with the same id, reference and filter.
//
// Restarts are serialized. Restart is typically triggered from
// Hooks.OnConnectionClosed in its own goroutine.
//
// Parameters:
//   - ctx: Context bounding the settle delay and all round trips
//
// Returns:
//   - error: Joined errors of every connection or handle that could not be restored
func (c *Client) Restart(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	start := time.Now()
	c.logger.Info("restarting client",
		"clientID", c.id,
		"settleDelay", c.cfg.RestartSettleDelay,
	)

	err := c.restart(ctx)

	c.metrics.RecordRestart(time.Since(start).Seconds(), err == nil)
	if hookErr := c.hooks.OnRestart(c.ctx, err); hookErr != nil {
		c.logger.Error("OnRestart hook failed", "error", hookErr)
	}

	if err != nil {
		c.logger.Warn("client restart incomplete", "clientID", c.id, "error", err)
	} else {
		c.logger.Info("client restarted", "clientID", c.id, "duration", time.Since(start))
	}

	return err
}

func (c *Client) restart(ctx context.Context) error {
	if err := settle(ctx, c.cfg.RestartSettleDelay); err != nil {
		return err
	}

	if err := c.locator.Restart(ctx); err != nil {
		return fmt.Errorf("restart locator: %w", err)
	}

	var errs []error

	var consumers []*Consumer
	c.consumers.Range(func(_ HandleID, cons *Consumer) bool {
		consumers = append(consumers, cons)
		return true
	})
	for _, group := range groupByConn(consumers, func(cons *Consumer) (HandleID, Connection) { return cons.id, cons.conn }) {
		if err := group.conn.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart connection %s: %w", group.conn.ID(), err))
			continue
		}
		for _, cons := range group.handles {
			offset := cons.resumeOffset()
			if err := c.subscribe(ctx, cons, offset); err != nil {
				errs = append(errs, fmt.Errorf("resubscribe consumer %d: %w", uint64(cons.id), err))
				continue
			}
			c.logger.Debug("consumer resubscribed",
				"consumerID", uint64(cons.id),
				"stream", cons.params.Stream,
				"offset", offset.String(),
			)
		}
	}

	var publishers []*Publisher
	c.publishers.Range(func(_ HandleID, p *Publisher) bool {
		publishers = append(publishers, p)
		return true
	})
	for _, group := range groupByConn(publishers, func(p *Publisher) (HandleID, Connection) { return p.id, p.conn }) {
		if err := group.conn.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart connection %s: %w", group.conn.ID(), err))
			continue
		}
		for _, p := range group.handles {
			if err := c.declarePublisherOn(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("redeclare publisher %d: %w", uint64(p.id), err))
				continue
			}
			c.logger.Debug("publisher redeclared", "publisherID", uint64(p.id), "stream", p.params.Stream)
		}
	}

	return errors.Join(errs...)
}

type connGroup[H any] struct {
	conn    Connection
	handles []H
}

// groupByConn groups handles by connection. Groups are ordered by their lowest
// handle id and keep handles in id order.
func groupByConn[H any](handles []H, key func(H) (HandleID, Connection)) []connGroup[H] {
	slices.SortFunc(handles, func(a, b H) int {
		idA, _ := key(a)
		idB, _ := key(b)

		return cmp.Compare(idA, idB)
	})

	var groups []connGroup[H]
	index := make(map[Connection]int)
	for _, h := range handles {
		_, conn := key(h)
		i, ok := index[conn]
		if !ok {
			i = len(groups)
			index[conn] = i
			groups = append(groups, connGroup[H]{conn: conn})
		}
		groups[i].handles = append(groups[i].handles, h)
	}

	return groups
}

// settle waits d or until ctx is done.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package hub

import (
	"context"
	"time"

	"telegraph/pkg/logging"
	"telegraph/pkg/models"
)

// pollLoop is the delivery fallback for one (connection, call) pair. The
// webhook path can silently fail to fire, so every subscription also polls
// the store for turns past its cursor. The cursor gate in deliverTurn makes
// the two paths safe to interleave. The loop ends when the subscription is
// cancelled (unsubscribe, disconnect or call retirement).
func (h *Hub) pollLoop(connID string, call *models.Call, sub *subscription) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
			h.pollOnce(connID, call, sub)
		}
	}
}

// pollOnce runs a single fallback tick. The store read happens outside any
// registry or cursor lock. A failed read is logged and skipped; the loop
// lives on to the next tick.
func (h *Hub) pollOnce(connID string, call *models.Call, sub *subscription) {
	last := sub.cursor()

	ctx, cancel := context.WithTimeout(sub.ctx, h.cfg.StoreTimeout)
	defer cancel()

	turns, err := h.store.GetTurnsAfter(ctx, call.GeneratedID, last)
	if err != nil {
		if sub.ctx.Err() != nil {
			return // cancelled mid-read, not a store fault
		}
		if h.metrics != nil {
			h.metrics.PollTicks.WithLabelValues("error").Inc()
		}
		h.logger.WithError(err).WithFields(logging.Fields{
			"connection_id": connID,
			"call_id":       call.GeneratedID,
		}).Warn("Poll tick failed, will retry next interval")
		return
	}

	if h.metrics != nil {
		h.metrics.PollTicks.WithLabelValues("ok").Inc()
	}

	for i := range turns {
		h.deliverTurn(connID, sub, call, &turns[i], deliveryPoll)
	}
}

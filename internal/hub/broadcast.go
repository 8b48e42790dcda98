package hub

import (
	"time"

	api "telegraph/pkg/api/telegraph"
	"telegraph/pkg/logging"
	"telegraph/pkg/models"
)

// Delivery path labels, for logs and metrics
const (
	deliveryWebhook = "webhook"
	deliveryPoll    = "poll"
	deliveryCatchup = "catchup"
)

// OnDialogueTurnPersisted is the webhook-driven entry point: the ingestion
// layer calls it after persisting a new turn.
func (h *Hub) OnDialogueTurnPersisted(call *models.Call, turn *models.DialogueTurn) {
	h.broadcastDialogueTurn(call, turn, deliveryWebhook)
}

// broadcastDialogueTurn fans a turn out to every subscriber of the call,
// gated per subscription by the delivery cursor. Both the webhook path and
// the polling path come through here, which is what makes them safe to run
// concurrently without double-sending.
func (h *Hub) broadcastDialogueTurn(call *models.Call, turn *models.DialogueTurn, path string) {
	start := time.Now()
	delivered := 0
	for connID, sub := range h.registry.audience(call) {
		if h.deliverTurn(connID, sub, call, turn, path) {
			delivered++
		}
	}
	if h.metrics != nil {
		h.metrics.BroadcastDuration.WithLabelValues(api.TypeTranscription).Observe(time.Since(start).Seconds())
	}
	h.logger.WithFields(logging.Fields{
		"call_id":   call.GeneratedID,
		"sequence":  turn.SequenceNumber,
		"path":      path,
		"delivered": delivered,
	}).Debug("Broadcast dialogue turn")
}

// deliverTurn is the single dedup gate: check the cursor, send, advance the
// cursor, all under the subscription lock. A turn at or below the cursor has
// already reached this connection via the other path and is skipped. The
// cursor only advances on a successful send, and never decreases.
func (h *Hub) deliverTurn(connID string, sub *subscription, call *models.Call, turn *models.DialogueTurn, path string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if turn.SequenceNumber <= sub.lastSeq {
		if h.metrics != nil {
			h.metrics.DuplicatesSkipped.WithLabelValues(path).Inc()
		}
		return false
	}

	ok := h.push(connID, api.Transcription{
		Type:           api.TypeTranscription,
		ExternalID:     call.ExternalID,
		GeneratedID:    call.GeneratedID,
		TurnID:         turn.ID,
		SequenceNumber: turn.SequenceNumber,
		Speaker:        string(turn.Speaker),
		Text:           turn.Text,
		OccurredAt:     turn.OccurredAt,
	})
	if !ok {
		return false
	}

	sub.lastSeq = turn.SequenceNumber
	if h.metrics != nil {
		h.metrics.MessagesSent.WithLabelValues(api.TypeTranscription).Inc()
	}
	return true
}

// BroadcastStatus sends the status-only message to every current subscriber.
// Status messages are not sequence-numbered and do not touch cursors.
func (h *Hub) BroadcastStatus(call *models.Call) {
	msg := api.CallStatus{
		Type:        api.TypeCallStatus,
		ExternalID:  call.ExternalID,
		GeneratedID: call.GeneratedID,
		Status:      string(call.Status),
		EndTime:     call.EndTime,
	}
	for connID := range h.registry.audience(call) {
		if h.push(connID, msg) && h.metrics != nil {
			h.metrics.MessagesSent.WithLabelValues(api.TypeCallStatus).Inc()
		}
	}
}

// BroadcastFullCompletion sends the full-data completion message to every
// current subscriber, then retires the call: all subscriptions for it are
// removed and their polling tasks cancelled in one sweep.
func (h *Hub) BroadcastFullCompletion(call *models.Call) {
	msg := api.CallCompleted{
		Type:               api.TypeCallCompleted,
		ExternalID:         call.ExternalID,
		GeneratedID:        call.GeneratedID,
		CompletionMetadata: call.Completion,
	}
	for connID := range h.registry.audience(call) {
		if h.push(connID, msg) && h.metrics != nil {
			h.metrics.MessagesSent.WithLabelValues(api.TypeCallCompleted).Inc()
		}
	}

	retired := h.registry.retire(call)
	for _, sub := range retired {
		sub.stop()
	}
	if h.metrics != nil {
		h.updateSubscriptionGauge()
	}
	if len(retired) > 0 {
		h.logger.WithFields(logging.Fields{
			"call_id":     call.GeneratedID,
			"subscribers": len(retired),
		}).Info("Retired completed call")
	}
}

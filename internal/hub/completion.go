package hub

import (
	"telegraph/pkg/models"
)

// OnCallCompleted is invoked by the completion webhook handler once a call
// has reached a terminal status. It delivers the two-message completion
// sequence in order (status first, then full data) and retires the call.
//
// Idempotent: a retried webhook finds the call already terminal with no
// registry state left (retire ran on the first invocation) and does nothing,
// so clients never see the sequence twice.
func (h *Hub) OnCallCompleted(call *models.Call) {
	if call.Status.Terminal() && !h.registry.hasTopic(call) {
		h.logger.WithField("call_id", call.GeneratedID).Debug("Completion already processed, ignoring")
		return
	}

	h.BroadcastStatus(call)
	h.BroadcastFullCompletion(call)
}

package users

import "github.com/hearthd/hearthd/internal/events"

// pushButtonTx is the single in-flight push-button transaction. A new
// request pre-empts the old one; a physical press or a cancel closes it.
type pushButtonTx struct {
	id         int32
	deviceName string
	clientID   string
}

// OnPushButtonFinished registers the delivery callback for finished
// transactions. The RPC layer uses it to notify exactly the requesting
// client, bypassing that client's notification-enable flag. The token is
// only ever passed through this callback, never over the event bus.
func (m *Manager) OnPushButtonFinished(fn func(clientID string, transactionID int32, success bool, token string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pbNotify = fn
}

// RequestPushButtonAuth opens a push-button transaction for the given
// client. A transaction already pending is failed first, then replaced.
func (m *Manager) RequestPushButtonAuth(deviceName, clientID string) int32 {
	m.mu.Lock()
	preempted := m.pbTx
	m.pbCounter++
	tx := &pushButtonTx{id: m.pbCounter, deviceName: deviceName, clientID: clientID}
	m.pbTx = tx
	m.mu.Unlock()

	if preempted != nil {
		m.log.Warn("push-button auth already in progress, cancelling",
			"transaction_id", preempted.id, "device_name", preempted.deviceName)
		m.deliverPushButtonResult(preempted, false, "")
	}
	m.log.Debug("push-button auth started", "transaction_id", tx.id, "device_name", deviceName)
	m.bus.Publish(events.Event{
		Source: events.SourceUsers,
		Kind:   events.KindPushButtonRequested,
		Data:   map[string]any{"transaction_id": tx.id, "device_name": deviceName},
	})
	return tx.id
}

// CancelPushButtonAuth fails the pending transaction if the id matches.
// Stale or unknown ids are ignored.
func (m *Manager) CancelPushButtonAuth(transactionID int32) {
	m.mu.Lock()
	tx := m.pbTx
	if tx == nil {
		m.mu.Unlock()
		m.log.Debug("no push-button transaction to cancel")
		return
	}
	if tx.id != transactionID {
		m.mu.Unlock()
		m.log.Warn("push-button transaction not in progress, cannot cancel", "transaction_id", transactionID)
		return
	}
	m.pbTx = nil
	m.mu.Unlock()
	m.deliverPushButtonResult(tx, false, "")
}

// PushButtonPressed closes the pending transaction with a fresh token.
// The token is bound to no account; it verifies like any other. A press
// with nothing pending is ignored.
func (m *Manager) PushButtonPressed() {
	m.mu.Lock()
	tx := m.pbTx
	m.pbTx = nil
	m.mu.Unlock()

	if tx == nil {
		m.log.Debug("push-button pressed with no transaction pending")
		return
	}
	token, err := m.issueToken("", tx.deviceName)
	if err != nil {
		m.log.Error("storing push-button token failed", "error", err)
		m.deliverPushButtonResult(tx, false, "")
		return
	}
	m.log.Info("push-button auth succeeded", "transaction_id", tx.id, "device_name", tx.deviceName)
	m.deliverPushButtonResult(tx, true, token)
}

// ClientDisconnected cancels the pending transaction when its requester
// goes away.
func (m *Manager) ClientDisconnected(clientID string) {
	m.mu.Lock()
	tx := m.pbTx
	if tx == nil || tx.clientID != clientID {
		m.mu.Unlock()
		return
	}
	m.pbTx = nil
	m.mu.Unlock()

	m.log.Debug("push-button requester disconnected", "transaction_id", tx.id)
	m.deliverPushButtonResult(tx, false, "")
}

func (m *Manager) deliverPushButtonResult(tx *pushButtonTx, success bool, token string) {
	m.mu.Lock()
	notify := m.pbNotify
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Source: events.SourceUsers,
		Kind:   events.KindPushButtonFinished,
		Data:   map[string]any{"transaction_id": tx.id, "success": success},
	})
	if notify != nil {
		notify(tx.clientID, tx.id, success, token)
	}
}

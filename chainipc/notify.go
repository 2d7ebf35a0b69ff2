package chainipc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainNotification is a chain event pushed by the node. The concrete type
// is one of the variants below.
type ChainNotification interface {
	chainNotification()
}

// BlockConnected is delivered when a block is connected to the active
// chain. The block is fully decoded from its consensus encoding.
type BlockConnected struct {
	Block *wire.MsgBlock
}

// BlockDisconnected is delivered when a block is disconnected from the
// active chain during a reorganization.
type BlockDisconnected struct {
	Hash chainhash.Hash
}

// TransactionAddedToMempool is delivered when a transaction is accepted
// into the node's mempool.
type TransactionAddedToMempool struct {
	Tx *wire.MsgTx
}

// TransactionRemovedFromMempool is delivered when a transaction leaves the
// node's mempool for a reason other than inclusion in a connected block.
type TransactionRemovedFromMempool struct {
	TxID chainhash.Hash
}

// UpdatedBlockTip is delivered when the node's best tip changes. The hash
// may be all zeros when the schema does not carry it; consumers must treat
// the notification as an edge signal only and not depend on the hash.
type UpdatedBlockTip struct {
	Hash chainhash.Hash
}

// ChainStateFlushed is delivered when the node has flushed its chain state
// to disk.
type ChainStateFlushed struct{}

func (BlockConnected) chainNotification()                {}
func (BlockDisconnected) chainNotification()             {}
func (TransactionAddedToMempool) chainNotification()     {}
func (TransactionRemovedFromMempool) chainNotification() {}
func (UpdatedBlockTip) chainNotification()               {}
func (ChainStateFlushed) chainNotification()             {}

// NotificationHandler is the interface chain event consumers implement.
// Handlers are invoked sequentially in registration order, never
// concurrently with one another.
type NotificationHandler interface {
	HandleNotification(n ChainNotification) error
}

// NotificationService is the peer-callable object handed to the node's
// handleNotifications verb. It demultiplexes inbound capability calls into
// ChainNotification values and fans them out to the registered handlers.
type NotificationService struct {
	mtx      sync.Mutex
	handlers []NotificationHandler
	capID    uint32
	exported bool
	paused   bool
}

func newNotificationService() *NotificationService {
	return &NotificationService{}
}

// register appends a handler to the ordered handler list. Registration is
// safe concurrently with dispatch: a handler registered during dispatch of
// an event may or may not observe that event, but observes every event
// strictly after it.
func (s *NotificationService) register(h NotificationHandler) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.handlers = append(s.handlers, h)
}

// remove deletes a handler from the list. Handlers are compared by
// identity.
func (s *NotificationService) remove(h NotificationHandler) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i, registered := range s.handlers {
		if registered == h {
			s.handlers = append(
				s.handlers[:i], s.handlers[i+1:]...,
			)
			return
		}
	}
}

// export registers the service as a peer-callable capability on the given
// transport, once, and returns its capability id.
func (s *NotificationService) export(t *Transport) uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.exported {
		s.capID = t.exportCap(s)
		s.exported = true
	}
	s.paused = false
	return s.capID
}

// pause suppresses fan-out without unregistering handlers. The node keeps
// calling in; events are acknowledged and dropped.
func (s *NotificationService) pause() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.paused = true
}

// handleCall demultiplexes an inbound capability call from the node.
// Decoding failures are returned to the peer as protocol errors; handler
// failures are logged and swallowed.
func (s *NotificationService) handleCall(m method,
	params []byte) ([]byte, error) {

	r := newParamReader(params)

	switch m {
	case methodNtfnBlockConnected:
		data, err := r.readVarBytes()
		if err != nil {
			return nil, fmt.Errorf("blockConnected params: %v", err)
		}
		block := &wire.MsgBlock{}
		err = block.Deserialize(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode block: %v",
				err)
		}
		s.dispatch(BlockConnected{Block: block})

	case methodNtfnBlockDisconnected:
		hash, err := r.readHash()
		if err != nil {
			return nil, fmt.Errorf("invalid block hash: %v", err)
		}
		s.dispatch(BlockDisconnected{Hash: *hash})

	case methodNtfnTxAddedToMempool:
		data, err := r.readVarBytes()
		if err != nil {
			return nil, fmt.Errorf("txAdded params: %v", err)
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to decode "+
				"transaction: %v", err)
		}
		s.dispatch(TransactionAddedToMempool{Tx: tx})

	case methodNtfnTxRemovedFromMempool:
		txid, err := r.readHash()
		if err != nil {
			return nil, fmt.Errorf("invalid txid: %v", err)
		}
		s.dispatch(TransactionRemovedFromMempool{TxID: *txid})

	case methodNtfnUpdatedBlockTip:
		// The schema does not reliably carry the new tip hash, so it
		// is decoded opportunistically and zeroed when absent. The
		// signal is the edge, not the identity.
		var hash chainhash.Hash
		if raw, err := r.readVarBytes(); err == nil &&
			len(raw) == chainhash.HashSize {

			copy(hash[:], raw)
		}
		s.dispatch(UpdatedBlockTip{Hash: hash})

	case methodNtfnChainStateFlushed:
		s.dispatch(ChainStateFlushed{})

	case methodNtfnDestroy:
		// Acknowledge only.

	default:
		return nil, fmt.Errorf("unknown notification method %d", m)
	}

	return nil, nil
}

// dispatch fans an event out to the registered handlers sequentially in
// registration order. A failing handler does not prevent subsequent
// handlers from running; its error is logged. The handler list lock is not
// held across handler invocations.
func (s *NotificationService) dispatch(n ChainNotification) {
	s.mtx.Lock()
	if s.paused {
		s.mtx.Unlock()
		return
	}
	handlers := make([]NotificationHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mtx.Unlock()

	for _, h := range handlers {
		if err := h.HandleNotification(n); err != nil {
			log.Errorf("Notification handler failed for %T: %v",
				n, err)
		}
	}
}

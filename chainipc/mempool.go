package chainipc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TransactionAncestry describes the mempool ancestry of a transaction.
type TransactionAncestry struct {
	// Ancestors is the number of in-mempool ancestor transactions.
	Ancestors uint64

	// Descendants is the number of in-mempool descendant transactions.
	Descendants uint64

	// AncestorSize is the total virtual size of the ancestor set in
	// bytes.
	AncestorSize uint64

	// AncestorFees is the total fees of the ancestor set in satoshis.
	// May be zero.
	AncestorFees int64
}

// Mempool exposes the node's mempool introspection and broadcast
// operations. The underlying schema surfaces these through the chain
// capability; there is no separate mempool object.
type Mempool struct {
	t *Transport
}

// IsInMempool reports whether the given transaction is currently in the
// node's mempool.
func (m *Mempool) IsInMempool(ctx context.Context,
	txid *chainhash.Hash) (bool, error) {

	log.Tracef("Checking if transaction %v is in mempool", txid)

	var p paramWriter
	p.writeHash(txid)
	res, err := m.t.callChain(ctx, methodIsInMempool, p.bytes())
	if err != nil {
		return false, err
	}
	return newParamReader(res).readBool()
}

// HasDescendantsInMempool reports whether the given transaction has any
// descendants in the node's mempool.
func (m *Mempool) HasDescendantsInMempool(ctx context.Context,
	txid *chainhash.Hash) (bool, error) {

	log.Tracef("Checking descendants of transaction %v", txid)

	var p paramWriter
	p.writeHash(txid)
	res, err := m.t.callChain(
		ctx, methodHasDescendantsInMempool, p.bytes(),
	)
	if err != nil {
		return false, err
	}
	return newParamReader(res).readBool()
}

// GetTransactionAncestry returns the mempool ancestry counters for the
// given transaction.
func (m *Mempool) GetTransactionAncestry(ctx context.Context,
	txid *chainhash.Hash) (*TransactionAncestry, error) {

	log.Tracef("Fetching ancestry of transaction %v", txid)

	var p paramWriter
	p.writeHash(txid)
	res, err := m.t.callChain(
		ctx, methodGetTransactionAncestry, p.bytes(),
	)
	if err != nil {
		return nil, err
	}

	r := newParamReader(res)
	a := &TransactionAncestry{}
	if a.Ancestors, err = r.readUint64(); err != nil {
		return nil, fmt.Errorf("malformed ancestry result: %v", err)
	}
	if a.Descendants, err = r.readUint64(); err != nil {
		return nil, fmt.Errorf("malformed ancestry result: %v", err)
	}
	if a.AncestorSize, err = r.readUint64(); err != nil {
		return nil, fmt.Errorf("malformed ancestry result: %v", err)
	}
	if a.AncestorFees, err = r.readInt64(); err != nil {
		return nil, fmt.Errorf("malformed ancestry result: %v", err)
	}
	return a, nil
}

// BroadcastTransaction submits the given transaction to the node for
// mempool acceptance and relay. The returned tuple mirrors the node's
// convention: accepted=true with an empty message on success, accepted=false
// with a human-readable reason on rejection. The message must not be
// interpreted structurally.
func (m *Mempool) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx,
	maxTxFee int64, relay bool) (string, bool, error) {

	log.Debugf("Broadcasting transaction %v", tx.TxHash())

	var rawTx bytes.Buffer
	if err := tx.Serialize(&rawTx); err != nil {
		return "", false, err
	}

	var p paramWriter
	if err := p.writeVarBytes(rawTx.Bytes()); err != nil {
		return "", false, err
	}
	p.writeInt64(maxTxFee)
	p.writeBool(relay)

	res, err := m.t.callChain(ctx, methodBroadcastTransaction, p.bytes())
	if err != nil {
		return "", false, err
	}

	r := newParamReader(res)
	accepted, err := r.readBool()
	if err != nil {
		return "", false, fmt.Errorf("malformed broadcast result: %v",
			err)
	}
	errMsg, err := r.readVarString()
	if err != nil {
		return "", false, fmt.Errorf("malformed broadcast result: %v",
			err)
	}
	return errMsg, accepted, nil
}

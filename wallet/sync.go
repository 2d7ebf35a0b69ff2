package wallet

import (
	"bytes"
	"context"
	"errors"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tigeryant/blocktalk/chainipc"
	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

// isCoinBaseTx determines whether a transaction is a coinbase: a single
// input with a zero previous output hash and the maximum index.
func isCoinBaseTx(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prevOut := &tx.TxIn[0].PreviousOutPoint
	return prevOut.Index == math.MaxUint32 &&
		prevOut.Hash == (chainhash.Hash{})
}

// ProcessTransaction determines the relevance of a transaction to the
// current wallet and, if relevant, updates the UTXO set and transaction
// index and persists the change. A nil blockHash with
// walletstore.UnconfirmedHeight records an unmined transaction.
func (e *Engine) ProcessTransaction(tx *wire.MsgTx, height int32,
	blockHash *chainhash.Hash) error {

	w, err := e.currentWallet()
	if err != nil {
		return err
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	relevant, err := w.processTransactionLocked(tx, height, blockHash)
	if err != nil {
		return err
	}
	if !relevant {
		return nil
	}
	return w.store.SaveState(w.state)
}

// processTransactionLocked applies a transaction to the in-memory state. A
// transaction is relevant when any output pays a script the wallet owns or
// any input spends an owned UTXO. The caller persists the state and must
// hold the wallet lock for writes.
func (w *Wallet) processTransactionLocked(tx *wire.MsgTx, height int32,
	blockHash *chainhash.Hash) (bool, error) {

	txid := tx.TxHash()

	var spent []wire.OutPoint
	var debited int64
	for _, txIn := range tx.TxIn {
		utxo, ok := w.state.Utxos[txIn.PreviousOutPoint]
		if !ok {
			continue
		}
		spent = append(spent, txIn.PreviousOutPoint)
		debited += int64(utxo.Value)
	}

	coinbase := isCoinBaseTx(tx)
	type ownedOut struct {
		index    uint32
		value    int64
		pkScript []byte
	}
	var owned []ownedOut
	var credited int64
	for i, txOut := range tx.TxOut {
		if _, ok := w.scripts[string(txOut.PkScript)]; !ok {
			continue
		}
		owned = append(owned, ownedOut{
			index:    uint32(i),
			value:    txOut.Value,
			pkScript: txOut.PkScript,
		})
		credited += txOut.Value
	}

	if len(spent) == 0 && len(owned) == 0 {
		return false, nil
	}

	log.Debugf("Transaction %v is relevant: %d owned outputs, %d "+
		"spent inputs", txid, len(owned), len(spent))

	for _, op := range spent {
		delete(w.state.Utxos, op)
	}
	for _, out := range owned {
		op := wire.OutPoint{Hash: txid, Index: out.index}
		w.state.Utxos[op] = &walletstore.Utxo{
			OutPoint: op,
			Value:    btcutil.Amount(out.value),
			PkScript: out.pkScript,
			Height:   height,
			Coinbase: coinbase,
		}
	}

	rec, ok := w.state.TxRecords[txid]
	if !ok {
		var raw bytes.Buffer
		if err := tx.Serialize(&raw); err != nil {
			return false, err
		}
		rec = &walletstore.TxRecord{
			TxID:      txid,
			Raw:       raw.Bytes(),
			FirstSeen: time.Now().Unix(),
			Amount:    btcutil.Amount(credited - debited),
		}
		w.state.TxRecords[txid] = rec
	}
	rec.Height = height
	if blockHash != nil {
		rec.BlockHash = *blockHash
	} else {
		rec.BlockHash = chainhash.Hash{}
	}

	return true, nil
}

// applyBlockLocked applies every transaction of a block at the given
// height, advances the checkpoint to the block and persists the state. In
// strict mode the block's previous hash must extend the checkpoint exactly;
// the non-strict mode used during sequential sync logs a mismatch instead,
// which can follow a block the node could not serve.
func (w *Wallet) applyBlockLocked(block *wire.MsgBlock, height int32,
	strict bool) error {

	if block.Header.PrevBlock != w.state.Checkpoint.Hash {
		if strict {
			return errors.New("block does not extend the " +
				"wallet checkpoint")
		}
		log.Warnf("Block at height %d does not link to checkpoint "+
			"%d; continuing", height, w.state.Checkpoint.Height)
	}

	blockHash := block.BlockHash()
	for _, tx := range block.Transactions {
		_, err := w.processTransactionLocked(tx, height, &blockHash)
		if err != nil {
			return err
		}
	}

	w.state.Checkpoint = walletstore.Checkpoint{
		Height: height,
		Hash:   blockHash,
	}
	return w.store.SaveState(w.state)
}

// SyncWallet applies every block between the wallet checkpoint and the
// node's tip. Each applied block is persisted atomically together with the
// advanced checkpoint, so an interruption leaves the wallet at the last
// fully applied block. A block the node cannot serve at a specific height
// is logged and skipped. The loop repeats while the node's tip keeps
// moving.
func (e *Engine) SyncWallet(ctx context.Context) error {
	w, err := e.currentWallet()
	if err != nil {
		return err
	}
	chain, err := e.chainSource(ctx)
	if err != nil {
		return err
	}

	lastTip := int32(-1)
	for {
		tipHeight, tipHash, err := chain.GetTip(ctx)
		if err != nil {
			return err
		}

		w.mtx.RLock()
		checkpointHeight := w.state.Checkpoint.Height
		w.mtx.RUnlock()

		if checkpointHeight >= tipHeight || tipHeight == lastTip {
			log.Infof("Wallet %q synced to height %d", w.name,
				checkpointHeight)
			return nil
		}
		lastTip = tipHeight

		log.Infof("Syncing wallet %q from height %d to %d", w.name,
			checkpointHeight+1, tipHeight)

		for height := checkpointHeight + 1; height <= tipHeight; height++ {
			block, err := chain.GetBlock(ctx, tipHash, height)
			if err != nil {
				if errors.Is(err, chainipc.ErrBlockNotFound) {
					log.Warnf("Missing block at height "+
						"%d; skipping", height)
					continue
				}
				return err
			}

			w.mtx.Lock()
			err = w.applyBlockLocked(block, height, false)
			w.mtx.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

// RescanBlockchain resets the wallet's state back to startHeight and
// re-applies blocks through stopHeight (clamped to the node's tip). It
// returns the actual range scanned.
func (e *Engine) RescanBlockchain(ctx context.Context, startHeight int32,
	stopHeight *int32) (int32, int32, error) {

	w, err := e.currentWallet()
	if err != nil {
		return 0, 0, err
	}
	chain, err := e.chainSource(ctx)
	if err != nil {
		return 0, 0, err
	}

	tipHeight, tipHash, err := chain.GetTip(ctx)
	if err != nil {
		return 0, 0, err
	}

	stop := tipHeight
	if stopHeight != nil && *stopHeight < tipHeight {
		stop = *stopHeight
	}
	if startHeight < 0 || stop < startHeight {
		return 0, 0, ErrInvalidRescanRange
	}

	log.Infof("Rescanning wallet %q over heights %d..%d", w.name,
		startHeight, stop)

	// Establish the checkpoint anchor for the reset before mutating any
	// state, since it requires a chain round trip.
	anchor := walletstore.Checkpoint{
		Height: -1,
	}
	if startHeight > 0 {
		prev, err := chain.GetBlock(ctx, tipHash, startHeight-1)
		if err != nil {
			return 0, 0, err
		}
		anchor = walletstore.Checkpoint{
			Height: startHeight - 1,
			Hash:   prev.BlockHash(),
		}
	}

	w.mtx.Lock()
	for op, utxo := range w.state.Utxos {
		if utxo.Height != walletstore.UnconfirmedHeight &&
			utxo.Height >= startHeight {

			delete(w.state.Utxos, op)
		}
	}
	for txid, rec := range w.state.TxRecords {
		if rec.Height != walletstore.UnconfirmedHeight &&
			rec.Height >= startHeight {

			delete(w.state.TxRecords, txid)
		}
	}
	w.state.Checkpoint = anchor
	err = w.store.SaveState(w.state)
	w.mtx.Unlock()
	if err != nil {
		return 0, 0, err
	}

	for height := startHeight; height <= stop; height++ {
		block, err := chain.GetBlock(ctx, tipHash, height)
		if err != nil {
			if errors.Is(err, chainipc.ErrBlockNotFound) {
				log.Warnf("Missing block at height %d during "+
					"rescan; skipping", height)
				continue
			}
			return 0, 0, err
		}

		w.mtx.Lock()
		err = w.applyBlockLocked(block, height, false)
		w.mtx.Unlock()
		if err != nil {
			return 0, 0, err
		}
	}

	return startHeight, stop, nil
}

// chainEventHandler is the engine's chain notification handler. It applies
// connected blocks that directly extend the checkpoint and falls back to a
// sync or targeted rescan otherwise.
type chainEventHandler struct {
	engine *Engine
}

// HandleNotification dispatches one chain event into the engine. It runs on
// the notification dispatch goroutine, so events are processed one at a
// time and serialize with RPC-driven mutations through the wallet lock.
func (h *chainEventHandler) HandleNotification(
	n chainipc.ChainNotification) error {

	ctx := context.Background()

	switch n := n.(type) {
	case chainipc.BlockConnected:
		return h.engine.notifyBlockConnected(ctx, n.Block)

	case chainipc.BlockDisconnected:
		return h.engine.notifyBlockDisconnected(ctx, &n.Hash)

	case chainipc.TransactionAddedToMempool:
		return h.engine.ProcessTransaction(
			n.Tx, walletstore.UnconfirmedHeight, nil,
		)

	case chainipc.TransactionRemovedFromMempool:
		// The record, if any, stays in the index; a conflicting
		// block or rescan reconciles it.

	case chainipc.UpdatedBlockTip:
		// Informational only; the subsequent BlockConnected carries
		// the data.

	case chainipc.ChainStateFlushed:
	}

	return nil
}

// notifyBlockConnected applies a pushed block when it directly extends the
// checkpoint and falls back to a full sync pass otherwise.
func (e *Engine) notifyBlockConnected(ctx context.Context,
	block *wire.MsgBlock) error {

	w, err := e.currentWallet()
	if err != nil {
		return err
	}

	w.mtx.Lock()
	if block.Header.PrevBlock == w.state.Checkpoint.Hash {
		height := w.state.Checkpoint.Height + 1
		err := w.applyBlockLocked(block, height, true)
		w.mtx.Unlock()
		return err
	}
	w.mtx.Unlock()

	log.Debugf("Connected block %v does not extend checkpoint; "+
		"running sync", block.BlockHash())
	return e.SyncWallet(ctx)
}

// notifyBlockDisconnected rescans from just above the last block still
// shared with the node's chain.
func (e *Engine) notifyBlockDisconnected(ctx context.Context,
	hash *chainhash.Hash) error {

	w, err := e.currentWallet()
	if err != nil {
		return err
	}
	chain, err := e.chainSource(ctx)
	if err != nil {
		return err
	}

	w.mtx.RLock()
	checkpointHash := w.state.Checkpoint.Hash
	w.mtx.RUnlock()

	_, tipHash, err := chain.GetTip(ctx)
	if err != nil {
		return err
	}

	ancestor, err := chain.FindCommonAncestor(ctx, &checkpointHash, tipHash)
	if err != nil {
		return err
	}

	start := int32(0)
	if ancestor != nil {
		height, err := chain.BlockHeight(ctx, ancestor)
		if err != nil {
			return err
		}
		start = height + 1
	}

	log.Infof("Block %v disconnected; rescanning from height %d", hash,
		start)
	_, _, err = e.RescanBlockchain(ctx, start, nil)
	return err
}

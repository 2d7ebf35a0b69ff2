package wallet

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

// CoinbaseMaturity is the number of confirmations a coinbase output needs
// before it contributes to the confirmed balance.
const CoinbaseMaturity = 100

// Balance is the wallet balance broken down by confirmation class. The
// total always equals the sum of the three classes.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
	Immature    btcutil.Amount
	Total       btcutil.Amount
}

// balanceLocked classifies every owned output. An output is immature when
// it is a coinbase output fewer than CoinbaseMaturity confirmations deep,
// unconfirmed when its funding transaction is unmined, and confirmed
// otherwise. The wallet lock must be held.
func (w *Wallet) balanceLocked() Balance {
	tip := w.state.Checkpoint.Height

	var balance Balance
	for _, utxo := range w.state.Utxos {
		switch {
		case utxo.Height == walletstore.UnconfirmedHeight:
			balance.Unconfirmed += utxo.Value
		case utxo.Coinbase &&
			confirmations(tip, utxo.Height) < CoinbaseMaturity:

			balance.Immature += utxo.Value
		default:
			balance.Confirmed += utxo.Value
		}
		balance.Total += utxo.Value
	}
	return balance
}

// GetBalance returns the current wallet's balance.
func (e *Engine) GetBalance() (Balance, error) {
	w, err := e.currentWallet()
	if err != nil {
		return Balance{}, err
	}

	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.balanceLocked(), nil
}

// Unspent describes one owned unspent output for listunspent.
type Unspent struct {
	OutPoint      wire.OutPoint
	Address       string
	Label         string
	Amount        btcutil.Amount
	Confirmations int32
	PkScript      []byte
	Spendable     bool
}

// ListUnspent returns every UTXO the wallet owns, ordered by confirmations
// descending, then txid ascending, then output index ascending.
func (e *Engine) ListUnspent() ([]*Unspent, error) {
	w, err := e.currentWallet()
	if err != nil {
		return nil, err
	}

	w.mtx.RLock()
	defer w.mtx.RUnlock()

	tip := w.state.Checkpoint.Height
	unspent := make([]*Unspent, 0, len(w.state.Utxos))
	for _, utxo := range w.state.Utxos {
		confs := int32(0)
		if utxo.Height != walletstore.UnconfirmedHeight {
			confs = confirmations(tip, utxo.Height)
		}

		entry := &Unspent{
			OutPoint:      utxo.OutPoint,
			Amount:        utxo.Value,
			Confirmations: confs,
			PkScript:      utxo.PkScript,
			Spendable: !w.state.PrivKeysDisabled &&
				(!utxo.Coinbase || confs >= CoinbaseMaturity),
		}
		if info, ok := w.scripts[string(utxo.PkScript)]; ok {
			entry.Address = info.address
			entry.Label = w.state.Labels[info.address]
		}
		unspent = append(unspent, entry)
	}

	sort.Slice(unspent, func(i, j int) bool {
		a, b := unspent[i], unspent[j]
		if a.Confirmations != b.Confirmations {
			return a.Confirmations > b.Confirmations
		}
		cmp := a.OutPoint.Hash.String()
		other := b.OutPoint.Hash.String()
		if cmp != other {
			return cmp < other
		}
		return a.OutPoint.Index < b.OutPoint.Index
	})

	return unspent, nil
}

// TxSummary describes one wallet transaction for listtransactions and
// gettransaction.
type TxSummary struct {
	TxID          chainhash.Hash
	Raw           []byte
	Amount        btcutil.Amount
	FirstSeen     int64
	Height        int32
	BlockHash     chainhash.Hash
	Confirmations int32
	Label         string
}

// ListTransactions returns every transaction in the index, ordered by
// confirmation height ascending with unconfirmed records last, breaking
// ties by first-seen time ascending.
func (e *Engine) ListTransactions() ([]*TxSummary, error) {
	w, err := e.currentWallet()
	if err != nil {
		return nil, err
	}

	w.mtx.RLock()
	defer w.mtx.RUnlock()

	tip := w.state.Checkpoint.Height
	txs := make([]*TxSummary, 0, len(w.state.TxRecords))
	for _, rec := range w.state.TxRecords {
		txs = append(txs, summarizeRecord(rec, tip))
	}

	sort.Slice(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		ah, bh := sortHeight(a.Height), sortHeight(b.Height)
		if ah != bh {
			return ah < bh
		}
		return a.FirstSeen < b.FirstSeen
	})

	return txs, nil
}

// GetTransaction returns the record of a single wallet transaction.
func (e *Engine) GetTransaction(txid *chainhash.Hash) (*TxSummary, error) {
	w, err := e.currentWallet()
	if err != nil {
		return nil, err
	}

	w.mtx.RLock()
	defer w.mtx.RUnlock()

	rec, ok := w.state.TxRecords[*txid]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return summarizeRecord(rec, w.state.Checkpoint.Height), nil
}

func summarizeRecord(rec *walletstore.TxRecord, tip int32) *TxSummary {
	summary := &TxSummary{
		TxID:      rec.TxID,
		Raw:       rec.Raw,
		Amount:    rec.Amount,
		FirstSeen: rec.FirstSeen,
		Height:    rec.Height,
		BlockHash: rec.BlockHash,
		Label:     rec.Label,
	}
	if rec.Height != walletstore.UnconfirmedHeight {
		summary.Confirmations = confirmations(tip, rec.Height)
	}
	return summary
}

// sortHeight maps the unconfirmed sentinel to the top of the ordering.
func sortHeight(height int32) int64 {
	if height == walletstore.UnconfirmedHeight {
		return int64(^uint32(0)) // +inf for ordering purposes
	}
	return int64(height)
}

// confirmations returns the confirmation count of a record mined at the
// given height relative to the applied tip.
func confirmations(tip, height int32) int32 {
	if height > tip {
		return 0
	}
	return tip - height + 1
}

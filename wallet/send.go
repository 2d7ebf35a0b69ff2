package wallet

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

const (
	// Virtual size contributions used by the fee estimate. All wallet
	// outputs are P2WPKH.
	txOverheadVBytes   = 11
	p2wpkhInputVBytes  = 68
	p2wpkhOutputVBytes = 31

	// dustLimit is the change threshold: change above it gets its own
	// output, change at or below it is given up as extra fee.
	dustLimit = btcutil.Amount(546)

	// defaultFeeRatePerKVB is the fee rate applied when the caller does
	// not specify one explicitly, in satoshis per 1000 vbytes.
	defaultFeeRatePerKVB = btcutil.Amount(1000)
)

// SendOptions carries the optional sendtoaddress parameters.
type SendOptions struct {
	Comment     string
	CommentTo   string
	SubtractFee bool
	AvoidReuse  bool

	// FeeRate is the explicit fee rate in satoshis per vbyte. Zero
	// selects the default rate.
	FeeRate float64
}

// coin is a spendable wallet UTXO under consideration by coin selection.
type coin struct {
	utxo *walletstore.Utxo
	info scriptInfo
}

// feeForVSize returns the fee for a transaction of the given virtual size
// at the given rate, rounding up.
func feeForVSize(ratePerKVB btcutil.Amount, vsize int64) btcutil.Amount {
	return btcutil.Amount((int64(ratePerKVB)*vsize + 999) / 1000)
}

// estimateVSize returns the virtual size of a P2WPKH-only transaction with
// the given input and output counts.
func estimateVSize(numInputs, numOutputs int) int64 {
	return txOverheadVBytes +
		int64(numInputs)*p2wpkhInputVBytes +
		int64(numOutputs)*p2wpkhOutputVBytes
}

// selectCoins selects coins to meet the target amount, largest first. The
// total of the selected coins is returned for change computation.
func selectCoins(target btcutil.Amount,
	coins []coin) (btcutil.Amount, []coin, error) {

	selected := btcutil.Amount(0)
	for i, c := range coins {
		selected += c.utxo.Value
		if selected >= target {
			return selected, coins[:i+1], nil
		}
	}
	return 0, nil, fmt.Errorf("%w: need %v, have %v",
		ErrInsufficientFunds, target, selected)
}

// SendToAddress funds, signs and broadcasts a payment of the given amount
// to the given address, honoring an explicit fee rate when provided. The
// resulting transaction is recorded unconfirmed in the wallet.
func (e *Engine) SendToAddress(ctx context.Context, addrStr string,
	amount btcutil.Amount, opts *SendOptions) (*chainhash.Hash, error) {

	if opts == nil {
		opts = &SendOptions{}
	}
	if amount <= 0 {
		return nil, fmt.Errorf("invalid amount %v", amount)
	}

	w, err := e.currentWallet()
	if err != nil {
		return nil, err
	}
	publisher, err := e.publisher(ctx)
	if err != nil {
		return nil, err
	}

	destAddr, err := btcutil.DecodeAddress(addrStr, w.params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %v", addrStr, err)
	}
	if !destAddr.IsForNet(w.params) {
		return nil, fmt.Errorf("address %q is not valid for network "+
			"%s", addrStr, w.params.Name)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, err
	}

	ratePerKVB := defaultFeeRatePerKVB
	if opts.FeeRate > 0 {
		ratePerKVB = btcutil.Amount(opts.FeeRate * 1000)
	}

	// Build and sign the transaction under the wallet lock. The lock is
	// released before the broadcast round trip.
	tx, err := w.fundAndSign(amount, destScript, ratePerKVB,
		opts.SubtractFee)
	if err != nil {
		return nil, err
	}

	errMsg, accepted, err := publisher.BroadcastTransaction(
		ctx, tx, 0, true,
	)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, BroadcastError{Reason: errMsg}
	}

	err = e.ProcessTransaction(tx, walletstore.UnconfirmedHeight, nil)
	if err != nil {
		return nil, err
	}

	txid := tx.TxHash()
	log.Infof("Broadcast transaction %v paying %v to %v", txid, amount,
		addrStr)
	return &txid, nil
}

// fundAndSign performs coin selection, change derivation and signing for a
// single-recipient spend.
func (w *Wallet) fundAndSign(amount btcutil.Amount, destScript []byte,
	ratePerKVB btcutil.Amount, subtractFee bool) (*wire.MsgTx, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.state.PrivKeysDisabled {
		return nil, ErrPrivateKeysDisabled
	}

	coins := w.spendableCoinsLocked()
	sort.Slice(coins, func(i, j int) bool {
		return coins[i].utxo.Value > coins[j].utxo.Value
	})

	var (
		selected  []coin
		total     btcutil.Amount
		destValue btcutil.Amount
		changeAmt btcutil.Amount
		err       error
	)
	if subtractFee {
		// The recipient absorbs the fee: select for the amount alone
		// and reduce the destination output.
		total, selected, err = selectCoins(amount, coins)
		if err != nil {
			return nil, err
		}
		fee := feeForVSize(
			ratePerKVB, estimateVSize(len(selected), 2),
		)
		if amount <= fee+dustLimit {
			return nil, fmt.Errorf("amount %v is too small to "+
				"pay the fee of %v", amount, fee)
		}
		destValue = amount - fee
		changeAmt = total - amount
	} else {
		// Iterate selection until the selected overshoot covers the
		// fee for the resulting size.
		target := amount
		for {
			total, selected, err = selectCoins(target, coins)
			if err != nil {
				return nil, err
			}
			fee := feeForVSize(
				ratePerKVB, estimateVSize(len(selected), 2),
			)
			if total-amount < fee {
				target = amount + fee
				continue
			}
			destValue = amount
			changeAmt = total - amount - fee
			break
		}
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, c := range selected {
		tx.AddTxIn(wire.NewTxIn(&c.utxo.OutPoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(destValue), destScript))

	if changeAmt > dustLimit {
		_, changeScript, err := w.nextChangeAddressLocked()
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(changeAmt), changeScript))

		// Persist the advanced change counter together with the rest
		// of the state before the transaction leaves the wallet.
		if err := w.store.SaveState(w.state); err != nil {
			return nil, err
		}
	}

	if err := w.signLocked(tx, selected); err != nil {
		return nil, err
	}
	return tx, nil
}

// spendableCoinsLocked returns the owned outputs eligible for spending:
// everything except immature coinbase outputs.
func (w *Wallet) spendableCoinsLocked() []coin {
	tip := w.state.Checkpoint.Height

	var coins []coin
	for _, utxo := range w.state.Utxos {
		if utxo.Coinbase &&
			(utxo.Height == walletstore.UnconfirmedHeight ||
				confirmations(tip, utxo.Height) <
					CoinbaseMaturity) {

			continue
		}
		info, ok := w.scripts[string(utxo.PkScript)]
		if !ok {
			continue
		}
		coins = append(coins, coin{utxo: utxo, info: info})
	}
	return coins
}

// signLocked attaches a witness to every input of the passed transaction.
func (w *Wallet) signLocked(tx *wire.MsgTx, selected []coin) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, c := range selected {
		fetcher.AddPrevOut(c.utxo.OutPoint, &wire.TxOut{
			Value:    int64(c.utxo.Value),
			PkScript: c.utxo.PkScript,
		})
	}
	hashCache := txscript.NewTxSigHashes(tx, fetcher)

	for i, c := range selected {
		childKey, err := w.derivePrivKey(c.info)
		if err != nil {
			return err
		}
		privKey, err := childKey.ECPrivKey()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}

		witness, err := txscript.WitnessSignature(
			tx, hashCache, i, int64(c.utxo.Value),
			c.utxo.PkScript, txscript.SigHashAll, privKey, true,
		)
		if err != nil {
			return fmt.Errorf("unable to sign input %d: %v", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// fundWallet confirms a payment of the given value to a fresh wallet
// address.
func fundWallet(t *testing.T, chain *testChain, engine *Engine,
	value int64) {

	t.Helper()
	script := newWalletScript(t, engine)
	chain.addBlock(paymentTx(script, value))
	require.NoError(t, engine.SyncWallet(testCtx()))
}

// TestSendToAddress funds a wallet and spends from it, checking the
// broadcast transaction and the resulting wallet state.
func TestSendToAddress(t *testing.T) {
	chain := newTestChain()
	publisher := &testPublisher{}
	engine := newTestEngine(t, chain, publisher)
	createTestWallet(t, engine, "w1")
	fundWallet(t, chain, engine, 1_000_000)

	dest, err := engine.GetNewAddress("")
	require.NoError(t, err)

	txid, err := engine.SendToAddress(
		testCtx(), dest.EncodeAddress(), btcutil.Amount(250_000), nil,
	)
	require.NoError(t, err)
	require.NotNil(t, txid)

	require.Len(t, publisher.published, 1)
	tx := publisher.published[0]
	require.Equal(t, *txid, tx.TxHash())

	// One funding input, destination plus change outputs, all witness
	// signed.
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)
	require.NotEmpty(t, tx.TxIn[0].Witness)
	require.Equal(t, int64(250_000), tx.TxOut[0].Value)

	// The spend is recorded and the funding output is gone.
	summary, err := engine.GetTransaction(txid)
	require.NoError(t, err)
	require.Equal(t, int32(0), summary.Confirmations)

	unspent, err := engine.ListUnspent()
	require.NoError(t, err)
	for _, u := range unspent {
		require.NotEqual(t, btcutil.Amount(1_000_000), u.Amount)
	}

	// Fee comes out of the total: the new balance is below the funded
	// amount but above it minus a sane fee bound.
	balance, err := engine.GetBalance()
	require.NoError(t, err)
	require.Less(t, balance.Total, btcutil.Amount(1_000_000))
	require.Greater(t, balance.Total, btcutil.Amount(990_000))
}

// TestSendToAddressRejected surfaces the node's rejection reason
// verbatim.
func TestSendToAddressRejected(t *testing.T) {
	chain := newTestChain()
	publisher := &testPublisher{rejectReason: "txn-mempool-conflict"}
	engine := newTestEngine(t, chain, publisher)
	createTestWallet(t, engine, "w1")
	fundWallet(t, chain, engine, 1_000_000)

	dest, err := engine.GetNewAddress("")
	require.NoError(t, err)

	_, err = engine.SendToAddress(
		testCtx(), dest.EncodeAddress(), btcutil.Amount(250_000), nil,
	)
	require.Error(t, err)

	var broadcastErr BroadcastError
	require.ErrorAs(t, err, &broadcastErr)
	require.Equal(t, "txn-mempool-conflict", broadcastErr.Reason)
}

// TestSendToAddressInsufficientFunds fails cleanly when the wallet cannot
// cover the amount.
func TestSendToAddressInsufficientFunds(t *testing.T) {
	chain := newTestChain()
	engine := newTestEngine(t, chain, &testPublisher{})
	createTestWallet(t, engine, "w1")
	fundWallet(t, chain, engine, 10_000)

	dest, err := engine.GetNewAddress("")
	require.NoError(t, err)

	_, err = engine.SendToAddress(
		testCtx(), dest.EncodeAddress(), btcutil.Amount(50_000), nil,
	)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestSendToAddressExplicitFeeRate pays a higher explicit fee rate and
// expects a correspondingly larger fee.
func TestSendToAddressExplicitFeeRate(t *testing.T) {
	chain := newTestChain()
	publisher := &testPublisher{}
	engine := newTestEngine(t, chain, publisher)
	createTestWallet(t, engine, "w1")
	fundWallet(t, chain, engine, 1_000_000)

	dest, err := engine.GetNewAddress("")
	require.NoError(t, err)

	_, err = engine.SendToAddress(
		testCtx(), dest.EncodeAddress(), btcutil.Amount(100_000),
		&SendOptions{FeeRate: 10},
	)
	require.NoError(t, err)

	tx := publisher.published[0]
	var outSum int64
	for _, out := range tx.TxOut {
		outSum += out.Value
	}
	fee := 1_000_000 - outSum
	expected := feeForVSize(10_000, estimateVSize(1, 2))
	require.Equal(t, int64(expected), fee)
}

// TestSendToAddressSubtractFee deducts the fee from the destination
// output.
func TestSendToAddressSubtractFee(t *testing.T) {
	chain := newTestChain()
	publisher := &testPublisher{}
	engine := newTestEngine(t, chain, publisher)
	createTestWallet(t, engine, "w1")
	fundWallet(t, chain, engine, 1_000_000)

	dest, err := engine.GetNewAddress("")
	require.NoError(t, err)

	_, err = engine.SendToAddress(
		testCtx(), dest.EncodeAddress(), btcutil.Amount(100_000),
		&SendOptions{SubtractFee: true},
	)
	require.NoError(t, err)

	tx := publisher.published[0]
	fee := feeForVSize(defaultFeeRatePerKVB, estimateVSize(1, 2))
	require.Equal(t, int64(100_000)-int64(fee), tx.TxOut[0].Value)
}

// TestSendFromWatchOnlyWallet refuses to sign without private keys.
func TestSendFromWatchOnlyWallet(t *testing.T) {
	chain := newTestChain()
	engine := newTestEngine(t, chain, &testPublisher{})

	opts := DefaultCreateWalletOptions("watch")
	opts.DisablePrivateKeys = true
	require.NoError(t, engine.CreateWallet(opts))
	fundWallet(t, chain, engine, 1_000_000)

	dest, err := engine.GetNewAddress("")
	require.NoError(t, err)

	_, err = engine.SendToAddress(
		testCtx(), dest.EncodeAddress(), btcutil.Amount(10_000), nil,
	)
	require.ErrorIs(t, err, ErrPrivateKeysDisabled)
}

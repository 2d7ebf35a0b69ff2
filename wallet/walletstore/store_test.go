package walletstore

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func testState() *State {
	var genesisHash chainhash.Hash
	genesisHash[0] = 0xAB

	state := NewState(
		"wpkh(xprv-placeholder/0/*)", "wpkh(xprv-placeholder/1/*)",
		Checkpoint{Height: 0, Hash: genesisHash},
	)
	state.ExternalIndex = 3
	state.InternalIndex = 1

	var txid chainhash.Hash
	txid[5] = 0x42
	op := wire.OutPoint{Hash: txid, Index: 1}
	state.Utxos[op] = &Utxo{
		OutPoint: op,
		Value:    btcutil.Amount(50_000),
		PkScript: []byte{0x00, 0x14, 0x99},
		Height:   7,
		Coinbase: true,
	}

	var blockHash chainhash.Hash
	blockHash[9] = 0x07
	state.TxRecords[txid] = &TxRecord{
		TxID:      txid,
		Raw:       []byte{0x01, 0x02, 0x03},
		Amount:    btcutil.Amount(-1_500),
		FirstSeen: 1700000123,
		Height:    7,
		BlockHash: blockHash,
		Label:     "rent",
	}

	state.Labels["bcrt1qexample"] = "savings"
	return state
}

// TestCreateFetchRoundTrip ensures a created store reloads byte-identical
// state after a close/open cycle.
func TestCreateFetchRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	state := testState()

	store, err := Create(
		path, state.ExternalDesc, state.InternalDesc, "regtest", state,
	)
	require.NoError(t, err)
	require.True(t, Exists(path))
	require.NoError(t, store.Close())

	store, err = Open(path, "regtest")
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.FetchState()
	require.NoError(t, err)
	if !reflect.DeepEqual(state.Utxos, loaded.Utxos) {
		t.Fatalf("utxo set mismatch after reload: %v",
			spew.Sdump(loaded.Utxos))
	}
	require.Equal(t, state.ExternalDesc, loaded.ExternalDesc)
	require.Equal(t, state.InternalDesc, loaded.InternalDesc)
	require.Equal(t, state.ExternalIndex, loaded.ExternalIndex)
	require.Equal(t, state.InternalIndex, loaded.InternalIndex)
	require.Equal(t, state.Checkpoint, loaded.Checkpoint)
	require.Equal(t, state.Utxos, loaded.Utxos)
	require.Equal(t, state.TxRecords, loaded.TxRecords)
	require.Equal(t, state.Labels, loaded.Labels)
}

// TestSaveStateReplacesWholesale ensures entries removed from the state do
// not survive a save.
func TestSaveStateReplacesWholesale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	state := testState()

	store, err := Create(
		path, state.ExternalDesc, state.InternalDesc, "regtest", state,
	)
	require.NoError(t, err)
	defer store.Close()

	for op := range state.Utxos {
		delete(state.Utxos, op)
	}
	state.Checkpoint.Height = 9
	require.NoError(t, store.SaveState(state))

	loaded, err := store.FetchState()
	require.NoError(t, err)
	require.Empty(t, loaded.Utxos)
	require.Equal(t, int32(9), loaded.Checkpoint.Height)
	require.Len(t, loaded.TxRecords, 1)
}

// TestOpenMissing ensures opening a nonexistent wallet yields ErrNoWallet.
func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), "regtest")
	require.ErrorIs(t, err, ErrNoWallet)
}

// TestCreateExisting ensures creating over an existing file fails.
func TestCreateExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	state := testState()

	store, err := Create(path, "", "", "regtest", state)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Create(path, "", "", "regtest", state)
	require.ErrorIs(t, err, ErrWalletExists)
}

// TestNetworkMismatch ensures a wallet cannot be opened for the wrong
// network.
func TestNetworkMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	state := testState()

	store, err := Create(path, "", "", "regtest", state)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(path, "mainnet")
	require.ErrorIs(t, err, ErrNetworkMismatch)
}

// TestExclusiveLock ensures a second open of the same file fails while the
// first handle is held.
func TestExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	state := testState()

	store, err := Create(path, "", "", "regtest", state)
	require.NoError(t, err)
	defer store.Close()

	_, err = Open(path, "regtest")
	require.ErrorIs(t, err, ErrDatabaseLocked)
}

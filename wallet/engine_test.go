package wallet

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCreateWalletFresh covers the fresh regtest wallet scenario: a new
// wallet serves a bech32 address, reports a zero balance and owns nothing.
func TestCreateWalletFresh(t *testing.T) {
	engine := newTestEngine(t, newTestChain(), &testPublisher{})
	createTestWallet(t, engine, "w1")

	require.Equal(t, "w1", engine.CurrentWalletName())

	addr, err := engine.GetNewAddress("")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr.EncodeAddress(), "bcrt1"),
		"expected regtest bech32 address, got %v", addr)

	balance, err := engine.GetBalance()
	require.NoError(t, err)
	require.Zero(t, balance.Confirmed)
	require.Zero(t, balance.Total)

	unspent, err := engine.ListUnspent()
	require.NoError(t, err)
	require.Empty(t, unspent)
}

// TestCreateWalletExisting ensures the wallet file is not overwritten.
func TestCreateWalletExisting(t *testing.T) {
	engine := newTestEngine(t, newTestChain(), &testPublisher{})
	createTestWallet(t, engine, "w1")

	err := engine.CreateWallet(DefaultCreateWalletOptions("w1"))
	require.ErrorIs(t, err, ErrWalletExists)
}

// TestCreateWalletNonDescriptor ensures descriptors=false is refused.
func TestCreateWalletNonDescriptor(t *testing.T) {
	engine := newTestEngine(t, newTestChain(), &testPublisher{})

	opts := DefaultCreateWalletOptions("legacy")
	opts.Descriptors = false
	err := engine.CreateWallet(opts)
	require.ErrorIs(t, err, ErrUnsupportedOperation)
}

// TestCreateWalletPassphrase ensures encryption requests are refused with
// the passphrase error.
func TestCreateWalletPassphrase(t *testing.T) {
	engine := newTestEngine(t, newTestChain(), &testPublisher{})

	opts := DefaultCreateWalletOptions("enc")
	opts.Passphrase = "hunter2"
	err := engine.CreateWallet(opts)
	require.ErrorIs(t, err, ErrPassphrase)
}

// TestCreateWalletBlank ensures a blank wallet carries placeholder
// descriptors and cannot derive addresses.
func TestCreateWalletBlank(t *testing.T) {
	engine := newTestEngine(t, newTestChain(), &testPublisher{})

	opts := DefaultCreateWalletOptions("blank")
	opts.Blank = true
	require.NoError(t, engine.CreateWallet(opts))

	_, err := engine.GetNewAddress("")
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

// TestLoadWalletMissing ensures loading an unknown wallet yields
// ErrNoWallet.
func TestLoadWalletMissing(t *testing.T) {
	engine := newTestEngine(t, newTestChain(), &testPublisher{})

	err := engine.LoadWallet(testCtx(), "nope")
	require.ErrorIs(t, err, ErrNoWallet)
}

// TestNoCurrentWallet ensures operations without a loaded wallet fail with
// ErrNoWallet.
func TestNoCurrentWallet(t *testing.T) {
	engine := newTestEngine(t, newTestChain(), &testPublisher{})

	_, err := engine.GetBalance()
	require.ErrorIs(t, err, ErrNoWallet)

	_, err = engine.GetNewAddress("")
	require.ErrorIs(t, err, ErrNoWallet)
}

// TestAddressDerivationSequence asserts the derivation invariants: every
// derived address is unique, reproducible at its index from the external
// descriptor, and the persisted counter matches the number of derivations.
func TestAddressDerivationSequence(t *testing.T) {
	const numAddrs = 20

	engine := newTestEngine(t, newTestChain(), &testPublisher{})
	createTestWallet(t, engine, "w1")

	seen := make(map[string]struct{}, numAddrs)
	derived := make([]string, 0, numAddrs)
	for i := 0; i < numAddrs; i++ {
		addr, err := engine.GetNewAddress("")
		require.NoError(t, err)

		encoded := addr.EncodeAddress()
		_, dup := seen[encoded]
		require.False(t, dup, "duplicate address %v at index %d",
			encoded, i)
		seen[encoded] = struct{}{}
		derived = append(derived, encoded)
	}

	w, err := engine.currentWallet()
	require.NoError(t, err)

	// Every address matches the external descriptor at its index.
	for i, encoded := range derived {
		addr, err := w.deriveAddress(branchExternal, uint32(i))
		require.NoError(t, err)
		require.Equal(t, addr.EncodeAddress(), encoded)
	}

	// The persisted counter equals the number of derivations.
	state, err := w.store.FetchState()
	require.NoError(t, err)
	require.Equal(t, uint32(numAddrs), state.ExternalIndex)
}

// TestAddressDerivationConcurrent asserts lock safety: concurrent
// derivations never hand out the same address twice.
func TestAddressDerivationConcurrent(t *testing.T) {
	const numAddrs = 1000

	engine := newTestEngine(t, newTestChain(), &testPublisher{})
	createTestWallet(t, engine, "w1")

	var (
		wg    sync.WaitGroup
		mtx   sync.Mutex
		addrs = make(map[string]struct{}, numAddrs)
	)
	errs := make(chan error, numAddrs)
	for i := 0; i < numAddrs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := engine.GetNewAddress("")
			if err != nil {
				errs <- err
				return
			}
			mtx.Lock()
			addrs[addr.EncodeAddress()] = struct{}{}
			mtx.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, addrs, numAddrs)

	info, err := engine.WalletInfo()
	require.NoError(t, err)
	require.Equal(t, uint32(numAddrs), info.ExternalIndex)
}

// TestAddressLabels ensures labels are recorded in the wallet state against
// the derived address.
func TestAddressLabels(t *testing.T) {
	chain := newTestChain()
	engine := newTestEngine(t, chain, &testPublisher{})
	createTestWallet(t, engine, "w1")

	addr, err := engine.GetNewAddress("groceries")
	require.NoError(t, err)

	w, err := engine.currentWallet()
	require.NoError(t, err)
	w.mtx.RLock()
	label := w.state.Labels[addr.EncodeAddress()]
	w.mtx.RUnlock()
	require.Equal(t, "groceries", label)
}

// TestWalletPersistenceAcrossRestart ensures a wallet loaded from disk
// reproduces the same descriptors and counters.
func TestWalletPersistenceAcrossRestart(t *testing.T) {
	chain := newTestChain()
	engine := newTestEngine(t, chain, &testPublisher{})
	createTestWallet(t, engine, "w1")

	first, err := engine.GetNewAddress("")
	require.NoError(t, err)

	w, err := engine.currentWallet()
	require.NoError(t, err)
	walletDir := engine.cfg.WalletDir
	extDesc := w.state.ExternalDesc

	engine.Shutdown()

	reopened, err := New(&Config{
		WalletDir:  walletDir,
		NodeSocket: "ignored-in-tests.sock",
		NetParams:  engine.cfg.NetParams,
		Chain:      chain,
		Publisher:  &testPublisher{},
	})
	require.NoError(t, err)
	defer reopened.Shutdown()

	require.NoError(t, reopened.LoadWallet(testCtx(), "w1"))

	w2, err := reopened.currentWallet()
	require.NoError(t, err)
	require.Equal(t, extDesc, w2.state.ExternalDesc)
	require.Equal(t, uint32(1), w2.state.ExternalIndex)

	// The next derivation continues the sequence rather than repeating.
	second, err := reopened.GetNewAddress("")
	require.NoError(t, err)
	require.NotEqual(t, first.EncodeAddress(), second.EncodeAddress())
}

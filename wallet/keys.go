package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// generateDescriptors derives a fresh master key for the given network and
// renders the external/internal descriptor pair. Watch-only wallets get the
// neutered key. Segwit v0 single-sig is a policy constant, not a runtime
// option.
func generateDescriptors(params *chaincfg.Params,
	watchOnly bool) (string, string, error) {

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if watchOnly {
		master, err = master.Neuter()
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrKeyGeneration,
				err)
		}
	}

	external := fmt.Sprintf("wpkh(%s/%d/*)", master, branchExternal)
	internal := fmt.Sprintf("wpkh(%s/%d/*)", master, branchInternal)
	return external, internal, nil
}

// parseDescriptor extracts the extended key of a wpkh(key/branch/*)
// descriptor.
func parseDescriptor(desc string) (*hdkeychain.ExtendedKey, error) {
	if !strings.HasPrefix(desc, "wpkh(") || !strings.HasSuffix(desc, ")") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDescriptor, desc)
	}
	inner := desc[len("wpkh(") : len(desc)-1]
	keyStr, _, ok := strings.Cut(inner, "/")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDescriptor, desc)
	}

	key, err := hdkeychain.NewKeyFromString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return key, nil
}

// initKeys parses the persisted descriptors and rebuilds the owned-script
// index for all previously derived addresses. Blank wallets carry no keys
// and own no scripts.
func (w *Wallet) initKeys() error {
	w.scripts = make(map[string]scriptInfo)

	if w.state.ExternalDesc == "" {
		return nil
	}

	var err error
	w.extKey, err = parseDescriptor(w.state.ExternalDesc)
	if err != nil {
		return err
	}
	w.intKey, err = parseDescriptor(w.state.InternalDesc)
	if err != nil {
		return err
	}

	for i := uint32(0); i < w.state.ExternalIndex; i++ {
		if _, _, err := w.indexScript(branchExternal, i); err != nil {
			return err
		}
	}
	for i := uint32(0); i < w.state.InternalIndex; i++ {
		if _, _, err := w.indexScript(branchInternal, i); err != nil {
			return err
		}
	}

	return nil
}

// branchKey returns the extended key of a descriptor branch.
func (w *Wallet) branchKey(branch uint32) (*hdkeychain.ExtendedKey, error) {
	switch branch {
	case branchExternal:
		if w.extKey == nil {
			return nil, fmt.Errorf("%w: wallet has no external "+
				"descriptor", ErrInvalidDescriptor)
		}
		return w.extKey, nil
	case branchInternal:
		if w.intKey == nil {
			return nil, fmt.Errorf("%w: wallet has no internal "+
				"descriptor", ErrInvalidDescriptor)
		}
		return w.intKey, nil
	}
	return nil, fmt.Errorf("unknown descriptor branch %d", branch)
}

// deriveAddress derives the P2WPKH address at the given branch and index of
// the descriptor pair.
func (w *Wallet) deriveAddress(branch, index uint32) (btcutil.Address, error) {
	key, err := w.branchKey(branch)
	if err != nil {
		return nil, err
	}

	branchKey, err := key.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	child, err := branchKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	pkHash := btcutil.Hash160(pubKey.SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(pkHash, w.params)
}

// indexScript derives the address at (branch, index), records its output
// script in the owned-script index and returns both.
func (w *Wallet) indexScript(branch, index uint32) (btcutil.Address, []byte,
	error) {

	addr, err := w.deriveAddress(branch, index)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}

	w.scripts[string(pkScript)] = scriptInfo{
		branch:  branch,
		index:   index,
		address: addr.EncodeAddress(),
	}
	return addr, pkScript, nil
}

// derivePrivKey returns the private key controlling the script at the given
// derivation path. It fails for watch-only wallets.
func (w *Wallet) derivePrivKey(info scriptInfo) (*hdkeychain.ExtendedKey,
	error) {

	if w.state.PrivKeysDisabled {
		return nil, ErrPrivateKeysDisabled
	}

	key, err := w.branchKey(info.branch)
	if err != nil {
		return nil, err
	}
	branchKey, err := key.Derive(info.branch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	child, err := branchKey.Derive(info.index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return child, nil
}

// GetNewAddress derives the next external address, advances and persists the
// external derivation counter and records the label. Labels are free-form
// UTF-8 and may be empty.
func (e *Engine) GetNewAddress(label string) (btcutil.Address, error) {
	w, err := e.currentWallet()
	if err != nil {
		return nil, err
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	index := w.state.ExternalIndex
	addr, _, err := w.indexScript(branchExternal, index)
	if err != nil {
		return nil, err
	}

	w.state.ExternalIndex = index + 1
	w.state.Labels[addr.EncodeAddress()] = label

	if err := w.store.SaveState(w.state); err != nil {
		// Roll the counter back so the caller can retry without a
		// gap in the derivation sequence.
		w.state.ExternalIndex = index
		delete(w.state.Labels, addr.EncodeAddress())
		return nil, err
	}

	log.Debugf("Derived external address %v at index %d",
		addr.EncodeAddress(), index)
	return addr, nil
}

// nextChangeAddressLocked derives the next internal (change) address and
// advances the internal counter. The wallet lock must be held for writes.
func (w *Wallet) nextChangeAddressLocked() (btcutil.Address, []byte, error) {
	index := w.state.InternalIndex
	addr, pkScript, err := w.indexScript(branchInternal, index)
	if err != nil {
		return nil, nil, err
	}
	w.state.InternalIndex = index + 1
	return addr, pkScript, nil
}

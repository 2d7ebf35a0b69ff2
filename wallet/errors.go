package wallet

import (
	"errors"
	"fmt"

	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

var (
	// ErrNoWallet is returned when an operation requires a current
	// wallet and none is loaded, or when loading a wallet that does not
	// exist.
	ErrNoWallet = walletstore.ErrNoWallet

	// ErrWalletExists is returned when creating a wallet whose file
	// already exists.
	ErrWalletExists = walletstore.ErrWalletExists

	// ErrNetworkMismatch is returned when loading a wallet created for a
	// different network.
	ErrNetworkMismatch = walletstore.ErrNetworkMismatch

	// ErrKeyGeneration is returned when a fresh master key or a child
	// key could not be derived.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrInvalidDescriptor is returned when a descriptor is missing, as in
	// a blank wallet, or cannot be parsed.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrUnsupportedOperation is returned for requests the wallet
	// deliberately does not support, such as non-descriptor wallets.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrPassphrase is returned when a passphrase is supplied; wallet
	// encryption is not supported.
	ErrPassphrase = errors.New("wallet encryption is not supported")

	// ErrPrivateKeysDisabled is returned when a watch-only wallet is
	// asked to sign.
	ErrPrivateKeysDisabled = errors.New("private keys are disabled for " +
		"this wallet")

	// ErrInvalidRescanRange is returned when a rescan is requested with
	// a negative start or a stop below the start. RPC workers surface
	// this as an invalid-params error.
	ErrInvalidRescanRange = errors.New("invalid rescan range")

	// ErrTransactionNotFound is returned when a txid is not present in
	// the wallet's transaction index.
	ErrTransactionNotFound = errors.New("transaction not found in wallet")

	// ErrInsufficientFunds is returned when coin selection cannot cover
	// the requested amount plus fees.
	ErrInsufficientFunds = errors.New("insufficient funds available to " +
		"construct transaction")
)

// BroadcastError is returned when the node rejects a broadcast
// transaction. Reason carries the node's human-readable message verbatim.
type BroadcastError struct {
	Reason string
}

// Error satisfies the error interface.
func (e BroadcastError) Error() string {
	return fmt.Sprintf("transaction rejected by node: %s", e.Reason)
}

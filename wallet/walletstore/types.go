package walletstore

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UnconfirmedHeight is the height recorded for outputs and transactions that
// have not yet been mined.
const UnconfirmedHeight int32 = -1

// Checkpoint is the wallet's anchor into the chain: the height and hash of
// the last block the wallet has fully applied.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
}

// Utxo is an unspent transaction output owned by the wallet.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output amount.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Height is the height of the block funding this output, or
	// UnconfirmedHeight while the funding transaction is unmined.
	Height int32

	// Coinbase is set when the funding transaction is a coinbase. Such
	// outputs are immature until they are buried under enough
	// confirmations.
	Coinbase bool
}

// TxRecord is a transaction relevant to the wallet together with its
// confirmation state.
type TxRecord struct {
	// TxID is the witness-stripped transaction digest.
	TxID chainhash.Hash

	// Raw is the consensus-encoded transaction.
	Raw []byte

	// Amount is the net value of the transaction from the wallet's point
	// of view: credits to owned outputs minus debits from owned inputs.
	Amount btcutil.Amount

	// FirstSeen is the unix timestamp at which the wallet first learned
	// of the transaction.
	FirstSeen int64

	// Height is the confirmation height, or UnconfirmedHeight.
	Height int32

	// BlockHash is the hash of the confirming block. It is all zeros
	// while the record is unconfirmed.
	BlockHash chainhash.Hash

	// Label is an optional free-form transaction label.
	Label string
}

// State is the full mutable wallet state held by the engine and persisted
// atomically by the store.
type State struct {
	// ExternalDesc and InternalDesc are the wallet's receive and change
	// output descriptors. Blank wallets carry empty placeholders.
	ExternalDesc string
	InternalDesc string

	// ExternalIndex and InternalIndex are the next unused derivation
	// indices of the two branches.
	ExternalIndex uint32
	InternalIndex uint32

	// PrivKeysDisabled is set for watch-only wallets.
	PrivKeysDisabled bool

	// Checkpoint anchors the applied-block tip.
	Checkpoint Checkpoint

	// Utxos is the wallet's unspent output set.
	Utxos map[wire.OutPoint]*Utxo

	// TxRecords indexes every relevant transaction by txid.
	TxRecords map[chainhash.Hash]*TxRecord

	// Labels maps derived addresses to their free-form labels.
	Labels map[string]string
}

// NewState returns an empty state with the given descriptors and the
// checkpoint anchored at the genesis of the wallet's network.
func NewState(externalDesc, internalDesc string,
	genesis Checkpoint) *State {

	return &State{
		ExternalDesc: externalDesc,
		InternalDesc: internalDesc,
		Checkpoint:   genesis,
		Utxos:        make(map[wire.OutPoint]*Utxo),
		TxRecords:    make(map[chainhash.Hash]*TxRecord),
		Labels:       make(map[string]string),
	}
}

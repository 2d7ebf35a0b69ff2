package wallet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/tigeryant/blocktalk/chainipc"
	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

// ChainSource is the subset of the node IPC facade the engine needs for
// chain reads. It is satisfied by *chainipc.Chain.
type ChainSource interface {
	// GetTip returns the current tip height and hash.
	GetTip(ctx context.Context) (int32, *chainhash.Hash, error)

	// GetBlock fetches the block at the given height below tipHash.
	GetBlock(ctx context.Context, tipHash *chainhash.Hash,
		height int32) (*wire.MsgBlock, error)

	// FindCommonAncestor returns the last common ancestor of two
	// blocks, or nil when there is none.
	FindCommonAncestor(ctx context.Context, hash1,
		hash2 *chainhash.Hash) (*chainhash.Hash, error)

	// BlockHeight returns the height the node records for a block hash.
	BlockHeight(ctx context.Context, hash *chainhash.Hash) (int32, error)
}

// TxPublisher is the subset of the node IPC facade used to broadcast
// transactions. It is satisfied by *chainipc.Mempool.
type TxPublisher interface {
	// BroadcastTransaction submits a transaction for mempool acceptance
	// and relay, returning the node's (message, accepted) tuple.
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx,
		maxTxFee int64, relay bool) (string, bool, error)
}

// Config defines the resources and parameters used to set up an Engine.
type Config struct {
	// WalletDir is the directory holding one wallet file per wallet.
	WalletDir string

	// NodeSocket is the path of the node's IPC socket. The connection
	// is established lazily on first chain access.
	NodeSocket string

	// NetParams are the parameters of the network the wallet operates
	// on.
	NetParams *chaincfg.Params

	// Chain optionally overrides the node-backed chain source. If nil,
	// a connection to NodeSocket is established on first use.
	Chain ChainSource

	// Publisher optionally overrides the node-backed transaction
	// publisher.
	Publisher TxPublisher
}

// Engine is the wallet core. It owns the registry of loaded wallets, the
// persistent store handles and the connection to the node. All mutation of
// a wallet's state happens behind that wallet's lock; the lock is never
// held across an IPC round trip.
type Engine struct {
	cfg Config

	chainMtx  sync.Mutex
	transport *chainipc.Transport

	registryMtx sync.RWMutex
	wallets     map[string]*Wallet
	current     *Wallet
}

// Wallet is the in-memory state of a single loaded wallet.
type Wallet struct {
	name   string
	store  *walletstore.Store
	params *chaincfg.Params

	mtx    sync.RWMutex
	state  *walletstore.State
	extKey *hdkeychain.ExtendedKey
	intKey *hdkeychain.ExtendedKey

	// scripts maps raw output scripts of derived addresses to their
	// derivation info, bounding script ownership checks to the derived
	// portion of each branch.
	scripts map[string]scriptInfo
}

type scriptInfo struct {
	branch  uint32
	index   uint32
	address string
}

// Branch indices of the descriptor pair.
const (
	branchExternal uint32 = 0
	branchInternal uint32 = 1
)

// New sets up an Engine rooted at cfg.WalletDir, creating the directory if
// needed. No wallet is loaded and no node connection is made.
func New(cfg *Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.WalletDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create wallet dir: %w", err)
	}

	return &Engine{
		cfg:     *cfg,
		wallets: make(map[string]*Wallet),
	}, nil
}

// CreateWalletOptions are the options accepted by CreateWallet. Only
// WalletName is required.
type CreateWalletOptions struct {
	WalletName         string
	DisablePrivateKeys bool
	Blank              bool
	Passphrase         string
	AvoidReuse         bool
	Descriptors        bool
	LoadOnStartup      bool
}

// DefaultCreateWalletOptions returns the option defaults for the given
// wallet name. Descriptor wallets are the only supported kind.
func DefaultCreateWalletOptions(name string) CreateWalletOptions {
	return CreateWalletOptions{
		WalletName:  name,
		Descriptors: true,
	}
}

// CreateWallet creates a new wallet file, registers the wallet under its
// name and makes it the current wallet.
func (e *Engine) CreateWallet(opts CreateWalletOptions) error {
	if !opts.Descriptors {
		return fmt.Errorf("%w: legacy non-descriptor wallets",
			ErrUnsupportedOperation)
	}
	if opts.Passphrase != "" {
		return ErrPassphrase
	}

	log.Infof("Creating wallet %q", opts.WalletName)

	var extDesc, intDesc string
	if !opts.Blank {
		var err error
		extDesc, intDesc, err = generateDescriptors(
			e.cfg.NetParams, opts.DisablePrivateKeys,
		)
		if err != nil {
			return err
		}
	}

	genesis := walletstore.Checkpoint{
		Height: 0,
		Hash:   *e.cfg.NetParams.GenesisHash,
	}
	state := walletstore.NewState(extDesc, intDesc, genesis)
	state.PrivKeysDisabled = opts.DisablePrivateKeys

	store, err := walletstore.Create(
		e.walletPath(opts.WalletName), extDesc, intDesc,
		e.cfg.NetParams.Name, state,
	)
	if err != nil {
		return err
	}

	w := &Wallet{
		name:   opts.WalletName,
		store:  store,
		params: e.cfg.NetParams,
		state:  state,
	}
	if err := w.initKeys(); err != nil {
		store.Close()
		return err
	}

	e.registryMtx.Lock()
	e.wallets[opts.WalletName] = w
	e.current = w
	e.registryMtx.Unlock()

	log.Infof("Wallet %q created and selected", opts.WalletName)
	return nil
}

// LoadWallet opens the named wallet, makes it current and synchronizes it
// against the node's chain.
func (e *Engine) LoadWallet(ctx context.Context, name string) error {
	log.Infof("Loading wallet %q", name)

	e.registryMtx.Lock()
	w, ok := e.wallets[name]
	if !ok {
		store, err := walletstore.Open(
			e.walletPath(name), e.cfg.NetParams.Name,
		)
		if err != nil {
			e.registryMtx.Unlock()
			return err
		}

		state, err := store.FetchState()
		if err != nil {
			store.Close()
			e.registryMtx.Unlock()
			return err
		}

		w = &Wallet{
			name:   name,
			store:  store,
			params: e.cfg.NetParams,
			state:  state,
		}
		if err := w.initKeys(); err != nil {
			store.Close()
			e.registryMtx.Unlock()
			return err
		}
		e.wallets[name] = w
	}
	e.current = w
	e.registryMtx.Unlock()

	return e.SyncWallet(ctx)
}

// CurrentWalletName returns the name of the current wallet, or an empty
// string when none is loaded.
func (e *Engine) CurrentWalletName() string {
	e.registryMtx.RLock()
	defer e.registryMtx.RUnlock()
	if e.current == nil {
		return ""
	}
	return e.current.name
}

// Shutdown disconnects the node transport, if one was established, and then
// closes every loaded wallet store.
func (e *Engine) Shutdown() {
	e.chainMtx.Lock()
	if e.transport != nil {
		e.transport.Close()
		e.transport = nil
	}
	e.chainMtx.Unlock()

	e.registryMtx.Lock()
	for name, w := range e.wallets {
		if err := w.store.Close(); err != nil {
			log.Warnf("Failed to close wallet %q: %v", name, err)
		}
		delete(e.wallets, name)
	}
	e.current = nil
	e.registryMtx.Unlock()
}

// currentWallet returns the current wallet or ErrNoWallet.
func (e *Engine) currentWallet() (*Wallet, error) {
	e.registryMtx.RLock()
	defer e.registryMtx.RUnlock()
	if e.current == nil {
		return nil, ErrNoWallet
	}
	return e.current, nil
}

func (e *Engine) walletPath(name string) string {
	return filepath.Join(e.cfg.WalletDir, name)
}

// connect establishes the node transport on first use.
func (e *Engine) connect(ctx context.Context) (*chainipc.Transport, error) {
	e.chainMtx.Lock()
	defer e.chainMtx.Unlock()

	if e.transport != nil {
		return e.transport, nil
	}

	t, err := chainipc.Dial(ctx, e.cfg.NodeSocket)
	if err != nil {
		return nil, err
	}
	e.transport = t
	return t, nil
}

// chainSource returns the configured chain source, dialling the node if
// necessary.
func (e *Engine) chainSource(ctx context.Context) (ChainSource, error) {
	if e.cfg.Chain != nil {
		return e.cfg.Chain, nil
	}
	t, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	return t.Chain(), nil
}

// publisher returns the configured transaction publisher, dialling the node
// if necessary.
func (e *Engine) publisher(ctx context.Context) (TxPublisher, error) {
	if e.cfg.Publisher != nil {
		return e.cfg.Publisher, nil
	}
	t, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	return t.Mempool(), nil
}

// StartNotifications registers the engine's chain event handler with the
// node and begins the push notification stream. It must be called after the
// wallet of interest has been loaded.
func (e *Engine) StartNotifications(ctx context.Context) error {
	t, err := e.connect(ctx)
	if err != nil {
		return err
	}

	chain := t.Chain()
	chain.RegisterNotificationHandler(&chainEventHandler{engine: e})
	return chain.BeginChainUpdates(ctx)
}

// Info is a snapshot of the current wallet for getwalletinfo.
type Info struct {
	Name             string
	Balance          Balance
	TxCount          int
	PrivKeysEnabled  bool
	ExternalIndex    uint32
	CheckpointHeight int32
}

// WalletInfo returns a snapshot of the current wallet.
func (e *Engine) WalletInfo() (*Info, error) {
	w, err := e.currentWallet()
	if err != nil {
		return nil, err
	}

	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return &Info{
		Name:             w.name,
		Balance:          w.balanceLocked(),
		TxCount:          len(w.state.TxRecords),
		PrivKeysEnabled:  !w.state.PrivKeysDisabled,
		ExternalIndex:    w.state.ExternalIndex,
		CheckpointHeight: w.state.Checkpoint.Height,
	}, nil
}

package wallet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/tigeryant/blocktalk/chainipc"
)

func testCtx() context.Context {
	return context.Background()
}

// testChain is an in-memory ChainSource serving a mutable block list.
type testChain struct {
	mtx    sync.Mutex
	blocks []*wire.MsgBlock

	// failGetBlockAt, when non-negative, makes GetBlock at that height
	// fail with ErrTransportClosed to model a dropped connection.
	failGetBlockAt int32
}

func newTestChain() *testChain {
	return &testChain{
		blocks: []*wire.MsgBlock{
			chaincfg.RegressionNetParams.GenesisBlock,
		},
		failGetBlockAt: -1,
	}
}

func (c *testChain) GetTip(ctx context.Context) (int32, *chainhash.Hash,
	error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()
	height := int32(len(c.blocks) - 1)
	hash := c.blocks[height].BlockHash()
	return height, &hash, nil
}

func (c *testChain) GetBlock(ctx context.Context, tipHash *chainhash.Hash,
	height int32) (*wire.MsgBlock, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.failGetBlockAt >= 0 && height == c.failGetBlockAt {
		return nil, chainipc.ErrTransportClosed
	}
	if height < 0 || int(height) >= len(c.blocks) {
		return nil, chainipc.ChainError{
			Kind: chainipc.ErrBlockNotFound,
			Description: fmt.Sprintf("no block at height %d",
				height),
		}
	}
	return c.blocks[height], nil
}

func (c *testChain) FindCommonAncestor(ctx context.Context, hash1,
	hash2 *chainhash.Hash) (*chainhash.Hash, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	h1, h2 := c.heightOfLocked(hash1), c.heightOfLocked(hash2)
	if h1 < 0 || h2 < 0 {
		return nil, nil
	}
	low := h1
	if h2 < low {
		low = h2
	}
	hash := c.blocks[low].BlockHash()
	return &hash, nil
}

func (c *testChain) BlockHeight(ctx context.Context,
	hash *chainhash.Hash) (int32, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	height := c.heightOfLocked(hash)
	if height < 0 {
		return 0, chainipc.ChainError{
			Kind:        chainipc.ErrBlockNotFound,
			Description: "unknown block hash",
		}
	}
	return height, nil
}

func (c *testChain) heightOfLocked(hash *chainhash.Hash) int32 {
	for i, block := range c.blocks {
		if block.BlockHash() == *hash {
			return int32(i)
		}
	}
	return -1
}

// tipHash returns the hash of the current best block.
func (c *testChain) tipHash() chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.blocks[len(c.blocks)-1].BlockHash()
}

// addBlock appends a new block containing a burn coinbase plus the passed
// transactions and returns it.
func (c *testChain) addBlock(txs ...*wire.MsgTx) *wire.MsgBlock {
	return c.addBlockPayingCoinbase(nil, 0, txs...)
}

// addBlockPayingCoinbase appends a new block whose coinbase pays value to
// payScript.
func (c *testChain) addBlockPayingCoinbase(payScript []byte, value int64,
	txs ...*wire.MsgTx) *wire.MsgBlock {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	height := len(c.blocks)
	blockTxs := append(
		[]*wire.MsgTx{coinbaseTx(int32(height), payScript, value)},
		txs...,
	)

	hashes := make([]chainhash.Hash, len(blockTxs))
	for i, tx := range blockTxs {
		hashes[i] = tx.TxHash()
	}
	for len(hashes) > 1 {
		if len(hashes)%2 == 1 {
			hashes = append(hashes, hashes[len(hashes)-1])
		}
		for i := 0; i < len(hashes)/2; i++ {
			hashes[i] = chainhash.DoubleHashH(
				append(hashes[2*i][:], hashes[2*i+1][:]...),
			)
		}
		hashes = hashes[:len(hashes)/2]
	}

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  c.blocks[height-1].BlockHash(),
			MerkleRoot: hashes[0],
			Timestamp: time.Unix(
				1700000000+int64(height)*600, 0,
			),
			Bits:  0x207fffff,
			Nonce: uint32(height),
		},
		Transactions: blockTxs,
	}
	c.blocks = append(c.blocks, block)
	return block
}

// truncate drops every block above the given height, modelling a reorg.
func (c *testChain) truncate(height int32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.blocks = c.blocks[:height+1]
}

// coinbaseTx builds a coinbase paying value to payScript, or a burn output
// when payScript is nil. The height salts the input script so every
// coinbase has a distinct txid.
func coinbaseTx(height int32, payScript []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: math.MaxUint32},
		SignatureScript: []byte{
			0x03, byte(height), byte(height >> 8),
			byte(height >> 16),
		},
	})
	if payScript != nil {
		tx.AddTxOut(wire.NewTxOut(value, payScript))
	} else {
		tx.AddTxOut(wire.NewTxOut(50_0000_0000, []byte{0x6a}))
	}
	return tx
}

var testPrevOutCounter uint32

// paymentTx builds a transaction paying value to payScript from a unique
// unrelated outpoint.
func paymentTx(payScript []byte, value int64) *wire.MsgTx {
	testPrevOutCounter++

	var prevHash chainhash.Hash
	prevHash[0] = 0xFE
	prevHash[1] = byte(testPrevOutCounter)
	prevHash[2] = byte(testPrevOutCounter >> 8)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevHash, Index: 0},
	})
	tx.AddTxOut(wire.NewTxOut(value, payScript))
	return tx
}

// testPublisher records broadcast transactions and optionally rejects
// them.
type testPublisher struct {
	mtx          sync.Mutex
	rejectReason string
	published    []*wire.MsgTx
}

func (p *testPublisher) BroadcastTransaction(ctx context.Context,
	tx *wire.MsgTx, maxTxFee int64, relay bool) (string, bool, error) {

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.rejectReason != "" {
		return p.rejectReason, false, nil
	}
	p.published = append(p.published, tx)
	return "", true, nil
}

func newTestEngine(t *testing.T, chain ChainSource,
	publisher TxPublisher) *Engine {

	t.Helper()

	engine, err := New(&Config{
		WalletDir:  t.TempDir(),
		NodeSocket: "ignored-in-tests.sock",
		NetParams:  &chaincfg.RegressionNetParams,
		Chain:      chain,
		Publisher:  publisher,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)
	return engine
}

// createTestWallet creates and selects a default wallet named name.
func createTestWallet(t *testing.T, engine *Engine, name string) {
	t.Helper()
	err := engine.CreateWallet(DefaultCreateWalletOptions(name))
	require.NoError(t, err)
}

// newWalletScript derives a fresh receive address for the current wallet
// and returns its output script.
func newWalletScript(t *testing.T, engine *Engine) []byte {
	t.Helper()

	addr, err := engine.GetNewAddress("")
	require.NoError(t, err)

	w, err := engine.currentWallet()
	require.NoError(t, err)

	w.mtx.RLock()
	defer w.mtx.RUnlock()
	for script, info := range w.scripts {
		if info.address == addr.EncodeAddress() {
			return []byte(script)
		}
	}
	t.Fatalf("script for freshly derived address %v not indexed", addr)
	return nil
}

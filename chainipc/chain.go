package chainipc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Chain exposes the query operations of the node's chain capability. All
// methods suspend until the node replies and are safe for concurrent use;
// the thread context is attached to every request automatically.
type Chain struct {
	t *Transport
}

// GetTip returns the current tip height and hash. Two calls are required
// (getHeight followed by getBlockHash) and the pair is not atomic: if a new
// block connects in between, the returned pair may be inconsistent. Callers
// that require strict consistency must also subscribe to BlockConnected.
func (c *Chain) GetTip(ctx context.Context) (int32, *chainhash.Hash, error) {
	log.Tracef("Fetching current chain tip")

	res, err := c.t.callChain(ctx, methodGetHeight, nil)
	if err != nil {
		return 0, nil, err
	}
	height, err := newParamReader(res).readInt32()
	if err != nil {
		return 0, nil, chainError(ErrInvalidBlockData,
			fmt.Sprintf("malformed getHeight result: %v", err))
	}

	var p paramWriter
	p.writeInt32(height)
	res, err = c.t.callChain(ctx, methodGetBlockHash, p.bytes())
	if err != nil {
		return 0, nil, err
	}
	hash, err := hashFromBytes(res)
	if err != nil {
		return 0, nil, err
	}

	log.Tracef("Chain tip at height %d hash %v", height, hash)
	return height, hash, nil
}

// TipTime returns the header timestamp of the current tip block.
func (c *Chain) TipTime(ctx context.Context) (uint32, error) {
	_, tipHash, err := c.GetTip(ctx)
	if err != nil {
		return 0, err
	}

	block, err := c.GetBlockByHash(ctx, tipHash)
	if err != nil {
		return 0, err
	}
	if block == nil {
		return 0, chainError(ErrBlockNotFound,
			fmt.Sprintf("tip block %v has no data", tipHash))
	}

	return uint32(block.Header.Timestamp.Unix()), nil
}

// GetBlock fetches the block at the given height on the chain leading to
// tipHash and decodes it from its consensus encoding.
func (c *Chain) GetBlock(ctx context.Context, tipHash *chainhash.Hash,
	height int32) (*wire.MsgBlock, error) {

	log.Tracef("Fetching block at height %d", height)

	var p paramWriter
	p.writeHash(tipHash)
	p.writeInt32(height)
	p.writeBool(true) // wantData

	res, err := c.t.callChain(ctx, methodFindAncestorByHeight, p.bytes())
	if err != nil {
		return nil, err
	}

	data, err := newParamReader(res).readVarBytes()
	if err != nil {
		return nil, chainError(ErrInvalidBlockData,
			fmt.Sprintf("malformed ancestor result: %v", err))
	}
	if len(data) == 0 {
		return nil, chainError(ErrBlockNotFound,
			fmt.Sprintf("no block at height %d below tip %v",
				height, tipHash))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, chainError(ErrDeserializationFailed,
			fmt.Sprintf("block at height %d: %v", height, err))
	}
	return block, nil
}

// GetGenesisBlock fetches block 0 of the active chain.
func (c *Chain) GetGenesisBlock(ctx context.Context) (*wire.MsgBlock, error) {
	_, tipHash, err := c.GetTip(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetBlock(ctx, tipHash, 0)
}

// GetBlockByHash fetches a block by its hash. A known hash with no stored
// data yields (nil, nil) rather than an error.
func (c *Chain) GetBlockByHash(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	info, err := c.findBlock(ctx, hash, true)
	if err != nil {
		return nil, err
	}
	if len(info.data) == 0 {
		log.Debugf("No block data for hash %v", hash)
		return nil, nil
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(info.data)); err != nil {
		return nil, chainError(ErrDeserializationFailed,
			fmt.Sprintf("block %v: %v", hash, err))
	}
	return block, nil
}

// BlockHeight returns the height the node records for the given block hash.
func (c *Chain) BlockHeight(ctx context.Context,
	hash *chainhash.Hash) (int32, error) {

	info, err := c.findBlock(ctx, hash, false)
	if err != nil {
		return 0, err
	}
	return info.height, nil
}

// IsSynced reports whether the node has left initial block download.
func (c *Chain) IsSynced(ctx context.Context) (bool, error) {
	res, err := c.t.callChain(ctx, methodIsInitialBlockDownload, nil)
	if err != nil {
		return false, err
	}
	ibd, err := newParamReader(res).readBool()
	if err != nil {
		return false, chainError(ErrInvalidBlockData,
			fmt.Sprintf("malformed IBD result: %v", err))
	}
	return !ibd, nil
}

// IsInBestChain reports whether the given block is part of the active chain.
func (c *Chain) IsInBestChain(ctx context.Context,
	hash *chainhash.Hash) (bool, error) {

	info, err := c.findBlock(ctx, hash, false)
	if err != nil {
		return false, err
	}
	return info.inActiveChain, nil
}

// FindCommonAncestor returns the hash of the last common ancestor of the two
// given blocks, or nil when the node reports none.
func (c *Chain) FindCommonAncestor(ctx context.Context, hash1,
	hash2 *chainhash.Hash) (*chainhash.Hash, error) {

	var p paramWriter
	p.writeHash(hash1)
	p.writeHash(hash2)

	res, err := c.t.callChain(ctx, methodFindCommonAncestor, p.bytes())
	if err != nil {
		return nil, err
	}
	ancestor, err := newParamReader(res).readVarBytes()
	if err != nil {
		return nil, chainError(ErrInvalidAncestor,
			fmt.Sprintf("malformed ancestor result: %v", err))
	}
	if len(ancestor) == 0 {
		return nil, nil
	}
	return hashFromBytes(ancestor)
}

// RegisterNotificationHandler adds a handler to the notification registry.
// Handlers receive events only after BeginChainUpdates has been called.
func (c *Chain) RegisterNotificationHandler(h NotificationHandler) {
	c.t.notifier.register(h)
}

// RemoveNotificationHandler removes a previously registered handler.
func (c *Chain) RemoveNotificationHandler(h NotificationHandler) {
	c.t.notifier.remove(h)
}

// BeginChainUpdates hands the local notification object to the node so it
// starts pushing chain events. It must be called after the handlers of
// interest are registered; events delivered before registration are not
// replayed.
func (c *Chain) BeginChainUpdates(ctx context.Context) error {
	log.Debugf("Subscribing to chain notifications")

	capID := c.t.notifier.export(c.t)

	var p paramWriter
	p.writeUint32(capID)
	_, err := c.t.callChain(ctx, methodHandleNotifications, p.bytes())
	if err != nil {
		return err
	}

	log.Info("Subscribed to chain notifications")
	return nil
}

// StopChainUpdates stops delivery of chain events on a best-effort basis.
// The underlying schema has no cancellation verb, so the node keeps calling
// into the exported object; handlers remain registered either way.
func (c *Chain) StopChainUpdates() {
	c.t.notifier.pause()
}

// blockInfo is the decoded result of a findBlock call.
type blockInfo struct {
	height        int32
	inActiveChain bool
	data          []byte
}

// findBlock issues a findBlock call for the given hash, optionally
// requesting the block data.
func (c *Chain) findBlock(ctx context.Context, hash *chainhash.Hash,
	wantData bool) (*blockInfo, error) {

	var p paramWriter
	p.writeHash(hash)
	p.writeBool(wantData)

	res, err := c.t.callChain(ctx, methodFindBlock, p.bytes())
	if err != nil {
		return nil, err
	}

	r := newParamReader(res)
	info := &blockInfo{}
	if info.height, err = r.readInt32(); err != nil {
		return nil, chainError(ErrInvalidBlockData,
			fmt.Sprintf("malformed findBlock result: %v", err))
	}
	if info.inActiveChain, err = r.readBool(); err != nil {
		return nil, chainError(ErrInvalidBlockData,
			fmt.Sprintf("malformed findBlock result: %v", err))
	}
	if info.data, err = r.readVarBytes(); err != nil {
		return nil, chainError(ErrInvalidBlockData,
			fmt.Sprintf("malformed findBlock result: %v", err))
	}
	return info, nil
}

// hashFromBytes converts raw node-side hash bytes into a chainhash.Hash.
// Node-side hashes are exactly 32 raw bytes with no reversal applied; any
// other length is rejected.
func hashFromBytes(b []byte) (*chainhash.Hash, error) {
	if len(b) != chainhash.HashSize {
		return nil, chainError(ErrInvalidBlockData,
			fmt.Sprintf("invalid hash length: expected %d, got %d",
				chainhash.HashSize, len(b)))
	}
	return chainhash.NewHash(b)
}

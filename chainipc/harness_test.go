package chainipc

import (
	"bytes"
	"math"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// Capability ids minted by the fake node.
const (
	fakeThreadMapCap uint32 = 100
	fakeThreadCap    uint32 = 101
	fakeChainCap     uint32 = 102
	fakeMiningCap    uint32 = 103
	fakeTemplateCap  uint32 = 104
)

// fakeNode is an in-process peer speaking the capability RPC protocol over
// a real unix socket. It serves a scripted chain and can push notifications
// into an exported local object.
type fakeNode struct {
	t          *testing.T
	socketPath string
	ln         net.Listener

	mtx        sync.Mutex
	conn       net.Conn
	notifCap   uint32
	nextPushID uint64

	blocks       []*wire.MsgBlock
	rejectReason string
	template     []byte

	// intercept, when set, observes every inbound call first and may
	// swallow it by returning true.
	intercept func(f *frame) bool

	wg sync.WaitGroup
}

func newFakeNode(t *testing.T, blocks []*wire.MsgBlock) *fakeNode {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "node.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	n := &fakeNode{
		t:          t,
		socketPath: socketPath,
		ln:         ln,
		nextPushID: 1 << 32,
		blocks:     blocks,
	}

	n.wg.Add(1)
	go n.acceptLoop()

	t.Cleanup(n.stop)
	return n
}

func (n *fakeNode) stop() {
	n.ln.Close()
	n.closeConn()
	n.wg.Wait()
}

// closeConn drops the active connection, simulating transport loss.
func (n *fakeNode) closeConn() {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func (n *fakeNode) acceptLoop() {
	defer n.wg.Done()

	conn, err := n.ln.Accept()
	if err != nil {
		return
	}
	n.mtx.Lock()
	n.conn = conn
	n.mtx.Unlock()

	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}

		// Replies to our own pushed notifications need no handling.
		if f.msgType != msgCall {
			continue
		}

		if n.intercept != nil && n.intercept(f) {
			continue
		}

		n.reply(n.handleCall(f))
	}
}

// reply writes a frame to the active connection.
func (n *fakeNode) reply(f *frame) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.conn == nil {
		return
	}
	if err := writeFrame(n.conn, f); err != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// handleCall produces the scripted response for one inbound call.
func (n *fakeNode) handleCall(f *frame) *frame {
	var result paramWriter
	r := newParamReader(f.params)

	switch f.method {
	case methodInitConstruct:
		result.writeUint32(fakeThreadMapCap)

	case methodMakeThread:
		result.writeUint32(fakeThreadCap)

	case methodMakeChain:
		result.writeUint32(fakeChainCap)

	case methodMakeMining:
		result.writeUint32(fakeMiningCap)

	case methodCreateNewBlock:
		result.writeUint32(fakeTemplateCap)

	case methodGetHeight:
		result.writeInt32(int32(len(n.blocks) - 1))

	case methodGetBlockHash:
		height, err := r.readInt32()
		if err != nil || height < 0 ||
			int(height) >= len(n.blocks) {

			return exceptionFrame(f.requestID, "no block at height")
		}
		hash := n.blocks[height].BlockHash()
		result.writeHash(&hash)

	case methodFindAncestorByHeight:
		if _, err := r.readHash(); err != nil {
			return exceptionFrame(f.requestID, "bad hash")
		}
		height, err := r.readInt32()
		if err != nil {
			return exceptionFrame(f.requestID, "bad height")
		}
		var data []byte
		if height >= 0 && int(height) < len(n.blocks) {
			var buf bytes.Buffer
			n.blocks[height].Serialize(&buf)
			data = buf.Bytes()
		}
		result.writeVarBytes(data)

	case methodFindBlock:
		hash, err := r.readHash()
		if err != nil {
			return exceptionFrame(f.requestID, "bad hash")
		}
		wantData, _ := r.readBool()

		height := int32(-1)
		var data []byte
		for i, block := range n.blocks {
			if block.BlockHash() == *hash {
				height = int32(i)
				if wantData {
					var buf bytes.Buffer
					block.Serialize(&buf)
					data = buf.Bytes()
				}
				break
			}
		}
		result.writeInt32(height)
		result.writeBool(height >= 0)
		result.writeVarBytes(data)

	case methodFindCommonAncestor:
		hash1, err := r.readHash()
		if err != nil {
			return exceptionFrame(f.requestID, "bad hash")
		}
		hash2, err := r.readHash()
		if err != nil {
			return exceptionFrame(f.requestID, "bad hash")
		}
		var ancestor []byte
		h1, h2 := n.heightOf(hash1), n.heightOf(hash2)
		if h1 >= 0 && h2 >= 0 {
			low := h1
			if h2 < low {
				low = h2
			}
			hash := n.blocks[low].BlockHash()
			ancestor = hash[:]
		}
		result.writeVarBytes(ancestor)

	case methodIsInitialBlockDownload:
		result.writeBool(false)

	case methodHandleNotifications:
		capID, err := r.readUint32()
		if err != nil {
			return exceptionFrame(f.requestID, "bad capability")
		}
		n.mtx.Lock()
		n.notifCap = capID
		n.mtx.Unlock()

	case methodIsInMempool, methodHasDescendantsInMempool:
		result.writeBool(false)

	case methodGetTransactionAncestry:
		result.writeUint64(2)
		result.writeUint64(3)
		result.writeUint64(500)
		result.writeInt64(1250)

	case methodBroadcastTransaction:
		if _, err := r.readVarBytes(); err != nil {
			return exceptionFrame(f.requestID, "bad transaction")
		}
		if n.rejectReason != "" {
			result.writeBool(false)
			result.writeVarString(n.rejectReason)
		} else {
			result.writeBool(true)
			result.writeVarString("")
		}

	case methodGetBlockData:
		result.writeVarBytes(n.template)

	default:
		return exceptionFrame(f.requestID, "unknown method")
	}

	return &frame{
		msgType:   msgReturn,
		requestID: f.requestID,
		result:    result.bytes(),
	}
}

func (n *fakeNode) heightOf(hash *chainhash.Hash) int32 {
	for i, block := range n.blocks {
		if block.BlockHash() == *hash {
			return int32(i)
		}
	}
	return -1
}

// push sends an inbound notification call into the exported object.
func (n *fakeNode) push(m method, params []byte) {
	n.mtx.Lock()
	conn := n.conn
	capID := n.notifCap
	id := n.nextPushID
	n.nextPushID++

	require.NotNil(n.t, conn, "no active connection to push into")
	require.NotZero(n.t, capID, "notifications not subscribed")

	err := writeFrame(conn, &frame{
		msgType:   msgCall,
		requestID: id,
		capID:     capID,
		method:    m,
		params:    params,
	})
	n.mtx.Unlock()
	require.NoError(n.t, err)
}

func exceptionFrame(requestID uint64, message string) *frame {
	return &frame{
		msgType:   msgException,
		requestID: requestID,
		message:   message,
	}
}

// testBlocks builds a linked chain of numBlocks trivial blocks, each with a
// single coinbase transaction.
func testBlocks(numBlocks int) []*wire.MsgBlock {
	blocks := make([]*wire.MsgBlock, numBlocks)
	var prevHash chainhash.Hash
	for i := range blocks {
		coinbase := wire.NewMsgTx(1)
		coinbase.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{
				Index: math.MaxUint32,
			},
			SignatureScript: []byte{txscriptOpTrue, byte(i)},
		})
		coinbase.AddTxOut(wire.NewTxOut(
			50_0000_0000, []byte{txscriptOpTrue},
		))

		blocks[i] = &wire.MsgBlock{
			Header: wire.BlockHeader{
				Version:   1,
				PrevBlock: prevHash,
				Timestamp: time.Unix(1700000000+int64(i)*600, 0),
				Bits:      0x207fffff,
				Nonce:     uint32(i),
			},
			Transactions: []*wire.MsgTx{coinbase},
		}
		prevHash = blocks[i].BlockHash()
	}
	return blocks
}

// txscriptOpTrue is OP_TRUE; enough script to be distinct without pulling
// txscript into this package's tests.
const txscriptOpTrue = 0x51

package chainipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
)

// initCapID is the well-known capability id of the peer's root Init object.
// All other capabilities are minted by the peer and returned in call results.
const initCapID uint32 = 0

// localServer is the peer-callable side of a capability exported by this
// process. Inbound calls are demultiplexed by method selector.
type localServer interface {
	handleCall(m method, params []byte) ([]byte, error)
}

// callResult carries the outcome of a single outbound call back to its
// waiting caller.
type callResult struct {
	result []byte
	err    error
}

// Transport owns the duplex byte stream to the node and runs the RPC driver
// that interleaves outbound requests and inbound calls on the same
// connection. Capability handles minted through a Transport are only valid
// while that Transport is alive; closing it invalidates every handle derived
// from it.
//
// The driver consists of two goroutines: a read loop that demultiplexes
// replies into per-request completion slots, and a dispatch loop that serves
// inbound calls against exported local objects. Inbound calls are served off
// the read loop so a handler is free to issue further outbound calls without
// deadlocking the reply path.
type Transport struct {
	conn net.Conn
	wg   sync.WaitGroup

	writeMtx sync.Mutex

	reqMtx   sync.Mutex
	nextID   uint64
	inflight map[uint64]chan callResult

	localMtx     sync.Mutex
	nextLocalCap uint32
	localCaps    map[uint32]localServer

	inbound chan *frame

	quit    chan struct{}
	failMtx sync.Mutex
	failErr error

	// threadCap is the server-side execution context established during
	// bootstrap. It is carried in the context field of every subsequent
	// chain, mempool and block template call.
	threadCap uint32

	// The remaining capabilities are acquired lazily on first use.
	capMtx      sync.Mutex
	chainCap    uint32
	haveChain   bool
	miningCap   uint32
	templateCap uint32
	haveTmplt   bool

	notifier *NotificationService
}

// Dial connects to the node's local socket and bootstraps the root
// capabilities: init.construct yields the thread map, and
// threadMap.makeThread yields the shared thread context.
func Dial(ctx context.Context, socketPath string) (*Transport, error) {
	log.Infof("Connecting to node at %s", socketPath)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist),
			errors.Is(err, syscall.ENOENT):
			return nil, fmt.Errorf("%w: %s", ErrSocketNotFound,
				socketPath)
		case errors.Is(err, syscall.ECONNREFUSED):
			return nil, fmt.Errorf("%w: %s", ErrConnectionRefused,
				socketPath)
		}
		return nil, err
	}

	t := &Transport{
		conn:         conn,
		inflight:     make(map[uint64]chan callResult),
		nextLocalCap: 1,
		localCaps:    make(map[uint32]localServer),
		inbound:      make(chan *frame, 64),
		quit:         make(chan struct{}),
		notifier:     newNotificationService(),
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.dispatchLoop()

	if err := t.bootstrap(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %v", ErrProtocolInit, err)
	}

	log.Info("Connection to node established")
	return t, nil
}

// bootstrap performs the two post-connect setup calls that establish the
// thread context used by every subsequent request.
func (t *Transport) bootstrap(ctx context.Context) error {
	res, err := t.roundTrip(ctx, initCapID, methodInitConstruct, 0, nil)
	if err != nil {
		return fmt.Errorf("init.construct: %v", err)
	}
	threadMapCap, err := newParamReader(res).readUint32()
	if err != nil {
		return fmt.Errorf("init.construct result: %v", err)
	}

	res, err = t.roundTrip(ctx, threadMapCap, methodMakeThread, 0, nil)
	if err != nil {
		return fmt.Errorf("threadMap.makeThread: %v", err)
	}
	t.threadCap, err = newParamReader(res).readUint32()
	if err != nil {
		return fmt.Errorf("threadMap.makeThread result: %v", err)
	}

	log.Debugf("Thread context established (cap %d)", t.threadCap)
	return nil
}

// Close disconnects from the node. Outstanding in-flight requests fail with
// ErrCancelled and the driver goroutines are awaited. Close is idempotent.
func (t *Transport) Close() error {
	t.fail(ErrCancelled)
	t.wg.Wait()
	log.Info("Disconnected from node")
	return nil
}

// fail terminates the driver with the given reason. The first reason wins:
// an explicit Close records ErrCancelled while an I/O failure records
// ErrTransportClosed. Every in-flight request is completed with the reason.
func (t *Transport) fail(reason error) {
	t.failMtx.Lock()
	if t.failErr != nil {
		t.failMtx.Unlock()
		return
	}
	t.failErr = reason
	close(t.quit)
	t.failMtx.Unlock()

	t.conn.Close()

	t.reqMtx.Lock()
	for id, ch := range t.inflight {
		delete(t.inflight, id)
		ch <- callResult{err: reason}
	}
	t.reqMtx.Unlock()
}

// failReason returns the error the driver terminated with.
func (t *Transport) failReason() error {
	t.failMtx.Lock()
	defer t.failMtx.Unlock()
	if t.failErr == nil {
		return ErrTransportClosed
	}
	return t.failErr
}

// roundTrip issues a single outbound call and blocks until its reply
// arrives, the context is done, or the driver terminates. A caller that
// gives up abandons its completion slot and the driver discards the reply
// when it eventually arrives.
func (t *Transport) roundTrip(ctx context.Context, capID uint32, m method,
	contextCap uint32, params []byte) ([]byte, error) {

	select {
	case <-t.quit:
		return nil, t.failReason()
	default:
	}

	ch := make(chan callResult, 1)
	t.reqMtx.Lock()
	t.nextID++
	id := t.nextID
	t.inflight[id] = ch
	t.reqMtx.Unlock()

	err := t.send(&frame{
		msgType:    msgCall,
		requestID:  id,
		capID:      capID,
		method:     m,
		contextCap: contextCap,
		params:     params,
	})
	if err != nil {
		t.forget(id)
		t.fail(ErrTransportClosed)
		return nil, t.failReason()
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	case <-t.quit:
		return nil, t.failReason()
	}
}

// callChain issues a call against the chain capability with the thread
// context attached, lazily acquiring the capability on first use.
func (t *Transport) callChain(ctx context.Context, m method,
	params []byte) ([]byte, error) {

	capID, err := t.chainCapability(ctx)
	if err != nil {
		return nil, err
	}
	return t.roundTrip(ctx, capID, m, t.threadCap, params)
}

// chainCapability returns the chain capability, acquiring it from the init
// capability on first use.
func (t *Transport) chainCapability(ctx context.Context) (uint32, error) {
	t.capMtx.Lock()
	defer t.capMtx.Unlock()

	if t.haveChain {
		return t.chainCap, nil
	}

	res, err := t.roundTrip(
		ctx, initCapID, methodMakeChain, t.threadCap, nil,
	)
	if err != nil {
		return 0, err
	}
	capID, err := newParamReader(res).readUint32()
	if err != nil {
		return 0, fmt.Errorf("init.makeChain result: %v", err)
	}

	t.chainCap = capID
	t.haveChain = true
	log.Debugf("Chain capability established (cap %d)", capID)
	return capID, nil
}

// templateCapability returns the block template capability, creating the
// mining capability and a new block candidate on first use. The template
// policy parameters are fixed at creation time.
func (t *Transport) templateCapability(ctx context.Context) (uint32, error) {
	t.capMtx.Lock()
	defer t.capMtx.Unlock()

	if t.haveTmplt {
		return t.templateCap, nil
	}

	res, err := t.roundTrip(
		ctx, initCapID, methodMakeMining, t.threadCap, nil,
	)
	if err != nil {
		return 0, err
	}
	miningCap, err := newParamReader(res).readUint32()
	if err != nil {
		return 0, fmt.Errorf("init.makeMining result: %v", err)
	}
	t.miningCap = miningCap

	var p paramWriter
	p.writeBool(templateUseMempool)
	p.writeUint32(templateReservedWeight)
	res, err = t.roundTrip(
		ctx, miningCap, methodCreateNewBlock, t.threadCap, p.bytes(),
	)
	if err != nil {
		return 0, err
	}
	tmpltCap, err := newParamReader(res).readUint32()
	if err != nil {
		return 0, fmt.Errorf("mining.createNewBlock result: %v", err)
	}

	t.templateCap = tmpltCap
	t.haveTmplt = true
	log.Debugf("Block template capability established (cap %d)", tmpltCap)
	return tmpltCap, nil
}

// exportCap makes a local object callable by the peer and returns its
// capability id.
func (t *Transport) exportCap(srv localServer) uint32 {
	t.localMtx.Lock()
	defer t.localMtx.Unlock()

	id := t.nextLocalCap
	t.nextLocalCap++
	t.localCaps[id] = srv
	return id
}

// send serializes a frame onto the connection. Writers are serialized so
// concurrent callers and inbound-call replies do not interleave frames.
func (t *Transport) send(f *frame) error {
	t.writeMtx.Lock()
	defer t.writeMtx.Unlock()
	return writeFrame(t.conn, f)
}

// forget abandons the completion slot for the given request id. A reply
// arriving afterwards is discarded by the read loop.
func (t *Transport) forget(id uint64) {
	t.reqMtx.Lock()
	delete(t.inflight, id)
	t.reqMtx.Unlock()
}

// readLoop is the inbound half of the driver. It demultiplexes replies into
// completion slots and queues inbound calls for the dispatch loop. Any read
// failure terminates the driver and fails every in-flight request.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		f, err := readFrame(t.conn)
		if err != nil {
			select {
			case <-t.quit:
			default:
				log.Errorf("Transport read failed: %v", err)
			}
			t.fail(ErrTransportClosed)
			return
		}

		switch f.msgType {
		case msgReturn, msgException:
			t.reqMtx.Lock()
			ch, ok := t.inflight[f.requestID]
			delete(t.inflight, f.requestID)
			t.reqMtx.Unlock()

			if !ok {
				// Reply for an abandoned call.
				continue
			}

			if f.msgType == msgException {
				ch <- callResult{err: NodeError{
					Message: f.message,
				}}
			} else {
				ch <- callResult{result: f.result}
			}

		case msgCall:
			select {
			case t.inbound <- f:
			case <-t.quit:
				return
			}

		default:
			log.Warnf("Dropping frame with unknown type %d",
				f.msgType)
		}
	}
}

// dispatchLoop serves inbound calls against exported local objects, one at a
// time, so two inbound events are never processed concurrently.
func (t *Transport) dispatchLoop() {
	defer t.wg.Done()

	for {
		var f *frame
		select {
		case f = <-t.inbound:
		case <-t.quit:
			return
		}

		t.localMtx.Lock()
		srv, ok := t.localCaps[f.capID]
		t.localMtx.Unlock()

		reply := &frame{requestID: f.requestID}
		if !ok {
			reply.msgType = msgException
			reply.message = fmt.Sprintf("unknown capability %d",
				f.capID)
		} else {
			result, err := srv.handleCall(f.method, f.params)
			if err != nil {
				reply.msgType = msgException
				reply.message = err.Error()
			} else {
				reply.msgType = msgReturn
				reply.result = result
			}
		}

		if err := t.send(reply); err != nil {
			t.fail(ErrTransportClosed)
			return
		}
	}
}

// Chain returns the chain query interface backed by this transport.
func (t *Transport) Chain() *Chain {
	return &Chain{t: t}
}

// Mempool returns the mempool introspection interface backed by this
// transport.
func (t *Transport) Mempool() *Mempool {
	return &Mempool{t: t}
}

// BlockTemplate returns the block template interface backed by this
// transport.
func (t *Transport) BlockTemplate() *BlockTemplate {
	return &BlockTemplate{t: t}
}

package chainipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Message kinds carried on the duplex stream. Calls flow in both directions:
// the wallet invokes node capabilities and the node invokes local server
// objects (the notification sink) using the same frame layout.
const (
	msgCall      uint8 = 1
	msgReturn    uint8 = 2
	msgException uint8 = 3
)

// protocolVersion is the framing version used by the var-length encoders.
const protocolVersion uint32 = 1

// maxFramePayload is the maximum size of a single frame payload. Frames
// carry at most one consensus-encoded block, so this mirrors the consensus
// block size ceiling with generous headroom for framing overhead.
const maxFramePayload = 8 * 1024 * 1024

// Method selectors for the capability interfaces exposed by the node, plus
// the peer-callable notification interface served locally.
type method uint16

const (
	// init capability.
	methodInitConstruct method = 1
	methodMakeChain     method = 2
	methodMakeMining    method = 3

	// threadMap capability.
	methodMakeThread method = 10

	// chain capability.
	methodGetHeight              method = 20
	methodGetBlockHash           method = 21
	methodFindBlock              method = 22
	methodFindAncestorByHeight   method = 23
	methodFindCommonAncestor     method = 24
	methodIsInitialBlockDownload method = 25
	methodHandleNotifications    method = 26

	// mempool operations, surfaced through the chain capability.
	methodIsInMempool             method = 30
	methodHasDescendantsInMempool method = 31
	methodGetTransactionAncestry  method = 32
	methodBroadcastTransaction    method = 33

	// mining capability.
	methodCreateNewBlock method = 40

	// blockTemplate capability.
	methodGetBlockData method = 41

	// chainNotifications interface, served by the wallet side.
	methodNtfnBlockConnected       method = 50
	methodNtfnBlockDisconnected    method = 51
	methodNtfnTxAddedToMempool     method = 52
	methodNtfnTxRemovedFromMempool method = 53
	methodNtfnUpdatedBlockTip      method = 54
	methodNtfnChainStateFlushed    method = 55
	methodNtfnDestroy              method = 56
)

// frame is a single decoded protocol message. Exactly one of the call,
// return or exception field groups is meaningful depending on msgType.
type frame struct {
	msgType   uint8
	requestID uint64

	// msgCall fields.
	capID      uint32
	method     method
	contextCap uint32
	params     []byte

	// msgReturn field.
	result []byte

	// msgException field.
	message string
}

// writeFrame serializes f with a 4-byte big-endian length prefix.
func writeFrame(w io.Writer, f *frame) error {
	var body bytes.Buffer
	body.WriteByte(f.msgType)

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], f.requestID)
	body.Write(scratch[:])

	switch f.msgType {
	case msgCall:
		binary.BigEndian.PutUint32(scratch[:4], f.capID)
		body.Write(scratch[:4])
		binary.BigEndian.PutUint16(scratch[:2], uint16(f.method))
		body.Write(scratch[:2])
		binary.BigEndian.PutUint32(scratch[:4], f.contextCap)
		body.Write(scratch[:4])
		err := wire.WriteVarBytes(&body, protocolVersion, f.params)
		if err != nil {
			return err
		}

	case msgReturn:
		err := wire.WriteVarBytes(&body, protocolVersion, f.result)
		if err != nil {
			return err
		}

	case msgException:
		err := wire.WriteVarString(&body, protocolVersion, f.message)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown message type %d", f.msgType)
	}

	if body.Len() > maxFramePayload {
		return fmt.Errorf("frame payload exceeds maximum of %d bytes",
			maxFramePayload)
	}

	binary.BigEndian.PutUint32(scratch[:4], uint32(body.Len()))
	if _, err := w.Write(scratch[:4]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// readFrame reads and decodes a single length-prefixed frame.
func readFrame(r io.Reader) (*frame, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	payloadLen := binary.BigEndian.Uint32(scratch[:4])
	if payloadLen > maxFramePayload {
		return nil, fmt.Errorf("frame payload of %d bytes exceeds "+
			"maximum of %d bytes", payloadLen, maxFramePayload)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	br := bytes.NewReader(payload)
	f := &frame{}
	if _, err := io.ReadFull(br, scratch[:1]); err != nil {
		return nil, err
	}
	f.msgType = scratch[0]

	if _, err := io.ReadFull(br, scratch[:8]); err != nil {
		return nil, err
	}
	f.requestID = binary.BigEndian.Uint64(scratch[:8])

	switch f.msgType {
	case msgCall:
		if _, err := io.ReadFull(br, scratch[:4]); err != nil {
			return nil, err
		}
		f.capID = binary.BigEndian.Uint32(scratch[:4])
		if _, err := io.ReadFull(br, scratch[:2]); err != nil {
			return nil, err
		}
		f.method = method(binary.BigEndian.Uint16(scratch[:2]))
		if _, err := io.ReadFull(br, scratch[:4]); err != nil {
			return nil, err
		}
		f.contextCap = binary.BigEndian.Uint32(scratch[:4])
		params, err := wire.ReadVarBytes(
			br, protocolVersion, maxFramePayload, "params",
		)
		if err != nil {
			return nil, err
		}
		f.params = params

	case msgReturn:
		result, err := wire.ReadVarBytes(
			br, protocolVersion, maxFramePayload, "result",
		)
		if err != nil {
			return nil, err
		}
		f.result = result

	case msgException:
		message, err := wire.ReadVarString(br, protocolVersion)
		if err != nil {
			return nil, err
		}
		f.message = message

	default:
		return nil, fmt.Errorf("unknown message type %d", f.msgType)
	}

	return f, nil
}

// paramWriter accumulates a method-specific parameter encoding.
type paramWriter struct {
	buf bytes.Buffer
}

func (p *paramWriter) writeUint8(v uint8) {
	p.buf.WriteByte(v)
}

func (p *paramWriter) writeBool(v bool) {
	if v {
		p.buf.WriteByte(1)
	} else {
		p.buf.WriteByte(0)
	}
}

func (p *paramWriter) writeUint16(v uint16) {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], v)
	p.buf.Write(scratch[:])
}

func (p *paramWriter) writeUint32(v uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	p.buf.Write(scratch[:])
}

func (p *paramWriter) writeInt32(v int32) {
	p.writeUint32(uint32(v))
}

func (p *paramWriter) writeUint64(v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	p.buf.Write(scratch[:])
}

func (p *paramWriter) writeInt64(v int64) {
	p.writeUint64(uint64(v))
}

func (p *paramWriter) writeHash(h *chainhash.Hash) {
	p.buf.Write(h[:])
}

func (p *paramWriter) writeVarBytes(b []byte) error {
	return wire.WriteVarBytes(&p.buf, protocolVersion, b)
}

func (p *paramWriter) writeVarString(s string) error {
	return wire.WriteVarString(&p.buf, protocolVersion, s)
}

func (p *paramWriter) bytes() []byte {
	return p.buf.Bytes()
}

// paramReader decodes a method-specific parameter or result encoding.
type paramReader struct {
	r *bytes.Reader
}

func newParamReader(b []byte) *paramReader {
	return &paramReader{r: bytes.NewReader(b)}
}

func (p *paramReader) readUint8() (uint8, error) {
	return p.r.ReadByte()
}

func (p *paramReader) readBool() (bool, error) {
	b, err := p.r.ReadByte()
	return b != 0, err
}

func (p *paramReader) readUint32() (uint32, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(p.r, scratch[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(scratch[:]), nil
}

func (p *paramReader) readInt32() (int32, error) {
	v, err := p.readUint32()
	return int32(v), err
}

func (p *paramReader) readUint64() (uint64, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(p.r, scratch[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(scratch[:]), nil
}

func (p *paramReader) readInt64() (int64, error) {
	v, err := p.readUint64()
	return int64(v), err
}

func (p *paramReader) readHash() (*chainhash.Hash, error) {
	var raw [chainhash.HashSize]byte
	if _, err := io.ReadFull(p.r, raw[:]); err != nil {
		return nil, err
	}
	return chainhash.NewHash(raw[:])
}

func (p *paramReader) readVarBytes() ([]byte, error) {
	return wire.ReadVarBytes(p.r, protocolVersion, maxFramePayload, "bytes")
}

func (p *paramReader) readVarString() (string, error) {
	return wire.ReadVarString(p.r, protocolVersion)
}

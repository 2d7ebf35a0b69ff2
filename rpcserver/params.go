package rpcserver

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
)

// rpcParams provides uniform access to JSON-RPC parameters supplied either
// as a positional array or a named object.
type rpcParams struct {
	positional []json.RawMessage
	named      map[string]json.RawMessage
}

// invalidParams builds an invalid-params error with the given message.
func invalidParams(format string, args ...interface{}) *btcjson.RPCError {
	return btcjson.NewRPCError(
		btcjson.ErrRPCInvalidParams.Code,
		fmt.Sprintf(format, args...),
	)
}

// parseParams decodes the raw params field. Absent params are treated as an
// empty positional list.
func parseParams(raw json.RawMessage) (*rpcParams, *btcjson.RPCError) {
	p := &rpcParams{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return p, nil
	}

	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &p.positional); err != nil {
			return nil, invalidParams("malformed parameter "+
				"array: %v", err)
		}
	case '{':
		if err := json.Unmarshal(trimmed, &p.named); err != nil {
			return nil, invalidParams("malformed parameter "+
				"object: %v", err)
		}
	default:
		return nil, invalidParams("parameters must be an array or " +
			"an object")
	}
	return p, nil
}

// lookup returns the raw value at the given position or name. JSON nulls
// are treated as absent.
func (p *rpcParams) lookup(pos int, name string) (json.RawMessage, bool) {
	var raw json.RawMessage
	switch {
	case p.named != nil:
		var ok bool
		raw, ok = p.named[name]
		if !ok {
			return nil, false
		}
	case pos < len(p.positional):
		raw = p.positional[pos]
	default:
		return nil, false
	}

	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

func (p *rpcParams) strVal(pos int, name string) (string, bool,
	*btcjson.RPCError) {

	raw, ok := p.lookup(pos, name)
	if !ok {
		return "", false, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, invalidParams("parameter %q must be a "+
			"string", name)
	}
	return v, true, nil
}

func (p *rpcParams) boolVal(pos int, name string) (bool, bool,
	*btcjson.RPCError) {

	raw, ok := p.lookup(pos, name)
	if !ok {
		return false, false, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false, invalidParams("parameter %q must be a "+
			"boolean", name)
	}
	return v, true, nil
}

func (p *rpcParams) intVal(pos int, name string) (int64, bool,
	*btcjson.RPCError) {

	raw, ok := p.lookup(pos, name)
	if !ok {
		return 0, false, nil
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, invalidParams("parameter %q must be an "+
			"integer", name)
	}
	return v, true, nil
}

func (p *rpcParams) floatVal(pos int, name string) (float64, bool,
	*btcjson.RPCError) {

	raw, ok := p.lookup(pos, name)
	if !ok {
		return 0, false, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, invalidParams("parameter %q must be a "+
			"number", name)
	}
	return v, true, nil
}

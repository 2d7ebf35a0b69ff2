package rpcserver

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/tigeryant/blocktalk/wallet"
	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

// handlerFunc is a single JSON-RPC method shim. Handlers parse and validate
// parameters, call into the wallet engine and shape the result; they do not
// touch wallet state directly.
type handlerFunc func(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error)

// handlers maps every externally exposed verb to its worker.
var handlers = map[string]handlerFunc{
	"createwallet":     handleCreateWallet,
	"loadwallet":       handleLoadWallet,
	"getwalletinfo":    handleGetWalletInfo,
	"getnewaddress":    handleGetNewAddress,
	"getbalance":       handleGetBalance,
	"listunspent":      handleListUnspent,
	"listtransactions": handleListTransactions,
	"gettransaction":   handleGetTransaction,
	"sendtoaddress":    handleSendToAddress,
	"rescanblockchain": handleRescanBlockchain,
}

// walletVersion mirrors the version Bitcoin Core reports for descriptor
// wallets.
const walletVersion = 169900

// keypoolSize is reported for compatibility; descriptor wallets derive on
// demand and hold no real keypool.
const keypoolSize = 1000

func handleCreateWallet(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	name, ok, rpcErr := p.strVal(0, "wallet_name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !ok {
		return nil, invalidParams("missing wallet name parameter")
	}

	opts := wallet.DefaultCreateWalletOptions(name)
	if v, ok, rpcErr := p.boolVal(1, "disable_private_keys"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		opts.DisablePrivateKeys = v
	}
	if v, ok, rpcErr := p.boolVal(2, "blank"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		opts.Blank = v
	}
	if v, ok, rpcErr := p.strVal(3, "passphrase"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		opts.Passphrase = v
	}
	if v, ok, rpcErr := p.boolVal(4, "avoid_reuse"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		opts.AvoidReuse = v
	}
	if v, ok, rpcErr := p.boolVal(5, "descriptors"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		opts.Descriptors = v
	}
	if v, ok, rpcErr := p.boolVal(6, "load_on_startup"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		opts.LoadOnStartup = v
	}

	if err := s.engine.CreateWallet(opts); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"name":    name,
		"warning": "",
	}, nil
}

func handleLoadWallet(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	name, ok, rpcErr := p.strVal(0, "wallet_name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !ok {
		return nil, invalidParams("missing wallet name parameter")
	}

	if err := s.engine.LoadWallet(ctx, name); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"name":    name,
		"warning": "",
	}, nil
}

func handleGetWalletInfo(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	info, err := s.engine.WalletInfo()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"walletname":              info.Name,
		"walletversion":           walletVersion,
		"balance":                 info.Balance.Confirmed.ToBTC(),
		"unconfirmed_balance":     info.Balance.Unconfirmed.ToBTC(),
		"immature_balance":        info.Balance.Immature.ToBTC(),
		"txcount":                 info.TxCount,
		"keypoololdest":           0,
		"keypoolsize":             keypoolSize,
		"keypoolsize_hd_internal": keypoolSize,
		"paytxfee":                0,
		"private_keys_enabled":    info.PrivKeysEnabled,
		"avoid_reuse":             false,
		"scanning":                false,
		"descriptors":             true,
	}, nil
}

func handleGetNewAddress(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	label, _, rpcErr := p.strVal(0, "label")
	if rpcErr != nil {
		return nil, rpcErr
	}
	addrType, ok, rpcErr := p.strVal(1, "address_type")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if ok {
		switch addrType {
		case "legacy", "p2sh-segwit", "bech32":
		default:
			return nil, invalidParams("invalid address type %q",
				addrType)
		}
		if addrType != "bech32" {
			log.Warnf("Ignoring address_type=%s, always "+
				"returning bech32", addrType)
		}
	}

	addr, err := s.engine.GetNewAddress(label)
	if err != nil {
		return nil, err
	}
	return addr.EncodeAddress(), nil
}

func handleGetBalance(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	balance, err := s.engine.GetBalance()
	if err != nil {
		return nil, err
	}
	return balance.Confirmed.ToBTC(), nil
}

func handleListUnspent(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	unspent, err := s.engine.ListUnspent()
	if err != nil {
		return nil, err
	}

	result := make([]interface{}, 0, len(unspent))
	for _, u := range unspent {
		result = append(result, map[string]interface{}{
			"txid":          u.OutPoint.Hash.String(),
			"vout":          u.OutPoint.Index,
			"address":       u.Address,
			"label":         u.Label,
			"scriptPubKey":  hex.EncodeToString(u.PkScript),
			"amount":        u.Amount.ToBTC(),
			"confirmations": u.Confirmations,
			"spendable":     u.Spendable,
			"solvable":      u.Spendable,
			"safe":          u.Confirmations > 0,
		})
	}
	return result, nil
}

func handleListTransactions(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	label, _, rpcErr := p.strVal(0, "label")
	if rpcErr != nil {
		return nil, rpcErr
	}
	count := int64(10)
	if v, ok, rpcErr := p.intVal(1, "count"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		count = v
	}
	skip := int64(0)
	if v, ok, rpcErr := p.intVal(2, "skip"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		skip = v
	}
	// include_watchonly is accepted for compatibility; the wallet has no
	// separate watch-only bucket.
	if _, _, rpcErr := p.boolVal(3, "include_watchonly"); rpcErr != nil {
		return nil, rpcErr
	}

	txs, err := s.engine.ListTransactions()
	if err != nil {
		return nil, err
	}

	result := make([]interface{}, 0, len(txs))
	for _, tx := range txs {
		if label != "" && tx.Label != label {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if int64(len(result)) >= count {
			break
		}
		result = append(result, txSummaryToJSON(tx))
	}
	return result, nil
}

func handleGetTransaction(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	txidStr, ok, rpcErr := p.strVal(0, "txid")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !ok {
		return nil, invalidParams("missing txid parameter")
	}
	if _, _, rpcErr := p.boolVal(1, "include_watchonly"); rpcErr != nil {
		return nil, rpcErr
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return nil, invalidParams("invalid txid: %v", err)
	}

	tx, err := s.engine.GetTransaction(txid)
	if err != nil {
		return nil, err
	}

	detail := txSummaryToJSON(tx)
	detail["details"] = []interface{}{
		map[string]interface{}{
			"address":  "",
			"category": txCategory(tx),
			"amount":   tx.Amount.ToBTC(),
			"label":    tx.Label,
			"vout":     0,
		},
	}
	detail["hex"] = hex.EncodeToString(tx.Raw)
	return detail, nil
}

func handleSendToAddress(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	address, ok, rpcErr := p.strVal(0, "address")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !ok {
		return nil, invalidParams("missing address parameter")
	}
	amountBTC, ok, rpcErr := p.floatVal(1, "amount")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !ok {
		return nil, invalidParams("missing amount parameter")
	}
	amount, err := btcutil.NewAmount(amountBTC)
	if err != nil || amount <= 0 {
		return nil, invalidParams("invalid amount")
	}

	opts := &wallet.SendOptions{}
	if v, _, rpcErr := p.strVal(2, "comment"); rpcErr != nil {
		return nil, rpcErr
	} else {
		opts.Comment = v
	}
	if v, _, rpcErr := p.strVal(3, "comment_to"); rpcErr != nil {
		return nil, rpcErr
	} else {
		opts.CommentTo = v
	}
	if v, _, rpcErr := p.boolVal(
		4, "subtractfeefromamount",
	); rpcErr != nil {
		return nil, rpcErr
	} else {
		opts.SubtractFee = v
	}
	if v, _, rpcErr := p.boolVal(5, "avoid_reuse"); rpcErr != nil {
		return nil, rpcErr
	} else {
		opts.AvoidReuse = v
	}
	if v, ok, rpcErr := p.floatVal(6, "fee_rate"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		if v <= 0 {
			return nil, invalidParams("fee_rate must be positive")
		}
		opts.FeeRate = v
	}

	txid, err := s.engine.SendToAddress(ctx, address, amount, opts)
	if err != nil {
		return nil, err
	}
	return txid.String(), nil
}

func handleRescanBlockchain(ctx context.Context, s *Server,
	p *rpcParams) (interface{}, error) {

	start := int64(0)
	if v, ok, rpcErr := p.intVal(0, "start_height"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		start = v
	}

	var stop *int32
	if v, ok, rpcErr := p.intVal(1, "stop_height"); rpcErr != nil {
		return nil, rpcErr
	} else if ok {
		stopVal := int32(v)
		stop = &stopVal
	}

	actualStart, actualStop, err := s.engine.RescanBlockchain(
		ctx, int32(start), stop,
	)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"start_height": actualStart,
		"stop_height":  actualStop,
	}, nil
}

// txCategory classifies a wallet transaction by its net effect.
func txCategory(tx *wallet.TxSummary) string {
	if tx.Amount < 0 {
		return "send"
	}
	return "receive"
}

// txSummaryToJSON shapes a wallet transaction the way Bitcoin Core renders
// entries of listtransactions.
func txSummaryToJSON(tx *wallet.TxSummary) map[string]interface{} {
	blockHash := ""
	blockHeight := int32(0)
	if tx.Height != walletstore.UnconfirmedHeight {
		blockHash = tx.BlockHash.String()
		blockHeight = tx.Height
	}

	return map[string]interface{}{
		"address":       "",
		"category":      txCategory(tx),
		"amount":        tx.Amount.ToBTC(),
		"label":         tx.Label,
		"vout":          0,
		"confirmations": tx.Confirmations,
		"blockhash":     blockHash,
		"blockheight":   blockHeight,
		"blocktime":     tx.FirstSeen,
		"txid":          tx.TxID.String(),
		"time":          tx.FirstSeen,
		"timereceived":  tx.FirstSeen,
		"comment":       "",
		"abandoned":     false,
	}
}

package walletstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // bbolt driver
)

var (
	// ErrNoWallet is returned when opening a wallet file that does not
	// exist or holds no wallet.
	ErrNoWallet = errors.New("no wallet found in database")

	// ErrWalletExists is returned when creating a wallet at a path that
	// already holds one.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrNetworkMismatch is returned when the wallet file was created
	// for a different network than requested.
	ErrNetworkMismatch = errors.New("wallet network mismatch")

	// ErrDatabaseLocked is returned when the wallet file is exclusively
	// held by another process.
	ErrDatabaseLocked = errors.New("wallet database is locked by " +
		"another process")
)

var (
	metaBucketKey  = []byte("wallet-meta")
	utxoBucketKey  = []byte("utxos")
	txBucketKey    = []byte("tx-records")
	labelBucketKey = []byte("labels")

	networkKey       = []byte("network")
	externalDescKey  = []byte("external-desc")
	internalDescKey  = []byte("internal-desc")
	externalIndexKey = []byte("external-index")
	internalIndexKey = []byte("internal-index")
	privDisabledKey  = []byte("priv-keys-disabled")
	checkpointKey    = []byte("checkpoint")
)

// byteOrder is the fixed-width integer encoding used throughout the store.
var byteOrder = binary.BigEndian

// serVersion is the protocol version passed to the wire var-length
// encoders. Store records have no wire protocol; zero is used throughout.
const serVersion uint32 = 0

// defaultDBTimeout is how long the bbolt driver waits for the exclusive
// file lock before the open attempt is treated as a lock conflict.
const defaultDBTimeout = 5 * time.Second

// Store is a single-file embedded key/value store holding one wallet. The
// file is exclusively locked for the lifetime of the Store; a second open of
// the same file fails with ErrDatabaseLocked.
type Store struct {
	db walletdb.DB
}

// Exists reports whether a wallet file is present at the given path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Create creates a new wallet file at path for the given network and
// persists the initial state. The descriptors written are those carried by
// state; the externalDesc and internalDesc arguments are not used.
func Create(path, externalDesc, internalDesc, network string,
	state *State) (*Store, error) {

	if Exists(path) {
		return nil, ErrWalletExists
	}

	db, err := walletdb.Create("bdb", path, true, defaultDBTimeout)
	if err != nil {
		return nil, convertDBError(err)
	}
	s := &Store{db: db}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		meta, err := tx.CreateTopLevelBucket(metaBucketKey)
		if err != nil {
			return err
		}
		if err := meta.Put(networkKey, []byte(network)); err != nil {
			return err
		}
		for _, key := range [][]byte{
			utxoBucketKey, txBucketKey, labelBucketKey,
		} {
			if _, err := tx.CreateTopLevelBucket(key); err != nil {
				return err
			}
		}
		return putState(tx, state)
	})
	if err != nil {
		db.Close()
		return nil, convertDBError(err)
	}

	log.Infof("Created wallet database %s for network %s", path, network)
	return s, nil
}

// Open opens an existing wallet file and verifies it was created for the
// given network.
func Open(path, network string) (*Store, error) {
	if !Exists(path) {
		return nil, ErrNoWallet
	}

	db, err := walletdb.Open("bdb", path, true, defaultDBTimeout)
	if err != nil {
		return nil, convertDBError(err)
	}
	s := &Store{db: db}

	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		meta := tx.ReadBucket(metaBucketKey)
		if meta == nil {
			return ErrNoWallet
		}
		stored := meta.Get(networkKey)
		if stored == nil {
			return ErrNoWallet
		}
		if string(stored) != network {
			return fmt.Errorf("%w: database holds %s, requested "+
				"%s", ErrNetworkMismatch, stored, network)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the wallet file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveState atomically replaces the persisted wallet state. Either the full
// new state is visible after a crash or none of it is.
func (s *Store) SaveState(state *State) error {
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return putState(tx, state)
	})
	return convertDBError(err)
}

// FetchState loads the full persisted wallet state.
func (s *Store) FetchState() (*State, error) {
	state := &State{
		Utxos:     make(map[wire.OutPoint]*Utxo),
		TxRecords: make(map[chainhash.Hash]*TxRecord),
		Labels:    make(map[string]string),
	}

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		meta := tx.ReadBucket(metaBucketKey)
		if meta == nil {
			return ErrNoWallet
		}

		state.ExternalDesc = string(meta.Get(externalDescKey))
		state.InternalDesc = string(meta.Get(internalDescKey))
		if v := meta.Get(externalIndexKey); len(v) == 4 {
			state.ExternalIndex = byteOrder.Uint32(v)
		}
		if v := meta.Get(internalIndexKey); len(v) == 4 {
			state.InternalIndex = byteOrder.Uint32(v)
		}
		if v := meta.Get(privDisabledKey); len(v) == 1 {
			state.PrivKeysDisabled = v[0] != 0
		}
		if v := meta.Get(checkpointKey); v != nil {
			cp, err := deserializeCheckpoint(v)
			if err != nil {
				return err
			}
			state.Checkpoint = *cp
		}

		utxos := tx.ReadBucket(utxoBucketKey)
		if utxos != nil {
			err := utxos.ForEach(func(k, v []byte) error {
				utxo, err := deserializeUtxo(k, v)
				if err != nil {
					return err
				}
				state.Utxos[utxo.OutPoint] = utxo
				return nil
			})
			if err != nil {
				return err
			}
		}

		txs := tx.ReadBucket(txBucketKey)
		if txs != nil {
			err := txs.ForEach(func(k, v []byte) error {
				rec, err := deserializeTxRecord(k, v)
				if err != nil {
					return err
				}
				state.TxRecords[rec.TxID] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}

		labels := tx.ReadBucket(labelBucketKey)
		if labels != nil {
			err := labels.ForEach(func(k, v []byte) error {
				state.Labels[string(k)] = string(v)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, convertDBError(err)
	}

	return state, nil
}

// putState writes the full state inside an open read/write transaction. The
// utxo, tx record and label buckets are rewritten wholesale; the meta bucket
// is updated in place.
func putState(tx walletdb.ReadWriteTx, state *State) error {
	meta, err := tx.CreateTopLevelBucket(metaBucketKey)
	if err != nil {
		return err
	}

	err = meta.Put(externalDescKey, []byte(state.ExternalDesc))
	if err != nil {
		return err
	}
	err = meta.Put(internalDescKey, []byte(state.InternalDesc))
	if err != nil {
		return err
	}

	var extIdx, intIdx [4]byte
	byteOrder.PutUint32(extIdx[:], state.ExternalIndex)
	if err := meta.Put(externalIndexKey, extIdx[:]); err != nil {
		return err
	}
	byteOrder.PutUint32(intIdx[:], state.InternalIndex)
	if err := meta.Put(internalIndexKey, intIdx[:]); err != nil {
		return err
	}

	privDisabled := []byte{0}
	if state.PrivKeysDisabled {
		privDisabled[0] = 1
	}
	if err := meta.Put(privDisabledKey, privDisabled); err != nil {
		return err
	}

	err = meta.Put(checkpointKey, serializeCheckpoint(&state.Checkpoint))
	if err != nil {
		return err
	}

	for _, key := range [][]byte{
		utxoBucketKey, txBucketKey, labelBucketKey,
	} {
		if tx.ReadWriteBucket(key) != nil {
			if err := tx.DeleteTopLevelBucket(key); err != nil {
				return err
			}
		}
		if _, err := tx.CreateTopLevelBucket(key); err != nil {
			return err
		}
	}

	utxos := tx.ReadWriteBucket(utxoBucketKey)
	for _, utxo := range state.Utxos {
		k, v, err := serializeUtxo(utxo)
		if err != nil {
			return err
		}
		if err := utxos.Put(k, v); err != nil {
			return err
		}
	}

	txs := tx.ReadWriteBucket(txBucketKey)
	for _, rec := range state.TxRecords {
		k, v, err := serializeTxRecord(rec)
		if err != nil {
			return err
		}
		if err := txs.Put(k, v); err != nil {
			return err
		}
	}

	labels := tx.ReadWriteBucket(labelBucketKey)
	for addr, label := range state.Labels {
		if err := labels.Put([]byte(addr), []byte(label)); err != nil {
			return err
		}
	}

	return nil
}

func serializeCheckpoint(cp *Checkpoint) []byte {
	var buf [4 + chainhash.HashSize]byte
	byteOrder.PutUint32(buf[:4], uint32(cp.Height))
	copy(buf[4:], cp.Hash[:])
	return buf[:]
}

func deserializeCheckpoint(b []byte) (*Checkpoint, error) {
	if len(b) != 4+chainhash.HashSize {
		return nil, fmt.Errorf("malformed checkpoint of %d bytes",
			len(b))
	}
	cp := &Checkpoint{Height: int32(byteOrder.Uint32(b[:4]))}
	copy(cp.Hash[:], b[4:])
	return cp, nil
}

func serializeUtxo(utxo *Utxo) ([]byte, []byte, error) {
	var key [chainhash.HashSize + 4]byte
	copy(key[:], utxo.OutPoint.Hash[:])
	byteOrder.PutUint32(key[chainhash.HashSize:], utxo.OutPoint.Index)

	var value bytes.Buffer
	var scratch [8]byte
	byteOrder.PutUint64(scratch[:], uint64(utxo.Value))
	value.Write(scratch[:])
	byteOrder.PutUint32(scratch[:4], uint32(utxo.Height))
	value.Write(scratch[:4])
	if utxo.Coinbase {
		value.WriteByte(1)
	} else {
		value.WriteByte(0)
	}
	err := wire.WriteVarBytes(&value, serVersion, utxo.PkScript)
	if err != nil {
		return nil, nil, err
	}

	return key[:], value.Bytes(), nil
}

func deserializeUtxo(k, v []byte) (*Utxo, error) {
	if len(k) != chainhash.HashSize+4 {
		return nil, fmt.Errorf("malformed utxo key of %d bytes",
			len(k))
	}

	utxo := &Utxo{}
	copy(utxo.OutPoint.Hash[:], k[:chainhash.HashSize])
	utxo.OutPoint.Index = byteOrder.Uint32(k[chainhash.HashSize:])

	r := bytes.NewReader(v)
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	utxo.Value = btcutil.Amount(byteOrder.Uint64(scratch[:]))
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	utxo.Height = int32(byteOrder.Uint32(scratch[:4]))
	coinbase, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	utxo.Coinbase = coinbase != 0
	utxo.PkScript, err = wire.ReadVarBytes(
		r, serVersion, maxScriptSize, "pkScript",
	)
	if err != nil {
		return nil, err
	}

	return utxo, nil
}

// maxScriptSize bounds the var-length script field when deserializing.
const maxScriptSize = 10000

// maxTxSize bounds the var-length raw transaction field when deserializing.
const maxTxSize = 4 * 1000 * 1000

func serializeTxRecord(rec *TxRecord) ([]byte, []byte, error) {
	var value bytes.Buffer
	var scratch [8]byte
	byteOrder.PutUint64(scratch[:], uint64(rec.FirstSeen))
	value.Write(scratch[:])
	byteOrder.PutUint32(scratch[:4], uint32(rec.Height))
	value.Write(scratch[:4])
	value.Write(rec.BlockHash[:])
	byteOrder.PutUint64(scratch[:], uint64(rec.Amount))
	value.Write(scratch[:])
	if err := wire.WriteVarBytes(&value, serVersion, rec.Raw); err != nil {
		return nil, nil, err
	}
	err := wire.WriteVarString(&value, serVersion, rec.Label)
	if err != nil {
		return nil, nil, err
	}

	return rec.TxID[:], value.Bytes(), nil
}

func deserializeTxRecord(k, v []byte) (*TxRecord, error) {
	if len(k) != chainhash.HashSize {
		return nil, fmt.Errorf("malformed tx record key of %d bytes",
			len(k))
	}

	rec := &TxRecord{}
	copy(rec.TxID[:], k)

	r := bytes.NewReader(v)
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	rec.FirstSeen = int64(byteOrder.Uint64(scratch[:]))
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	rec.Height = int32(byteOrder.Uint32(scratch[:4]))
	if _, err := io.ReadFull(r, rec.BlockHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	rec.Amount = btcutil.Amount(byteOrder.Uint64(scratch[:]))

	var err error
	rec.Raw, err = wire.ReadVarBytes(r, serVersion, maxTxSize, "raw tx")
	if err != nil {
		return nil, err
	}
	rec.Label, err = wire.ReadVarString(r, serVersion)
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// convertDBError normalizes driver errors into the store's error taxonomy.
// The bbolt driver reports a held file lock as a timeout waiting for the
// exclusive lock.
func convertDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		return ErrNoWallet
	}
	if strings.Contains(err.Error(), "timeout") {
		return ErrDatabaseLocked
	}
	return err
}

package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// KVStore is the embedded key-value engine contract: the engine itself
// is an external collaborator, this module only depends on the
// Get/Put/Delete/PrefixIterator shape.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	PrefixIterator(prefix string) (KVIterator, error)
}

// KVIterator walks keys sharing a prefix in lexicographic order.
type KVIterator interface {
	Next() bool
	Key() string
	Value() []byte
	Close() error
}

// Tx is the transactional facade offered by Storage: begin,
// query, addQuery (batch), commit, rollback. It buffers writes in memory
// and applies them to the backing WAL/KV atomically at Commit, so any
// failure mid-way rolls back cleanly with no partial mutation visible.
type Tx struct {
	store     *Storage
	rows      []walRecord
	kvWrites  map[string][]byte
	kvDeletes map[string]bool
	done      bool
}

// walRecord is one logical row insert/update, replayed verbatim from the
// WAL on restart.
type walRecord struct {
	Table string          `json:"table"`
	Op    string          `json:"op"` // "put" or "delete"
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// AddQuery stages a relational-row mutation inside the transaction.
func (tx *Tx) AddQuery(table, key string, row interface{}) error {
	if tx.done {
		return storageErr("Tx.AddQuery", "transaction already finished", nil)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return storageErr("Tx.AddQuery", "marshal row", err)
	}
	tx.rows = append(tx.rows, walRecord{Table: table, Op: "put", Key: key, Value: raw})
	return nil
}

// DeleteQuery stages a relational-row deletion.
func (tx *Tx) DeleteQuery(table, key string) {
	tx.rows = append(tx.rows, walRecord{Table: table, Op: "delete", Key: key})
}

// PutKV stages a KV-store write, used for joints (`j\n<unit>`), data feeds
// (`df\n...`/`dfv\n...`) and balls (`b\n<ball>`).
func (tx *Tx) PutKV(key string, value []byte) {
	if tx.kvWrites == nil {
		tx.kvWrites = make(map[string][]byte)
	}
	tx.kvWrites[key] = value
}

// DeleteKV stages a KV-store deletion.
func (tx *Tx) DeleteKV(key string) {
	if tx.kvDeletes == nil {
		tx.kvDeletes = make(map[string]bool)
	}
	tx.kvDeletes[key] = true
}

// Commit applies every staged mutation as one WAL append followed by one KV
// batch, releasing the connection on every exit path.
func (tx *Tx) Commit() error {
	if tx.done {
		return storageErr("Tx.Commit", "transaction already finished", nil)
	}
	tx.done = true
	return tx.store.applyTx(tx)
}

// Rollback discards every staged mutation; safe to call after Commit fails.
func (tx *Tx) Rollback() {
	tx.done = true
	tx.rows = nil
	tx.kvWrites = nil
	tx.kvDeletes = nil
}

// Storage owns every persistent table plus the in-memory indexes of
// unstable units. The Writer is the sole mutator; the Validator and AA
// Engine only ever read through it.
type Storage struct {
	log *logrus.Logger

	walPath string
	wal     *os.File
	mu      sync.RWMutex // guards everything below

	kv     KVStore
	tables map[string]map[string]json.RawMessage // table -> key -> row

	// in-memory indexes of unstable state, mutated only by the Writer
	// under the write lock.
	assocUnstableUnits    map[string]*UnitProps
	assocUnstableMessages map[string][]Message
	assocHashTreeByBall   map[string]string // ball -> unit_id
	assocKnownBadUnits    map[string]bool
}

// StorageConfig configures a Storage instance.
type StorageConfig struct {
	WALPath string
	KV      KVStore
}

// OpenStorage opens (or creates) the WAL file and replays it into memory.
func OpenStorage(cfg StorageConfig) (*Storage, error) {
	if cfg.WALPath == "" {
		return nil, fatalErr("storage.OpenStorage", "WAL path must not be empty", nil)
	}
	f, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, storageErr("storage.OpenStorage", "open WAL", err)
	}
	s := &Storage{
		log:                   logrus.StandardLogger(),
		walPath:               cfg.WALPath,
		wal:                   f,
		kv:                    cfg.KV,
		tables:                make(map[string]map[string]json.RawMessage),
		assocUnstableUnits:    make(map[string]*UnitProps),
		assocUnstableMessages: make(map[string][]Message),
		assocHashTreeByBall:   make(map[string]string),
		assocKnownBadUnits:    make(map[string]bool),
	}
	if err := s.replayWAL(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) replayWAL() error {
	if _, err := s.wal.Seek(0, 0); err != nil {
		return storageErr("storage.replayWAL", "seek", err)
	}
	scanner := bufio.NewScanner(s.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return storageErr("storage.replayWAL", "unmarshal record", err)
		}
		s.applyRecordLocked(rec)
	}
	if err := scanner.Err(); err != nil {
		return storageErr("storage.replayWAL", "scan", err)
	}
	if _, err := s.wal.Seek(0, 2); err != nil {
		return storageErr("storage.replayWAL", "seek end", err)
	}
	return nil
}

func (s *Storage) applyRecordLocked(rec walRecord) {
	tbl := s.tables[rec.Table]
	if tbl == nil {
		tbl = make(map[string]json.RawMessage)
		s.tables[rec.Table] = tbl
	}
	switch rec.Op {
	case "delete":
		delete(tbl, rec.Key)
	default:
		tbl[rec.Key] = rec.Value
	}
}

// Begin starts a new transaction bound to this store.
func (s *Storage) Begin() *Tx {
	return &Tx{store: s}
}

// applyTx is the one place a transaction's staged writes become durable:
// every row append is one WAL write followed by one in-memory table update,
// and KV writes/deletes land in the same call. On any failure nothing is
// left half-applied because the WAL write happens first and atomically.
func (s *Storage) applyTx(tx *Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := bufio.NewWriter(s.wal)
	for _, rec := range tx.rows {
		line, err := json.Marshal(rec)
		if err != nil {
			return storageErr("storage.applyTx", "marshal wal record", err)
		}
		if _, err := w.Write(line); err != nil {
			return storageErr("storage.applyTx", "write wal", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return storageErr("storage.applyTx", "write wal newline", err)
		}
	}
	if err := w.Flush(); err != nil {
		return storageErr("storage.applyTx", "flush wal", err)
	}
	if err := s.wal.Sync(); err != nil {
		return storageErr("storage.applyTx", "sync wal", err)
	}

	for _, rec := range tx.rows {
		s.applyRecordLocked(rec)
	}
	if s.kv != nil {
		for k, v := range tx.kvWrites {
			if err := s.kv.Put(k, v); err != nil {
				return storageErr("storage.applyTx", fmt.Sprintf("kv put %s", k), err)
			}
		}
		for k := range tx.kvDeletes {
			if err := s.kv.Delete(k); err != nil {
				return storageErr("storage.applyTx", fmt.Sprintf("kv delete %s", k), err)
			}
		}
	}
	return nil
}

// ReadJoint looks up a joint by unit_id from the KV store (`j\n<unit>`).
func (s *Storage) ReadJoint(unitID string) (*Joint, bool, error) {
	if s.kv == nil {
		return nil, false, storageErr("storage.ReadJoint", "no KV store configured", nil)
	}
	raw, ok, err := s.kv.Get("j\n" + unitID)
	if err != nil {
		return nil, false, storageErr("storage.ReadJoint", "kv get", err)
	}
	if !ok {
		return nil, false, nil
	}
	var j Joint
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, false, storageErr("storage.ReadJoint", "unmarshal joint", err)
	}
	return &j, true, nil
}

// ReadUnitProps returns stable or unstable metadata for unitID.
func (s *Storage) ReadUnitProps(unitID string) (*UnitProps, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.assocUnstableUnits[unitID]; ok {
		cp := *p
		return &cp, true
	}
	tbl := s.tables["units"]
	raw, ok := tbl[unitID]
	if !ok {
		return nil, false
	}
	var p UnitProps
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return &p, true
}

// definitionRow is the stored shape of an address_definition_changes row.
type definitionRow struct {
	Address    string      `json:"address"`
	Definition interface{} `json:"definition"`
	MCI        int64       `json:"mci"`
	UnitID     string      `json:"unit_id"`
}

// ReadDefinitionByAddress selects the definition change with the greatest
// MCI <= maxMCI, tie-broken by unit_id ascending.
func (s *Storage) ReadDefinitionByAddress(addr string, maxMCI int64) (*definitionRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl := s.tables["address_definition_changes"]
	var best *definitionRow
	for _, raw := range tbl {
		var row definitionRow
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if row.Address != addr || row.MCI > maxMCI {
			continue
		}
		if best == nil || row.MCI > best.MCI || (row.MCI == best.MCI && row.UnitID < best.UnitID) {
			cp := row
			best = &cp
		}
	}
	return best, best != nil
}

// dataFeedCandidate is one (mci, level, unit_id, value) row scanned for a
// data-feed lookup.
type dataFeedCandidate struct {
	Value  string
	UnitID string
	MCI    int64
	Level  int64
}

// ReadDataFeed returns the (value, unit, mci) triple for the newest feed
// value posted by one of oracles in [minMCI, maxMCI], tie-broken by
// unit_id ascending when candidates share (mci, level).
func (s *Storage) ReadDataFeed(oracles []string, feedName string, minMCI, maxMCI int64) (*dataFeedCandidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	oracleSet := make(map[string]bool, len(oracles))
	for _, o := range oracles {
		oracleSet[o] = true
	}
	tbl := s.tables["data_feeds"]
	var candidates []dataFeedCandidate
	for _, raw := range tbl {
		var row struct {
			Oracle   string `json:"oracle"`
			Feed     string `json:"feed"`
			Value    string `json:"value"`
			UnitID   string `json:"unit_id"`
			MCI      int64  `json:"mci"`
			Level    int64  `json:"level"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if row.Feed != feedName || !oracleSet[row.Oracle] {
			continue
		}
		if row.MCI < minMCI || row.MCI > maxMCI {
			continue
		}
		candidates = append(candidates, dataFeedCandidate{Value: row.Value, UnitID: row.UnitID, MCI: row.MCI, Level: row.Level})
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.MCI != b.MCI {
			return a.MCI > b.MCI
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.UnitID < b.UnitID
	})
	best := candidates[0]
	return &best, true
}

// outputRow is the stored shape of a payment message output, keyed by
// "<spending-reference unit>#<msg_index>#<output_index>". is_spent/spent_by
// are mutated in place once the spending unit's own stabilization settles
// the double-spend question, never at input-staging time.
type outputRow struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	IsSpent bool   `json:"is_spent"`
	SpentBy string `json:"spent_by,omitempty"`
}

// ReadOutput looks up a payment output row by its "unit#msg#out" key. The
// Writer and Validator both read through this instead of trusting an
// input's author-declared amount.
func (s *Storage) ReadOutput(key string) (*outputRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.tables["outputs"][key]
	if !ok {
		return nil, false
	}
	var row outputRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, false
	}
	return &row, true
}

// MarkOutputSpent stages an update marking the output at key as spent by
// spendingUnit. It is idempotent: an output already marked spent by the
// same unit is left untouched.
func (s *Storage) MarkOutputSpent(tx *Tx, key, spendingUnit string) error {
	row, ok := s.ReadOutput(key)
	if !ok {
		return storageErr("storage.MarkOutputSpent", "no output row for "+key, nil)
	}
	if row.IsSpent && row.SpentBy == spendingUnit {
		return nil
	}
	row.IsSpent = true
	row.SpentBy = spendingUnit
	return tx.AddQuery("outputs", key, row)
}

// ReadAllRows returns a snapshot copy of every row currently stored in
// table, keyed by row key. Used at startup to rebuild in-memory indexes
// (e.g. the Writer's pending double-spend candidates) from WAL-replayed
// state.
func (s *Storage) ReadAllRows(table string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl := s.tables[table]
	out := make(map[string]json.RawMessage, len(tbl))
	for k, v := range tbl {
		out[k] = v
	}
	return out
}

// ReadBallUnit resolves a ball hash to the unit_id that produced it, via
// the `b\n<ball>` KV entry written at stabilization.
func (s *Storage) ReadBallUnit(ball string) (string, bool, error) {
	if s.kv == nil {
		return "", false, storageErr("storage.ReadBallUnit", "no KV store configured", nil)
	}
	raw, ok, err := s.kv.Get("b\n" + ball)
	if err != nil {
		return "", false, storageErr("storage.ReadBallUnit", "kv get", err)
	}
	if !ok {
		return "", false, nil
	}
	return string(raw), true, nil
}

// StableUnitAtMCI returns the unit_id of the stable unit at the given
// main_chain_index, if one has been promoted there yet.
func (s *Storage) StableUnitAtMCI(mci int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, raw := range s.tables["units"] {
		var p UnitProps
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.IsStable && p.MainChainIndex == mci {
			return id, true
		}
	}
	return "", false
}

// MarkUnstable installs or overwrites props in the in-memory unstable
// index. Called only by the Writer, only after the enclosing commit
// succeeds.
func (s *Storage) MarkUnstable(props *UnitProps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assocUnstableUnits[props.UnitID] = props
}

// PromoteStable stages a unit's final props row in tx, called by the Writer
// at stabilization. It leaves the unstable index alone;
// CommitStablePromotion removes the unit from it.
func (s *Storage) PromoteStable(tx *Tx, props *UnitProps) error {
	raw, err := json.Marshal(props)
	if err != nil {
		return storageErr("storage.PromoteStable", "marshal props", err)
	}
	tx.rows = append(tx.rows, walRecord{Table: "units", Op: "put", Key: props.UnitID, Value: raw})
	return nil
}

// CommitStablePromotion removes unitID from the in-memory unstable index
// after a promotion's transaction has committed.
func (s *Storage) CommitStablePromotion(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assocUnstableUnits, unitID)
}

// UnstableProps returns a snapshot slice of every currently-unstable unit's
// props, used by Graph/Writer traversal.
func (s *Storage) UnstableProps() []*UnitProps {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UnitProps, 0, len(s.assocUnstableUnits))
	for _, p := range s.assocUnstableUnits {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// IsKnownBad reports whether unitID was previously recorded bad.
func (s *Storage) IsKnownBad(unitID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assocKnownBadUnits[unitID]
}

// MarkKnownBad records unitID as permanently bad.
func (s *Storage) MarkKnownBad(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assocKnownBadUnits[unitID] = true
}

// Close flushes and closes the WAL file handle.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

package core

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AAStateStore provides typed access to the aa_state_vars table: each AA's
// declared `var`s are its only permitted private state.
type AAStateStore struct {
	store *Storage
}

// NewAAStateStore binds an AAStateStore to the shared Storage.
func NewAAStateStore(store *Storage) *AAStateStore {
	return &AAStateStore{store: store}
}

func stateKey(aaAddress, key string) string { return aaAddress + "\x00" + key }

// Get reads a single AA state variable, returning (nil, false) if unset.
func (s *AAStateStore) Get(aaAddress, key string) (interface{}, bool) {
	props, ok := s.store.tables["aa_state_vars"]
	if !ok {
		return nil, false
	}
	raw, ok := props[stateKey(aaAddress, key)]
	if !ok {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Stage queues a write of an AA state variable into tx, to be committed
// atomically with the rest of the trigger's effects.
func (s *AAStateStore) Stage(tx *Tx, aaAddress, key string, value interface{}) error {
	if err := tx.AddQuery("aa_state_vars", stateKey(aaAddress, key), value); err != nil {
		return storageErr("aaengine_state.Stage", "stage state var", err)
	}
	return nil
}

// getterCacheKey uniquely identifies a (aa, getter, args, mci) call for
// memoization.
type getterCacheKey struct {
	aa     string
	getter string
	args   string
	mci    int64
}

// GetterCache bounds memory use for repeated getter evaluation within a
// single stabilization batch. Getters are pure at a fixed MCI, so this cache never needs invalidation within a run.
type GetterCache struct {
	lru *lru.Cache[getterCacheKey, interface{}]
}

// NewGetterCache builds a bounded getter-result cache of the given size.
func NewGetterCache(size int) (*GetterCache, error) {
	c, err := lru.New[getterCacheKey, interface{}](size)
	if err != nil {
		return nil, fmt.Errorf("aaengine_state.NewGetterCache: %w", err)
	}
	return &GetterCache{lru: c}, nil
}

// Get looks up a cached getter result.
func (g *GetterCache) Get(aa, getter string, args []interface{}, mci int64) (interface{}, bool) {
	key := getterCacheKey{aa: aa, getter: getter, args: argsKey(args), mci: mci}
	return g.lru.Get(key)
}

// Put stores a getter result for future lookups at the same key.
func (g *GetterCache) Put(aa, getter string, args []interface{}, mci int64, result interface{}) {
	key := getterCacheKey{aa: aa, getter: getter, args: argsKey(args), mci: mci}
	g.lru.Add(key, result)
}

func argsKey(args []interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}

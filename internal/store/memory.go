package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"fetchqd/internal/common"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// memStore is an in-process Store used by tests and single-node setups where
// a Redis is not worth running. It honors TTLs lazily, on read.
type memStore struct {
	mu   sync.Mutex
	kv   map[string]memEntry
	sets map[string]map[string]float64
}

func NewMemoryStore() *memStore {
	return &memStore{
		kv:   make(map[string]memEntry),
		sets: make(map[string]map[string]float64),
	}
}

func (s *memStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}

	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok {
		return nil, common.ErrKeyNotFoundError
	}

	return append([]byte(nil), entry.value...), nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)

	return nil
}

func (s *memStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}

	s.kv[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}

	return true, nil
}

func (s *memStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.kv {
		if _, ok := s.live(key); !ok {
			continue
		}

		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	return keys, nil
}

func (s *memStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if entry, ok := s.live(key); ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}

	n++
	s.kv[key] = memEntry{value: []byte(strconv.FormatInt(n, 10))}

	return n, nil
}

func (s *memStore) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]float64)
		s.sets[key] = set
	}
	set[member] = score

	return nil
}

func (s *memStore) ZRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sets[key]; ok {
		delete(set, member)
	}

	return nil
}

func (s *memStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.sets[key])), nil
}

func (s *memStore) ZRange(_ context.Context, key string, start, stop int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	members := make([]Member, 0, len(set))
	for value, score := range set {
		members = append(members, Member{Value: value, Score: score})
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}

		return members[i].Value < members[j].Value
	})

	if stop < 0 {
		stop = int64(len(members)) + stop
	}
	if start >= int64(len(members)) || stop < start {
		return nil, nil
	}
	if stop >= int64(len(members)) {
		stop = int64(len(members)) - 1
	}

	return members[start : stop+1], nil
}

func (s *memStore) live(key string) (memEntry, bool) {
	entry, ok := s.kv[key]
	if !ok {
		return memEntry{}, false
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.kv, key)

		return memEntry{}, false
	}

	return entry, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}

	return time.Now().Add(ttl)
}

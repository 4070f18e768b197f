package queue

import (
	"hash/maphash"
	"sync"
)

const lockShards = 64

type lockKey struct {
	partition, key string
}

type lockShard struct {
	sync.Mutex
	held map[lockKey]struct{}
}

// Locks are in-process advisory locks on records, by partition and key. Locks
// are not reentrant and have no owner: any caller can unlock a record. Store
// operations do not check locks, callers coordinate by locking first.
//
// The lock table is sharded so unrelated records rarely contend.
type Locks struct {
	seed   maphash.Seed
	shards [lockShards]lockShard
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	l := &Locks{seed: maphash.MakeSeed()}
	for i := range l.shards {
		l.shards[i].held = map[lockKey]struct{}{}
	}
	return l
}

func (l *Locks) shard(partition, key string) *lockShard {
	var h maphash.Hash
	h.SetSeed(l.seed)
	h.WriteString(partition)
	h.WriteByte(0)
	h.WriteString(key)
	return &l.shards[h.Sum64()%lockShards]
}

// TryLock locks the record if it isn't locked yet, returning whether the lock
// was taken. It never blocks.
func (l *Locks) TryLock(partition, key string) bool {
	s := l.shard(partition, key)
	k := lockKey{partition, key}
	s.Lock()
	defer s.Unlock()
	if _, ok := s.held[k]; ok {
		metricLockConflict.Inc()
		return false
	}
	s.held[k] = struct{}{}
	return true
}

// Unlock releases the lock on a record, returning false if it wasn't locked.
func (l *Locks) Unlock(partition, key string) bool {
	s := l.shard(partition, key)
	k := lockKey{partition, key}
	s.Lock()
	defer s.Unlock()
	if _, ok := s.held[k]; !ok {
		return false
	}
	delete(s.held, k)
	return true
}

// Locked returns whether the record is currently locked.
func (l *Locks) Locked(partition, key string) bool {
	s := l.shard(partition, key)
	s.Lock()
	defer s.Unlock()
	_, ok := s.held[lockKey{partition, key}]
	return ok
}

package cache

import (
	"context"
	"errors"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryBackend is an in-process Backend for tests and single-node runs.
// Keys live in an ordered map so SCAN pages are stable. Expiry is evaluated
// lazily against the injected clock.
type MemoryBackend struct {
	mu   sync.Mutex
	now  func() time.Time
	keys *btree.Map[string, *memEntry]
}

type memEntry struct {
	str      string
	zset     map[string]float64
	set      map[string]struct{}
	expireAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// NewMemoryBackend creates an empty backend. A nil clock means time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{now: now, keys: btree.NewMap[string, *memEntry](32)}
}

// lookup returns the live entry for key; callers hold mu.
func (b *MemoryBackend) lookup(key string) *memEntry {
	e, ok := b.keys.Get(key)
	if !ok {
		return nil
	}
	if e.expired(b.now()) {
		b.keys.Delete(key)
		return nil
	}
	return e
}

// live returns the live keys in order and prunes expired ones; callers
// hold mu.
func (b *MemoryBackend) live() []string {
	now := b.now()
	var out, expired []string
	b.keys.Scan(func(k string, e *memEntry) bool {
		if e.expired(now) {
			expired = append(expired, k)
		} else {
			out = append(out, k)
		}
		return true
	})
	for _, k := range expired {
		b.keys.Delete(k)
	}
	return out
}

func (b *MemoryBackend) entry(key string) *memEntry {
	if e := b.lookup(key); e != nil {
		return e
	}
	e := &memEntry{}
	b.keys.Set(key, e)
	return e
}

// ErrMiss is returned by MemoryBackend.Get for a missing or expired key.
var ErrMiss = errors.New("cache: key not found")

// Get reads a plain key.
func (b *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(key)
	if e == nil || e.zset != nil || e.set != nil {
		return "", ErrMiss
	}
	return e.str, nil
}

func (b *MemoryBackend) ZRevRangeWithScores(_ context.Context, key string, start, stop int64) ([]Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(key)
	if e == nil || len(e.zset) == 0 {
		return nil, nil
	}
	members := make([]Member, 0, len(e.zset))
	for v, s := range e.zset {
		members = append(members, Member{Score: s, Value: v})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Value > members[j].Value
	})

	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

// SMembers returns the members of a set key, sorted.
func (b *MemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Scan walks keys in lexical order. The cursor is the offset of the next key.
func (b *MemoryBackend) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.live()
	if count <= 0 {
		count = 10
	}

	var out []string
	i := cursor
	for ; i < uint64(len(all)) && int64(len(out)) < count; i++ {
		if ok, _ := path.Match(match, all[i]); ok || match == "" {
			out = append(out, all[i])
		}
	}
	if i >= uint64(len(all)) {
		i = 0
	}
	return out, i, nil
}

func (b *MemoryBackend) Pipeline() Pipeline {
	return &memPipeline{backend: b}
}

// Keys returns every live key, sorted.
func (b *MemoryBackend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.live()
}

// TTL returns the remaining time to live of key, or zero if it has none.
func (b *MemoryBackend) TTL(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(key)
	if e == nil || e.expireAt.IsZero() {
		return 0
	}
	return e.expireAt.Sub(b.now())
}

type memPipeline struct {
	backend *MemoryBackend
	ops     []func(b *MemoryBackend)
}

func (p *memPipeline) ZAdd(_ context.Context, key string, score float64, member string) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		e := b.entry(key)
		if e.zset == nil {
			e.zset = make(map[string]float64)
		}
		e.zset[member] = score
	})
}

func (p *memPipeline) ZRem(_ context.Context, key string, members ...string) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		e := b.lookup(key)
		if e == nil {
			return
		}
		for _, m := range members {
			delete(e.zset, m)
		}
		if len(e.zset) == 0 {
			b.keys.Delete(key)
		}
	})
}

func (p *memPipeline) ZRemRangeByScore(_ context.Context, key, min, max string) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		e := b.lookup(key)
		if e == nil {
			return
		}
		lo, loExcl := parseBound(min)
		hi, hiExcl := parseBound(max)
		for m, s := range e.zset {
			if (s > lo || (!loExcl && s == lo)) && (s < hi || (!hiExcl && s == hi)) {
				delete(e.zset, m)
			}
		}
		if len(e.zset) == 0 {
			b.keys.Delete(key)
		}
	})
}

func (p *memPipeline) Set(_ context.Context, key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		e := &memEntry{str: value}
		if ttl > 0 {
			e.expireAt = b.now().Add(ttl)
		}
		b.keys.Set(key, e)
	})
}

func (p *memPipeline) Expire(_ context.Context, key string, ttl time.Duration) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		if e := b.lookup(key); e != nil {
			e.expireAt = b.now().Add(ttl)
		}
	})
}

func (p *memPipeline) SAdd(_ context.Context, key string, members ...string) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		e := b.entry(key)
		if e.set == nil {
			e.set = make(map[string]struct{})
		}
		for _, m := range members {
			e.set[m] = struct{}{}
		}
	})
}

func (p *memPipeline) SRem(_ context.Context, key string, members ...string) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		e := b.lookup(key)
		if e == nil {
			return
		}
		for _, m := range members {
			delete(e.set, m)
		}
		if len(e.set) == 0 {
			b.keys.Delete(key)
		}
	})
}

func (p *memPipeline) Del(_ context.Context, keys ...string) {
	p.ops = append(p.ops, func(b *MemoryBackend) {
		for _, k := range keys {
			b.keys.Delete(k)
		}
	})
}

func (p *memPipeline) Len() int { return len(p.ops) }

func (p *memPipeline) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	for _, op := range p.ops {
		op(p.backend)
	}
	p.ops = nil
	return nil
}

// parseBound reads a sorted-set score bound such as "-inf", "(42" or "42".
func parseBound(s string) (float64, bool) {
	exclusive := strings.HasPrefix(s, "(")
	s = strings.TrimPrefix(s, "(")
	switch s {
	case "-inf":
		return math.Inf(-1), exclusive
	case "+inf", "inf":
		return math.Inf(1), exclusive
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN(), exclusive
	}
	return v, exclusive
}

package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"swcache/internal/logger"
)

// Records are stored under "e:<bucket>\x00<key>" with a size/access record
// under "m:<bucket>\x00<key>".
const keySep = "\x00"

type LevelDBOptions struct {
	// MaxBytes bounds the encoded size of all entries; 0 means unbounded.
	MaxBytes int64
	// RAMMaxBytes enables an in-memory tier per bucket in front of the disk.
	RAMMaxBytes int64
	Log         *logger.Logger
}

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	putKey string
	putEnt *Entry
	delKey string
	done   chan error
}

// LevelDBStorage persists every bucket in one goleveldb database. Writes go
// through a single writer goroutine; Put and Delete wait for their write to
// be applied, access-time updates do not.
type LevelDBStorage struct {
	opts LevelDBOptions
	db   *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
	buckets   map[string]*levelBucket

	// sendMu guards closed and sends on ops; the writer never takes it.
	sendMu sync.RWMutex
	closed bool

	ops  chan diskOp
	done chan struct{}

	overflowLog *logger.RateLimited
}

func NewLevelDBStorage(path string, opts LevelDBOptions) (*LevelDBStorage, error) {
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageUnavailable, path, err)
	}
	s := &LevelDBStorage{
		opts:        opts,
		db:          db,
		index:       map[string]diskMeta{},
		buckets:     map[string]*levelBucket{},
		ops:         make(chan diskOp, 1024),
		done:        make(chan struct{}),
		overflowLog: logger.NewRateLimited(opts.Log, time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: load index: %w", ErrStorageUnavailable, err)
	}
	go s.writerLoop()
	return s, nil
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Bucket, error) {
	if strings.Contains(name, keySep) {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrStorageUnavailable, name)
	}
	s.sendMu.RLock()
	closed := s.closed
	s.sendMu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: storage closed", ErrStorageUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = &levelBucket{s: s, name: name}
		if s.opts.RAMMaxBytes > 0 {
			b.ram = newMemBucket(s.opts.RAMMaxBytes)
		}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *LevelDBStorage) Close() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.sendMu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *LevelDBStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelDBStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) submit(ctx context.Context, op diskOp) error {
	op.done = make(chan error, 1)
	s.sendMu.RLock()
	if s.closed {
		s.sendMu.RUnlock()
		return fmt.Errorf("%w: storage closed", ErrStorageUnavailable)
	}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		s.sendMu.RUnlock()
		return ctx.Err()
	}
	s.sendMu.RUnlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *LevelDBStorage) touch(key string) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- diskOp{putKey: key}:
	default:
		s.overflowLog.Warn("leveldb: write queue full, dropping access update")
	}
}

func (s *LevelDBStorage) peek(key string) (*Entry, bool, error) {
	b, err := s.db.Get([]byte("e:"+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, nil
	}
	return &ent, true, nil
}

func (s *LevelDBStorage) keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out
}

func (s *LevelDBStorage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		var err error
		switch {
		case op.delKey != "":
			err = s.applyDelete(op.delKey)
		case op.putKey != "":
			err = s.applyPutOrTouch(op.putKey, op.putEnt)
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

func (s *LevelDBStorage) applyPutOrTouch(key string, ent *Entry) error {
	now := time.Now().Unix()

	s.mu.Lock()
	meta, exists := s.index[key]
	s.mu.Unlock()

	batch := new(leveldb.Batch)

	if ent != nil {
		b, err := encodeGob(*ent)
		if err != nil {
			return err
		}
		size := int64(len(b))

		meta.Size = size
		meta.LastAccess = now
		mb, err := encodeGob(meta)
		if err != nil {
			return err
		}
		batch.Put([]byte("e:"+key), b)
		batch.Put([]byte("m:"+key), mb)
		if err := s.db.Write(batch, nil); err != nil {
			return err
		}

		s.mu.Lock()
		if old, ok := s.index[key]; ok {
			s.totalSize -= old.Size
		}
		s.index[key] = meta
		s.totalSize += size
		over := s.opts.MaxBytes > 0 && s.totalSize > s.opts.MaxBytes
		s.mu.Unlock()

		if over {
			s.evictSome(key)
		}
		return nil
	}

	// touch only
	if !exists {
		return nil
	}
	meta.LastAccess = now
	s.mu.Lock()
	s.index[key] = meta
	s.mu.Unlock()
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	batch.Put([]byte("m:"+key), mb)
	return s.db.Write(batch, nil)
}

func (s *LevelDBStorage) applyDelete(key string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if meta, ok := s.index[key]; ok {
		s.totalSize -= meta.Size
		delete(s.index, key)
	}
	s.mu.Unlock()
	return nil
}

// evictSome drops the least recently accessed 10% of entries, never the
// entry that was just written.
func (s *LevelDBStorage) evictSome(keep string) {
	type item struct {
		key string
		m   diskMeta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	s.overflowLog.Warn("leveldb: over budget, evicting", "entries", n)
	for i := 0; i < n && i < len(items); i++ {
		_ = s.applyDelete(items[i].key)
		s.dropFromRAM(items[i].key)
	}
}

func (s *LevelDBStorage) dropFromRAM(full string) {
	name, key, ok := strings.Cut(full, keySep)
	if !ok {
		return
	}
	s.mu.Lock()
	b := s.buckets[name]
	s.mu.Unlock()
	if b != nil && b.ram != nil {
		b.ram.delete(key)
	}
}

type levelBucket struct {
	s    *LevelDBStorage
	name string
	ram  *memBucket
}

func (b *levelBucket) full(key string) string {
	return b.name + keySep + key
}

func (b *levelBucket) Match(_ context.Context, key string) (*Entry, bool, error) {
	if b.ram != nil {
		if ent, ok := b.ram.get(key); ok {
			return ent, true, nil
		}
	}
	ent, ok, err := b.s.peek(b.full(key))
	if err != nil || !ok {
		return nil, false, err
	}
	b.s.touch(b.full(key))
	if b.ram != nil {
		b.ram.put(key, ent)
	}
	return ent, true, nil
}

func (b *levelBucket) Put(ctx context.Context, key string, ent *Entry) error {
	if err := b.s.submit(ctx, diskOp{putKey: b.full(key), putEnt: ent.Clone()}); err != nil {
		return err
	}
	if b.ram != nil {
		b.ram.put(key, ent)
	}
	return nil
}

// Delete removes key from disk, then from RAM. A failed disk delete
// leaves the RAM copy in place.
func (b *levelBucket) Delete(ctx context.Context, key string) error {
	if err := b.s.submit(ctx, diskOp{delKey: b.full(key)}); err != nil {
		return err
	}
	if b.ram != nil {
		b.ram.delete(key)
	}
	return nil
}

func (b *levelBucket) Keys(context.Context) ([]string, error) {
	return b.s.keys(b.name + keySep), nil
}

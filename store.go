// Package nudb implements an append-only, crash-safe key/value store
// backed by a hashed linear-hashing bucket index. Values are never
// updated or deleted: once an Insert succeeds, its bytes are durable
// after the next successful commit and are never rewritten.
package nudb

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flashstore/nudb/bucket"
	"github.com/flashstore/nudb/cache"
	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/hashing"
	"github.com/flashstore/nudb/keyfilter"
	"github.com/flashstore/nudb/linhash"
	"github.com/flashstore/nudb/nfile"
	"github.com/flashstore/nudb/pool"
)

const defaultCommitLimit = 1 << 30 // 1 GiB, per spec's soft cap default

// Option configures a Store at Open time.
type Option func(*options)

type options struct {
	commitLimit int64
	logger      zerolog.Logger
	metrics     *Metrics
	filterSize  uint
	ctx         *Context
}

func defaultOptions() options {
	return options{
		commitLimit: defaultCommitLimit,
		logger:      defaultLogger(),
	}
}

// WithCommitLimit overrides the soft cap (in bytes of buffered value data)
// past which Insert blocks callers until the next commit drains the pool.
func WithCommitLimit(n int64) Option {
	return func(o *options) { o.commitLimit = n }
}

// WithLogger attaches a zerolog.Logger the store uses for structured,
// leveled diagnostics: one line when the store opens and one when a
// background error is latched. Commits and recovery are not logged.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics attaches a Metrics instance created by NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithKeyFilter sizes a Bloom-filter existence prefilter for roughly n
// keys, used to answer definite misses without a key-file read. Omitting
// this option disables the prefilter (every fetch falls through to disk).
func WithKeyFilter(n uint) Option {
	return func(o *options) { o.filterSize = n }
}

// WithContext registers the store with a shared Context pool instead of
// starting a dedicated committer goroutine for it (spec §4.7).
func WithContext(ctx *Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// Store is a single open database. The zero value is not usable; obtain
// one via Open.
type Store struct {
	datFile nfile.File
	keyFile nfile.File
	logFile nfile.File

	logPath string

	uid, appNum, salt, pepper uint64
	keySize                   int
	blockSize                 int
	capacity                  int
	loadFactor16              uint16

	// mu (M in spec §5) protects p1, p0, c1, c0, buckets and modulus.
	mu      sync.RWMutex
	buckets uint64
	modulus uint64
	p1, p0  *pool.Pool
	c1, c0  *cache.Cache

	// insertMu (U in spec §5) serializes Insert's duplicate-check-then-
	// pool-insert sequence independent of mu.
	insertMu sync.Mutex

	filter *keyfilter.Filter
	gen    *gentex

	acc linhash.Accumulator // touched only by the committer goroutine

	poolThresh  int64
	commitLimit int64

	overflow *sync.Cond // guarded by mu; broadcast whenever p1 drains

	wakeCh    chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}

	// ctx, when non-nil, means this store is flushed by a shared Context
	// pool instead of committerLoop; wakeCh/stopCh/stoppedCh are unused.
	ctx *Context

	errMu sync.Mutex
	err   error

	log     zerolog.Logger
	metrics *Metrics
}

// Open recovers, opens, and starts the background committer for the
// database at datPath/keyPath/logPath, per spec §4.6.
func Open(datPath, keyPath, logPath string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}

	if err := Recover(datPath, keyPath, logPath); err != nil {
		return nil, err
	}

	datFile, err := nfile.Open(datPath)
	if err != nil {
		return nil, wrapError(ErrShortRead, err)
	}
	keyFile, err := nfile.Open(keyPath)
	if err != nil {
		datFile.Close()
		return nil, wrapError(ErrShortRead, err)
	}
	logFile, err := nfile.OpenForAppend(logPath)
	if err != nil {
		datFile.Close()
		keyFile.Close()
		return nil, wrapError(ErrShortRead, err)
	}

	datBuf := make([]byte, datHeaderSize)
	if _, err := datFile.ReadAt(datBuf, 0); err != nil {
		return nil, closeAllAndWrap(err, datFile, keyFile, logFile)
	}
	dh, err := decodeDataHeader(datBuf)
	if err != nil {
		return nil, closeAllAndErr(err, datFile, keyFile, logFile)
	}

	keyFileSize, err := keyFile.Size()
	if err != nil {
		return nil, closeAllAndWrap(err, datFile, keyFile, logFile)
	}
	keyBuf := make([]byte, keyHeaderSize)
	if _, err := keyFile.ReadAt(keyBuf, 0); err != nil {
		return nil, closeAllAndWrap(err, datFile, keyFile, logFile)
	}
	kh, err := decodeKeyHeader(keyBuf)
	if err != nil {
		return nil, closeAllAndErr(err, datFile, keyFile, logFile)
	}

	if err := verifyHeaderAgreement(dh.UID, kh.UID, dh.AppNum, kh.AppNum, dh.KeySize, kh.KeySize); err != nil {
		return nil, closeAllAndErr(err, datFile, keyFile, logFile)
	}
	if err := verifyPepperSelfCheck(kh.Salt, kh.Pepper); err != nil {
		return nil, closeAllAndErr(err, datFile, keyFile, logFile)
	}

	capacity := bucket.Capacity(int(kh.BlockSize))
	if capacity < 1 {
		return nil, closeAllAndErr(NewError(ErrInvalidBlockSize), datFile, keyFile, logFile)
	}
	if kh.BlockSize == 0 || keyFileSize%int64(kh.BlockSize) != 0 {
		return nil, closeAllAndErr(NewError(ErrShortKeyFile), datFile, keyFile, logFile)
	}

	buckets := uint64(keyFileSize/int64(kh.BlockSize)) - 1 // block 0 is the header
	if buckets == 0 {
		buckets = 1
	}
	modulus := format.CeilPow2(buckets)
	thresh := linhash.Threshold(kh.LoadFactor, capacity)

	s := &Store{
		datFile: datFile, keyFile: keyFile, logFile: logFile,
		logPath: logPath,

		uid: kh.UID, appNum: kh.AppNum, salt: kh.Salt, pepper: kh.Pepper,
		keySize: int(kh.KeySize), blockSize: int(kh.BlockSize), capacity: capacity,
		loadFactor16: kh.LoadFactor,

		buckets: buckets, modulus: modulus,
		p1: pool.New("p1"), p0: pool.New("p0"),
		c1: cache.New("c1"), c0: cache.New("c0"),

		filter: keyfilter.New(o.filterSize, 0.01),
		gen:    newGentex(),

		acc:         linhash.NewAccumulator(thresh),
		commitLimit: o.commitLimit,
		poolThresh:  o.commitLimit / 16,

		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),

		ctx: o.ctx,

		log:     o.logger,
		metrics: o.metrics,
	}
	s.overflow = sync.NewCond(&s.mu)

	s.log.Info().Uint64("buckets", s.buckets).Uint64("modulus", s.modulus).Msg("nudb: opened")

	if s.ctx != nil {
		s.ctx.Register(s)
	} else {
		go s.committerLoop()
	}
	return s, nil
}

func closeAllAndWrap(err error, files ...nfile.File) error {
	for _, f := range files {
		f.Close()
	}
	return wrapError(ErrShortRead, err)
}

func closeAllAndErr(err error, files ...nfile.File) error {
	for _, f := range files {
		f.Close()
	}
	return err
}

// Close signals the committer to drain and stop, joins it, deletes the
// (now-empty) log file, and closes the three file handles. If the final
// drain commit or an earlier background commit latched an error, Close
// returns it.
func (s *Store) Close() error {
	if s.ctx != nil {
		s.ctx.Erase(s)
		s.runCommit()
	} else {
		close(s.stopCh)
		<-s.stoppedCh
	}

	err := s.latchedError()

	if e := nfile.Erase(s.logPath); e != nil && err == nil {
		err = wrapError(ErrShortWrite, e)
	}
	if e := s.datFile.Close(); e != nil && err == nil {
		err = wrapError(ErrShortWrite, e)
	}
	if e := s.keyFile.Close(); e != nil && err == nil {
		err = wrapError(ErrShortWrite, e)
	}
	if e := s.logFile.Close(); e != nil && err == nil {
		err = wrapError(ErrShortWrite, e)
	}
	return err
}

func (s *Store) latchedError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Store) latchError(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
		s.log.Error().Err(err).Msg("nudb: latched background error")
	}
}

func (s *Store) hash(key []byte) uint64 {
	return hashing.Hash(s.salt, key)
}

// Fetch looks up key and, on a hit, invokes fn with the value's bytes.
// The slice passed to fn is borrowed and must not be retained past the
// call: it may point into pool-owned arena memory or a buffer reused by
// a later fetch. Fetch returns ErrKeyNotFound if no such key exists.
func (s *Store) Fetch(ctx context.Context, key []byte, fn func(value []byte) error) error {
	if err := s.latchedError(); err != nil {
		return err
	}
	if len(key) != s.keySize {
		return NewError(ErrInvalidKeySize)
	}
	h := s.hash(key)

	s.mu.RLock()
	if !s.filter.MayContain(h) {
		s.mu.RUnlock()
		s.metrics.observeFetch(false)
		return NewError(ErrKeyNotFound)
	}
	if item, ok := s.p1.Find(key); ok {
		v := item.Value
		err := fn(v)
		s.mu.RUnlock()
		s.metrics.observeFetch(true)
		return err
	}
	if item, ok := s.p0.Find(key); ok {
		v := item.Value
		err := fn(v)
		s.mu.RUnlock()
		s.metrics.observeFetch(true)
		return err
	}

	n := linhash.BucketIndex(h, s.buckets, s.modulus)
	if body, ok := s.c1.Find(n); ok {
		b, ok := bucket.DecodeBody(body, -1)
		s.mu.RUnlock()
		if !ok {
			return wrapError(ErrShortBucket, nil)
		}
		return s.walkChain(ctx, b, h, key, fn)
	}

	tok := s.gen.token()
	s.mu.RUnlock()
	defer s.gen.release(tok)

	b, err := s.readBucketBlock(n)
	if err != nil {
		return err
	}
	return s.walkChain(ctx, b, h, key, fn)
}

// walkChain scans b and its spill chain for an entry matching h and key.
func (s *Store) walkChain(ctx context.Context, b *bucket.Bucket, h uint64, key []byte, fn func([]byte) error) error {
	for {
		for i := b.LowerBound(h); i < b.Size(); i++ {
			e := b.At(i)
			if e.Hash != h {
				break
			}
			match, value, err := s.readAndCompare(e, key)
			if err != nil {
				return err
			}
			if match {
				s.metrics.observeFetch(true)
				return fn(value)
			}
		}
		if b.Spill == 0 {
			s.metrics.observeFetch(false)
			return NewError(ErrKeyNotFound)
		}
		next, err := s.readSpillBody(b.Spill)
		if err != nil {
			return err
		}
		b = next
	}
}

// readAndCompare reads the key and, if it matches, the value for entry e
// from the data file.
func (s *Store) readAndCompare(e bucket.Entry, key []byte) (bool, []byte, error) {
	keyBuf := make([]byte, s.keySize)
	if _, err := s.datFile.ReadAt(keyBuf, int64(e.Offset)+6); err != nil {
		return false, nil, wrapError(ErrShortRead, err)
	}
	if !bytes.Equal(keyBuf, key) {
		return false, nil, nil
	}
	valBuf := make([]byte, e.Size)
	if _, err := s.datFile.ReadAt(valBuf, int64(e.Offset)+6+int64(s.keySize)); err != nil {
		return false, nil, wrapError(ErrShortRead, err)
	}
	return true, valBuf, nil
}

// readBucketBlock reads bucket n's block image from the key file.
func (s *Store) readBucketBlock(n uint64) (*bucket.Bucket, error) {
	buf := make([]byte, s.blockSize)
	off := int64(n+1) * int64(s.blockSize)
	if _, err := s.keyFile.ReadAt(buf, off); err != nil {
		return nil, wrapError(ErrShortRead, err)
	}
	b, ok := bucket.DecodeBlock(buf, s.capacity)
	if !ok {
		return nil, NewError(ErrShortBucket)
	}
	return b, nil
}

// readSpillBody reads a spill record's body from the data file at off.
func (s *Store) readSpillBody(off uint64) (*bucket.Bucket, error) {
	head := make([]byte, 8) // 6B zero sentinel + 2B body size
	if _, err := s.datFile.ReadAt(head, int64(off)); err != nil {
		return nil, wrapError(ErrShortRead, err)
	}
	size := format.Uint16(head[6:8])
	body := make([]byte, size)
	if _, err := s.datFile.ReadAt(body, int64(off)+8); err != nil {
		return nil, wrapError(ErrShortRead, err)
	}
	b, ok := bucket.DecodeBody(body, -1)
	if !ok {
		return nil, NewError(ErrInvalidSpillSize)
	}
	return b, nil
}

// Insert adds key/value if key is not already present. Per spec, zero-size
// values and operations on a closed store are programmer errors.
func (s *Store) Insert(ctx context.Context, key, value []byte) error {
	if err := s.latchedError(); err != nil {
		return err
	}
	if len(key) != s.keySize {
		return NewError(ErrInvalidKeySize)
	}
	if len(value) == 0 {
		return NewError(ErrZeroSizeValue)
	}
	if len(value) > 1<<32-1 {
		return NewError(ErrValueTooLarge)
	}

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	h := s.hash(key)
	exists, err := s.checkExists(ctx, h, key)
	if err != nil {
		return err
	}
	if exists {
		s.metrics.observeInsert(true)
		return NewError(ErrKeyExists)
	}

	s.mu.Lock()
	s.p1.Insert(h, key, value)
	s.filter.Add(h)
	size := s.p1.DataSize()
	for size >= s.commitLimit {
		s.requestCommitLocked()
		s.overflow.Wait()
		size = s.p1.DataSize()
	}
	if size >= s.poolThresh {
		s.requestCommitLocked()
	}
	s.metrics.setPoolBytes(size)
	s.mu.Unlock()

	s.metrics.observeInsert(false)
	return nil
}

// checkExists reports whether key is already present, per the Insert
// contract: pools first, then the bucket chain (cached or on disk).
func (s *Store) checkExists(ctx context.Context, h uint64, key []byte) (bool, error) {
	s.mu.RLock()
	if _, ok := s.p1.Find(key); ok {
		s.mu.RUnlock()
		return true, nil
	}
	if _, ok := s.p0.Find(key); ok {
		s.mu.RUnlock()
		return true, nil
	}
	n := linhash.BucketIndex(h, s.buckets, s.modulus)
	if body, ok := s.c1.Find(n); ok {
		b, ok := bucket.DecodeBody(body, -1)
		s.mu.RUnlock()
		if !ok {
			return false, wrapError(ErrShortBucket, nil)
		}
		return s.chainHasHash(b, h, key)
	}
	tok := s.gen.token()
	s.mu.RUnlock()
	defer s.gen.release(tok)

	b, err := s.readBucketBlock(n)
	if err != nil {
		return false, err
	}
	return s.chainHasHash(b, h, key)
}

func (s *Store) chainHasHash(b *bucket.Bucket, h uint64, key []byte) (bool, error) {
	for {
		for i := b.LowerBound(h); i < b.Size(); i++ {
			e := b.At(i)
			if e.Hash != h {
				break
			}
			match, _, err := s.readAndCompare(e, key)
			if err != nil {
				return false, err
			}
			if match {
				return true, nil
			}
		}
		if b.Spill == 0 {
			return false, nil
		}
		next, err := s.readSpillBody(b.Spill)
		if err != nil {
			return false, err
		}
		b = next
	}
}

// requestCommitLocked wakes the committer. Caller must hold s.mu (any
// mode) or be about to release it; the wake channel is a non-blocking
// signal so repeated requests before the committer wakes up coalesce.
func (s *Store) requestCommitLocked() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// committerLoop runs on its own goroutine for the Store's lifetime,
// waking on insert signals or a 1-second timeout (spec §4.6, §9).
func (s *Store) committerLoop() {
	defer close(s.stoppedCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.drainFinalCommit()
			return
		case <-s.wakeCh:
			s.runCommit()
		case <-ticker.C:
			if !s.runCommit() {
				s.reclaim()
			}
		}
	}
}

func (s *Store) drainFinalCommit() {
	s.runCommit()
}

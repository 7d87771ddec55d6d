package nudb

import (
	"time"

	"github.com/flashstore/nudb/bucket"
	"github.com/flashstore/nudb/bulkio"
	"github.com/flashstore/nudb/cache"
	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/linhash"
	"github.com/flashstore/nudb/pool"
)

// commitState holds everything one commit mutates before it is published:
// the live, mutable bucket views touched this commit (keyed by bucket
// index), which of those have already had their pre-image captured into
// the store's c0, and the linear-hashing bookkeeping as it evolves while
// splits interleave with inserts.
type commitState struct {
	s      *Store
	writer *bulkio.Writer

	buckets, modulus uint64
	preBuckets       uint64
	acc              linhash.Accumulator

	live       map[uint64]*bucket.Bucket
	touched    map[uint64]bool
	splitCount int
}

func newCommitState(s *Store, buckets, modulus uint64, acc linhash.Accumulator) *commitState {
	return &commitState{
		s: s, buckets: buckets, modulus: modulus, preBuckets: buckets, acc: acc,
		live: make(map[uint64]*bucket.Bucket), touched: make(map[uint64]bool),
	}
}

// load returns the live, mutable bucket for index n, reading its
// pre-commit image from the key file (and capturing that image into c0)
// the first time n is touched this commit. Indices at or beyond
// preBuckets are brand new, introduced by an earlier split this same
// commit, and start empty with no pre-image to capture.
func (cs *commitState) load(n uint64) (*bucket.Bucket, error) {
	if b, ok := cs.live[n]; ok {
		return b, nil
	}
	if n >= cs.preBuckets {
		b := bucket.Empty()
		cs.live[n] = b
		return b, nil
	}
	b, err := cs.s.readBucketBlock(n)
	if err != nil {
		return nil, err
	}
	if !cs.touched[n] {
		body := make([]byte, b.BodySize())
		b.EncodeBody(body)
		cs.s.c0.Insert(n, body)
		cs.touched[n] = true
	}
	cs.live[n] = b
	return b, nil
}

// WriteSpill implements bucket.SpillWriter over the commit's bulk writer.
func (cs *commitState) WriteSpill(body []byte) (uint64, error) {
	off := uint64(cs.writer.Offset())
	head := make([]byte, 8)
	format.PutUint16(head[6:8], uint16(len(body)))
	if _, err := cs.writer.Write(head); err != nil {
		return 0, err
	}
	if _, err := cs.writer.Write(body); err != nil {
		return 0, err
	}
	return off, nil
}

// splitOne performs one linear-hashing split: bucket n1's entries (and the
// entries of its entire pre-existing spill chain) are redistributed
// between n1 and the brand new bucket n2 according to bucket_index under
// the post-split (buckets, modulus). n1's old spill chain is abandoned
// (its data-file records become unreachable, recoverable only by rekey).
func (cs *commitState) splitOne() error {
	n1, n2, newBuckets, newModulus := linhash.Split(cs.buckets, cs.modulus)

	b1, err := cs.load(n1)
	if err != nil {
		return err
	}

	// The pre-existing spill chain is read out whole and abandoned (its
	// data-file records become unreachable, recoverable only by rekey);
	// its entries are re-routed below just like b1's own.
	var overflow []bucket.Entry
	spillOff := b1.Spill
	for spillOff != 0 {
		next, err := cs.s.readSpillBody(spillOff)
		if err != nil {
			return err
		}
		overflow = append(overflow, next.Entries...)
		spillOff = next.Spill
	}
	b1.Spill = 0

	// Walk b1's own entries back to front, erasing and setting aside any
	// that must move to n2 under the post-split mapping; entries that
	// stay put are left in place.
	var moving []bucket.Entry
	for i := b1.Size() - 1; i >= 0; i-- {
		e := b1.At(i)
		if linhash.BucketIndex(e.Hash, newBuckets, newModulus) == n2 {
			moving = append(moving, e)
			b1.Erase(i)
		}
	}

	b2, err := cs.load(n2)
	if err != nil {
		return err
	}

	for _, e := range moving {
		if err := b2.MaybeSpill(cs.s.capacity, cs); err != nil {
			return err
		}
		b2.Insert(e.Offset, e.Size, e.Hash)
	}
	for _, e := range overflow {
		target := b1
		if linhash.BucketIndex(e.Hash, newBuckets, newModulus) == n2 {
			target = b2
		}
		if err := target.MaybeSpill(cs.s.capacity, cs); err != nil {
			return err
		}
		target.Insert(e.Offset, e.Size, e.Hash)
	}

	cs.buckets = newBuckets
	cs.modulus = newModulus
	cs.splitCount++
	return nil
}

// insertItem runs one pool item through the accumulator (performing a
// split first if due) and inserts it into its home bucket.
func (cs *commitState) insertItem(item *pool.Item) error {
	if cs.acc.Add() {
		if err := cs.splitOne(); err != nil {
			return err
		}
	}
	n := linhash.BucketIndex(item.Hash, cs.buckets, cs.modulus)
	b, err := cs.load(n)
	if err != nil {
		return err
	}
	if err := b.MaybeSpill(cs.s.capacity, cs); err != nil {
		return err
	}
	b.Insert(item.Offset, uint32(len(item.Value)), item.Hash)
	return nil
}

// runCommit performs at most one full commit cycle and reports whether
// there was work to do. A false return (empty pool) tells the caller it
// is safe to run periodic reclamation instead.
func (s *Store) runCommit() bool {
	s.mu.Lock()
	if s.p1.Len() == 0 {
		s.mu.Unlock()
		return false
	}
	workingC1 := s.c1
	s.c1 = cache.New("c1")
	s.p0, s.p1 = s.p1, s.p0
	if s.p0.DataSize() > s.poolThresh {
		s.poolThresh = s.p0.DataSize()
	}
	preBuckets, preModulus := s.buckets, s.modulus
	// p1 is now the previous, already-drained pool: wake any insert
	// blocked waiting for the pool to fall below commitLimit.
	s.overflow.Broadcast()
	s.mu.Unlock()

	start := time.Now()
	cs := newCommitState(s, preBuckets, preModulus, s.acc)
	err := s.doCommit(cs, workingC1)

	if err != nil {
		s.latchError(err)
		return true
	}
	s.acc = cs.acc
	s.metrics.observeCommit(time.Since(start).Seconds(), cs.splitCount)
	s.metrics.setBucketCount(cs.buckets)
	return true
}

// doCommit implements spec §4.6's seven commit steps.
func (s *Store) doCommit(cs *commitState, workingC1 *cache.Cache) error {
	datPreSize, err := s.datFile.Size()
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	keyPreSize, err := s.keyFile.Size()
	if err != nil {
		return wrapError(ErrShortRead, err)
	}

	// 1. Log header + fsync: the commit point.
	lh := LogHeader{
		Version: currentVersion, UID: s.uid, AppNum: s.appNum, KeySize: uint16(s.keySize),
		Salt: s.salt, Pepper: s.pepper, BlockSize: uint16(s.blockSize),
		KeyFileSize: uint64(keyPreSize), DatFileSize: uint64(datPreSize),
	}
	if _, err := s.logFile.WriteAt(lh.encode(), 0); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := s.logFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}

	// 2. Append values and splits to the data file.
	cs.writer = bulkio.NewWriter(s.datFile, datPreSize)
	items := s.p0.Items()
	for _, item := range items {
		item.Offset = uint64(cs.writer.Offset())
		rec := make([]byte, 6+s.keySize+len(item.Value))
		format.PutUint48(rec[0:6], uint64(len(item.Value)))
		copy(rec[6:6+s.keySize], item.Key)
		copy(rec[6+s.keySize:], item.Value)
		if _, err := cs.writer.Write(rec); err != nil {
			return wrapError(ErrShortWrite, err)
		}
	}
	for _, item := range items {
		if err := cs.insertItem(item); err != nil {
			return err
		}
	}
	if err := cs.writer.Flush(); err != nil {
		return wrapError(ErrShortWrite, err)
	}

	// 3. Publish new generation.
	s.mu.Lock()
	for n, b := range cs.live {
		body := make([]byte, b.BodySize())
		b.EncodeBody(body)
		if n >= cs.preBuckets {
			// n didn't exist before this commit's splits: it is a brand
			// new bucket introduced by splitOne, not a mutated pre-image.
			workingC1.Create(n, body)
		} else {
			workingC1.Insert(n, body)
		}
	}
	s.c1, workingC1 = workingC1, s.c1
	s.p0.Clear()
	s.buckets, s.modulus = cs.buckets, cs.modulus
	genNew := s.gen.start()
	s.mu.Unlock()

	// 4. Write pre-images to log, fsync, wait out old-generation readers.
	logOff := int64(logHeaderSize)
	var writeErr error
	s.c0.Iterate(func(n uint64, body []byte) bool {
		rec := make([]byte, 8+2+len(body))
		format.PutUint64(rec[0:8], n)
		format.PutUint16(rec[8:10], uint16(len(body)))
		copy(rec[10:], body)
		if _, err := s.logFile.WriteAt(rec, logOff); err != nil {
			writeErr = wrapError(ErrShortWrite, err)
			return false
		}
		logOff += int64(len(rec))
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	s.c0.Clear()
	if err := s.logFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	s.gen.finish(genNew)

	// 5. Write new buckets to key file, fsync data then key file.
	for n, b := range cs.live {
		block := b.EncodeBlock(s.blockSize)
		off := int64(n+1) * int64(s.blockSize)
		if _, err := s.keyFile.WriteAt(block, off); err != nil {
			return wrapError(ErrShortWrite, err)
		}
	}
	if err := s.datFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := s.keyFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}

	// 6. Truncate log, fsync.
	if err := s.logFile.Truncate(0); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := s.logFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}

	// 7. Clear c1: fetches resume reading from the key file.
	s.mu.Lock()
	s.c1.Clear()
	s.mu.Unlock()

	return nil
}

// reclaim runs when the committer times out with nothing to commit: it
// halves poolThresh (floor 1) and releases free arena blocks back to the
// system on both pools and both caches.
func (s *Store) reclaim() {
	s.mu.Lock()
	if s.poolThresh > 1 {
		s.poolThresh /= 2
		if s.poolThresh < 1 {
			s.poolThresh = 1
		}
	}
	s.p0.ShrinkToFit()
	s.p1.ShrinkToFit()
	s.c0.ShrinkToFit()
	s.c1.ShrinkToFit()
	s.p0.PeriodicActivity()
	s.p1.PeriodicActivity()
	s.mu.Unlock()
}

package padstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// walSyncInterval is the interval between WAL syncs. Writes themselves are
// non-blocking; a background goroutine makes them durable.
const walSyncInterval = 100 * time.Millisecond

// keyPrefix namespaces share block records.
var keyPrefix = []byte("share/")

// BlockStore is the working store for share blocks, backed by Pebble. A
// member's combined share is sliced into pad-sized blocks so the engine can
// reconstruct one pad block from threshold share blocks without touching the
// rest of the material.
//
// Records are keyed share/<epoch BE><member><block BE>; big-endian numbers
// keep prefix scans in epoch and block order. Every record carries a keyed
// integrity tag over its coordinates and data.
type BlockStore struct {
	db       *pebble.DB
	tagKey   []byte
	stopSync chan struct{}
	wg       sync.WaitGroup
}

// Open opens or creates the store at path. tagKey keys the per-block
// integrity tags and must be 32 bytes.
func Open(path string, tagKey []byte) (*BlockStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("opening block store: %w", err)
	}

	s := &BlockStore{
		db:       db,
		tagKey:   append([]byte(nil), tagKey...),
		stopSync: make(chan struct{}),
	}
	s.startSyncLoop()
	return s, nil
}

func blockKey(epoch interfaces.Epoch, member interfaces.MemberID, block interfaces.BlockID) []byte {
	key := make([]byte, len(keyPrefix)+8+1+8)
	n := copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[n:], uint64(epoch))
	key[n+8] = byte(member)
	binary.BigEndian.PutUint64(key[n+9:], uint64(block))
	return key
}

func epochPrefix(epoch interfaces.Epoch) []byte {
	prefix := make([]byte, len(keyPrefix)+8)
	n := copy(prefix, keyPrefix)
	binary.BigEndian.PutUint64(prefix[n:], uint64(epoch))
	return prefix
}

func (s *BlockStore) blockTag(epoch interfaces.Epoch, member interfaces.MemberID, block interfaces.BlockID, data []byte) ([32]byte, error) {
	var coords [17]byte
	binary.LittleEndian.PutUint64(coords[:8], uint64(epoch))
	coords[8] = byte(member)
	binary.LittleEndian.PutUint64(coords[9:], uint64(block))
	return cryptoutils.KeyedDigest(s.tagKey, coords[:], data)
}

// PutShareBlock stores one share block. The write is buffered; the sync loop
// makes it durable.
func (s *BlockStore) PutShareBlock(epoch interfaces.Epoch, member interfaces.MemberID, block interfaces.BlockID, data []byte) error {
	tag, err := s.blockTag(epoch, member, block, data)
	if err != nil {
		return err
	}
	value := make([]byte, 0, len(tag)+len(data))
	value = append(value, tag[:]...)
	value = append(value, data...)
	return s.db.Set(blockKey(epoch, member, block), value, pebble.NoSync)
}

// PutShare slices a member's whole share into blockSize blocks and stores
// them in one atomic batch. The last block may be short.
func (s *BlockStore) PutShare(epoch interfaces.Epoch, member interfaces.MemberID, share []byte, blockSize int) error {
	if blockSize <= 0 {
		return fmt.Errorf("block size %d", blockSize)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for off, block := 0, interfaces.BlockID(0); off < len(share); off, block = off+blockSize, block+1 {
		end := off + blockSize
		if end > len(share) {
			end = len(share)
		}
		data := share[off:end]

		tag, err := s.blockTag(epoch, member, block, data)
		if err != nil {
			return err
		}
		value := make([]byte, 0, len(tag)+len(data))
		value = append(value, tag[:]...)
		value = append(value, data...)
		if err := batch.Set(blockKey(epoch, member, block), value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// ShareBlock reads one share block, verifying its integrity tag. A missing
// record is ErrShareNotFound; a corrupted one is ErrIntegrityFailure.
func (s *BlockStore) ShareBlock(epoch interfaces.Epoch, member interfaces.MemberID, block interfaces.BlockID) ([]byte, error) {
	value, closer, err := s.db.Get(blockKey(epoch, member, block))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: member %d epoch %d block %d",
			interfaces.ErrShareNotFound, member, epoch, block)
	}
	if err != nil {
		return nil, fmt.Errorf("reading share block: %w", err)
	}
	defer closer.Close()

	if len(value) < 32 {
		return nil, fmt.Errorf("%w: truncated record for member %d block %d",
			interfaces.ErrIntegrityFailure, member, block)
	}
	data := make([]byte, len(value)-32)
	copy(data, value[32:])

	want, err := s.blockTag(epoch, member, block, data)
	if err != nil {
		return nil, err
	}
	var got [32]byte
	copy(got[:], value[:32])
	if got != want {
		return nil, fmt.Errorf("%w: share block tag mismatch for member %d block %d",
			interfaces.ErrIntegrityFailure, member, block)
	}
	return data, nil
}

// Members lists the members with at least one block stored for the epoch.
func (s *BlockStore) Members(epoch interfaces.Epoch) ([]interfaces.MemberID, error) {
	prefix := epochPrefix(epoch)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	seen := make(map[interfaces.MemberID]struct{})
	var members []interfaces.MemberID
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+1+8 {
			continue
		}
		member := interfaces.MemberID(key[len(prefix)])
		if _, ok := seen[member]; !ok {
			seen[member] = struct{}{}
			members = append(members, member)
		}
	}
	return members, iter.Error()
}

// DeleteEpoch removes every record of an epoch.
func (s *BlockStore) DeleteEpoch(epoch interfaces.Epoch) error {
	prefix := epochPrefix(epoch)
	return s.db.DeleteRange(prefix, prefixUpperBound(prefix), pebble.Sync)
}

// Burn overwrites every stored block with zeros, deletes the keyspace, and
// compacts so dropped sstables are rewritten. LSM storage keeps old values
// until compaction, so the overwrite pass alone is not enough.
func (s *BlockStore) Burn() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: prefixUpperBound(keyPrefix),
	})
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return err
		}
		if err := batch.Set(append([]byte(nil), iter.Key()...), make([]byte, len(value)), nil); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	upper := prefixUpperBound(keyPrefix)
	if err := s.db.DeleteRange(keyPrefix, upper, pebble.Sync); err != nil {
		return err
	}
	return s.db.Compact(keyPrefix, upper, true)
}

// Close stops the sync loop, syncs the WAL, and closes the database.
func (s *BlockStore) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *BlockStore) startSyncLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(walSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

func (s *BlockStore) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}

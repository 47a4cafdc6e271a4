package padstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Pad file layout: pad ID, used-bytes counter, then the data. The counter is
// updated in place as material is consumed so a restart never rewinds the
// cursor.
const (
	padFileIDOffset   = 0
	padFileUsedOffset = 16
	padFileHeaderSize = 24
)

// WritePadFile writes a pad file atomically: the content lands under a
// temporary name and is renamed into place, so readers never observe a
// partial header.
func WritePadFile(path string, id interfaces.PadID, used uint64, data []byte) error {
	if used > uint64(len(data)) {
		return fmt.Errorf("used %d exceeds capacity %d", used, len(data))
	}

	buf := make([]byte, padFileHeaderSize+len(data))
	copy(buf[padFileIDOffset:], id.Bytes())
	binary.LittleEndian.PutUint64(buf[padFileUsedOffset:], used)
	copy(buf[padFileHeaderSize:], data)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pad-*")
	if err != nil {
		return fmt.Errorf("creating pad file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("writing pad file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing pad file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadPadFile loads a pad file and checks its header invariant: the used
// counter can never exceed the capacity.
func ReadPadFile(path string) (interfaces.PadID, uint64, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return interfaces.PadID{}, 0, nil, fmt.Errorf("reading pad file: %w", err)
	}
	if len(raw) < padFileHeaderSize {
		return interfaces.PadID{}, 0, nil, fmt.Errorf("%w: pad file of %d bytes",
			interfaces.ErrIntegrityFailure, len(raw))
	}

	id, err := interfaces.NewPadIDFromBytes(raw[padFileIDOffset : padFileIDOffset+16])
	if err != nil {
		return interfaces.PadID{}, 0, nil, err
	}
	used := binary.LittleEndian.Uint64(raw[padFileUsedOffset:padFileHeaderSize])
	data := raw[padFileHeaderSize:]

	if used > uint64(len(data)) {
		return interfaces.PadID{}, 0, nil, fmt.Errorf("%w: used %d exceeds capacity %d",
			interfaces.ErrIntegrityFailure, used, len(data))
	}
	return id, used, data, nil
}

// UpdatePadFileUsage rewrites the used counter in place. The counter may
// only move forward.
func UpdatePadFileUsage(path string, used uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening pad file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	capacity := info.Size() - padFileHeaderSize
	if capacity < 0 {
		return fmt.Errorf("%w: pad file of %d bytes", interfaces.ErrIntegrityFailure, info.Size())
	}
	if used > uint64(capacity) {
		return fmt.Errorf("used %d exceeds capacity %d", used, capacity)
	}

	var current [8]byte
	if _, err := f.ReadAt(current[:], padFileUsedOffset); err != nil {
		return fmt.Errorf("reading used counter: %w", err)
	}
	if prev := binary.LittleEndian.Uint64(current[:]); used < prev {
		return fmt.Errorf("%w: used counter rewind from %d to %d",
			interfaces.ErrBlockReuse, prev, used)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], used)
	if _, err := f.WriteAt(buf[:], padFileUsedOffset); err != nil {
		return fmt.Errorf("updating used counter: %w", err)
	}
	return f.Sync()
}

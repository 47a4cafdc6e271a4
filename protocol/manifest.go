package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Manifest is the node's durable record of the installed pad generation.
// It carries no key material, only the coordinates needed to rebuild the
// engine from the block store after a restart. UsedBytes is the forward-only
// consumption watermark; restoring it burns every block at or below it, so
// a crash can lose availability but never resurrect a consumed block.
type Manifest struct {
	PadID     string `json:"pad_id"`
	Epoch     uint64 `json:"epoch"`
	N         uint8  `json:"n"`
	T         uint8  `json:"t"`
	PadBytes  uint64 `json:"pad_bytes"`
	Members   []int  `json:"members"`
	UsedBytes uint64 `json:"used_bytes"`
}

// MemberIDs converts the manifest's member list back to typed IDs.
func (m Manifest) MemberIDs() ([]interfaces.MemberID, error) {
	members := make([]interfaces.MemberID, 0, len(m.Members))
	for _, raw := range m.Members {
		if raw < 1 || raw > 255 {
			return nil, fmt.Errorf("%w: manifest member %d", interfaces.ErrInvalidShare, raw)
		}
		members = append(members, interfaces.MemberID(raw))
	}
	return members, nil
}

// WriteManifest writes the manifest atomically: the content lands under a
// temporary name and is renamed into place, so a crashed write never leaves
// a truncated manifest behind.
func WriteManifest(path string, m Manifest) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadManifest loads and validates a manifest.
func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest does not parse: %v",
			interfaces.ErrIntegrityFailure, err)
	}
	if m.Epoch == 0 {
		return Manifest{}, fmt.Errorf("%w: manifest has no epoch", interfaces.ErrIntegrityFailure)
	}
	if _, err := interfaces.NewPadIDFromHex(m.PadID); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest pad id: %v", interfaces.ErrIntegrityFailure, err)
	}
	params := interfaces.GroupParams{N: m.N, T: m.T, PadBytes: m.PadBytes}
	if err := params.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest parameters: %w", err)
	}
	if len(m.Members) != int(m.N) {
		return Manifest{}, fmt.Errorf("%w: manifest lists %d members for a group of %d",
			interfaces.ErrIntegrityFailure, len(m.Members), m.N)
	}
	return m, nil
}

// Package lock provides cross-process mutual exclusion keyed by source
// identifier. Locks are plain files held through OS advisory locks, so a
// crashed worker releases its slots automatically when the kernel closes its
// file descriptors. An in-process semaphore would not survive running more
// than one worker process against the same library, which is why the locks
// live on disk.
package lock

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// KeyLocker is the capability the concurrency gate needs: a non-blocking
// probe for one of the N slots of a key.
type KeyLocker interface {
	// TryAcquire attempts to take a free slot for key. It never blocks.
	// When all slots are held it returns (nil, false).
	TryAcquire(key string) (Handle, bool)
}

// Handle represents one held slot. Release must be called exactly once when
// the owning job finishes, on every exit path.
type Handle interface {
	Release() error
}

// Manager hands out filesystem-backed lock slots under a directory.
type Manager struct {
	dir      string
	maxSlots int
}

// NewManager creates a lock manager allowing maxSlots concurrent holders per
// key. Lock files are created under dir, which is created if missing.
func NewManager(dir string, maxSlots int) (*Manager, error) {
	if maxSlots < 1 {
		maxSlots = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Manager{dir: dir, maxSlots: maxSlots}, nil
}

// TryAcquire probes slots 1..maxSlots in order and returns the first one it
// can hold. Returns (nil, false) when every slot is held elsewhere.
func (m *Manager) TryAcquire(key string) (Handle, bool) {
	for slot := 1; slot <= m.maxSlots; slot++ {
		fl := flock.New(m.slotPath(key, slot))
		locked, err := fl.TryLock()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Int("slot", slot).Msg("Lock probe failed")
			continue
		}
		if locked {
			log.Debug().Str("key", key).Int("slot", slot).Msg("Acquired lock slot")
			return &slotHandle{fl: fl, key: key, slot: slot}, true
		}
	}
	return nil, false
}

// slotPath derives a deterministic lock file path for (key, slot). The key is
// hashed so arbitrary source identifiers cannot escape the lock directory.
func (m *Manager) slotPath(key string, slot int) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(m.dir, fmt.Sprintf("%s-%d.lock", hex.EncodeToString(sum[:8]), slot))
}

type slotHandle struct {
	fl   *flock.Flock
	key  string
	slot int
}

func (h *slotHandle) Release() error {
	if err := h.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock slot %d for %q: %w", h.slot, h.key, err)
	}
	log.Debug().Str("key", h.key).Int("slot", h.slot).Msg("Released lock slot")
	return nil
}

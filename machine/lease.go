package machine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/storage"
)

// LockFileName is the lease artifact beside the contract. A file
// lease, not an OS lock: exclusive flock is not available everywhere
// the floor runs.
const LockFileName = "TASK_CONTRACT.lock.json"

// DefaultLeaseTTL is how long a lease lives without a refresh.
const DefaultLeaseTTL = 2 * time.Minute

// LockHeldError reports a live lease owned by someone else.
type LockHeldError struct {
	Holder    string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("contract lock held by %q until %s", e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

// LeaseManager owns the file-backed mutation leases, one per task.
type LeaseManager struct {
	atomic    *storage.Store
	contracts *contract.Store
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewLeaseManager creates a lease manager with the given TTL. Zero
// means DefaultLeaseTTL.
func NewLeaseManager(atomic *storage.Store, contracts *contract.Store, ttl time.Duration, logger *slog.Logger) *LeaseManager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseManager{
		atomic:    atomic,
		contracts: contracts,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

func (m *LeaseManager) path(taskID string) string {
	return filepath.Join(m.contracts.ContractDir(taskID), LockFileName)
}

// Acquire takes the lease for holder. A live lease owned by another
// actor fails with LockHeldError; an expired one is stolen with a
// warning. Re-acquiring one's own lease refreshes it.
func (m *LeaseManager) Acquire(taskID, holder string) (*contract.Lock, error) {
	now := m.now().UTC()

	var existing contract.Lock
	found, err := m.atomic.ReadJSON(m.path(taskID), &existing)
	if err != nil {
		return nil, fmt.Errorf("read lease for %s: %w", taskID, err)
	}
	if found && existing.HeldBy != holder && !existing.Expired(now) {
		return nil, &LockHeldError{Holder: existing.HeldBy, ExpiresAt: existing.ExpiresAt}
	}
	if found && existing.HeldBy != holder && existing.Expired(now) {
		m.logger.Warn("stealing expired contract lease",
			"task_id", taskID,
			"previous_holder", existing.HeldBy,
			"expired_at", existing.ExpiresAt,
			"new_holder", holder)
	}

	lock := &contract.Lock{
		HeldBy:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := m.atomic.WriteJSON(m.path(taskID), lock); err != nil {
		return nil, fmt.Errorf("write lease for %s: %w", taskID, err)
	}
	return lock, nil
}

// Refresh extends the holder's live lease. Refreshing a lease one
// does not hold is an error.
func (m *LeaseManager) Refresh(taskID, holder string) (*contract.Lock, error) {
	now := m.now().UTC()

	var existing contract.Lock
	found, err := m.atomic.ReadJSON(m.path(taskID), &existing)
	if err != nil {
		return nil, fmt.Errorf("read lease for %s: %w", taskID, err)
	}
	if !found || existing.HeldBy != holder {
		return nil, fmt.Errorf("refresh lease for %s: not held by %q", taskID, holder)
	}
	if existing.Expired(now) {
		return nil, fmt.Errorf("refresh lease for %s: lease expired at %s", taskID, existing.ExpiresAt.Format(time.RFC3339))
	}

	lock := &contract.Lock{
		HeldBy:     holder,
		AcquiredAt: existing.AcquiredAt,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := m.atomic.WriteJSON(m.path(taskID), lock); err != nil {
		return nil, fmt.Errorf("write lease for %s: %w", taskID, err)
	}
	return lock, nil
}

// Release drops the holder's lease. Releasing an already-absent lease
// is fine; releasing someone else's is an error.
func (m *LeaseManager) Release(taskID, holder string) error {
	var existing contract.Lock
	found, err := m.atomic.ReadJSON(m.path(taskID), &existing)
	if err != nil {
		return fmt.Errorf("read lease for %s: %w", taskID, err)
	}
	if !found {
		return nil
	}
	if existing.HeldBy != holder {
		return fmt.Errorf("release lease for %s: held by %q, not %q", taskID, existing.HeldBy, holder)
	}
	if err := os.Remove(m.path(taskID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lease for %s: %w", taskID, err)
	}
	return nil
}

// Holder returns the current lease, or nil when unheld.
func (m *LeaseManager) Holder(taskID string) (*contract.Lock, error) {
	var existing contract.Lock
	found, err := m.atomic.ReadJSON(m.path(taskID), &existing)
	if err != nil {
		return nil, fmt.Errorf("read lease for %s: %w", taskID, err)
	}
	if !found {
		return nil, nil
	}
	return &existing, nil
}

// Package lockcoord owns checkout and checkin state transitions,
// including cross-machine arbitration. The remote persistence service is
// the source of truth for locks; the coordinator mirrors them so the
// presentation layer can query lock state without a network round trip.
package lockcoord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pdmerrors "github.com/bluerobotics/blueplm-sync/internal/errors"
	"github.com/bluerobotics/blueplm-sync/internal/models"
)

// State is the lock state of one file relative to this client.
type State int

const (
	Unlocked State = iota
	CheckedOutByMe
	CheckedOutByMeElsewhere
	CheckedOutByOther
)

// LockService is the subset of the remote persistence service the
// coordinator needs. Extracted for testability.
type LockService interface {
	Checkout(ctx context.Context, fileID, userID, machineID string) (*models.CheckoutLock, error)
	Checkin(ctx context.Context, fileID, userID, machineID, newHash string, meta *models.PendingMetadata) (*models.RemoteRecord, error)
	ForceRelease(ctx context.Context, fileID, adminUserID string) error
	IsOnline(ctx context.Context, userID, machineID string) (bool, error)
}

// PendingSource supplies staged metadata to flush into the remote record
// on checkin. Satisfied by *state.Store.
type PendingSource interface {
	GetPending(path string) (*models.PendingMetadata, error)
	DeletePending(path string) error
}

// CheckinOptions modifies a checkin call.
type CheckinOptions struct {
	// Force confirms a checkin from a machine other than the one holding
	// the lock, after that machine was reported offline. Any unsynced
	// edits on the original machine are lost; this is never implied.
	Force bool
}

// Coordinator arbitrates exclusive edit locks for one (user, machine)
// identity. The lock table is single-writer, guarded by mu.
type Coordinator struct {
	svc     LockService
	pending PendingSource
	logger  *slog.Logger

	userID    string
	machineID string

	mu    sync.Mutex
	locks map[string]models.CheckoutLock // file id -> active lock
}

// New creates a coordinator for the given identity.
func New(svc LockService, pending PendingSource, userID, machineID string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		svc:       svc,
		pending:   pending,
		logger:    logger,
		userID:    userID,
		machineID: machineID,
		locks:     make(map[string]models.CheckoutLock),
	}
}

// Observe records lock state learned from a fetched remote record,
// keeping the mirror consistent with read-through traffic.
func (c *Coordinator) Observe(rec *models.RemoteRecord) {
	if rec == nil || rec.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !rec.CheckedOut() {
		delete(c.locks, rec.ID)
		return
	}

	c.locks[rec.ID] = models.CheckoutLock{
		FileID:    rec.ID,
		UserID:    rec.CheckedOutBy,
		MachineID: rec.CheckedOutByMachine,
	}
}

// StateOf returns the lock state of a file relative to this client.
func (c *Coordinator) StateOf(fileID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[fileID]
	if !ok {
		return Unlocked
	}

	if lock.UserID != c.userID {
		return CheckedOutByOther
	}

	if lock.MachineID != c.machineID {
		return CheckedOutByMeElsewhere
	}

	return CheckedOutByMe
}

// Holder returns the active lock for a file, or nil.
func (c *Coordinator) Holder(fileID string) *models.CheckoutLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lock, ok := c.locks[fileID]; ok {
		l := lock
		return &l
	}

	return nil
}

// Checkout acquires the exclusive edit lock for a file. Strictly
// first-come: a losing call fails with ErrAlreadyLocked and the caller
// may retry later. No side effect on local bytes.
func (c *Coordinator) Checkout(ctx context.Context, fileID string) error {
	// Fast path: a mirrored foreign lock fails without a round trip.
	c.mu.Lock()
	if lock, ok := c.locks[fileID]; ok && !lock.HeldBy(c.userID, c.machineID) {
		c.mu.Unlock()
		return c.lockedErr(lock)
	}
	c.mu.Unlock()

	lock, err := c.svc.Checkout(ctx, fileID, c.userID, c.machineID)
	if err != nil {
		return fmt.Errorf("checkout %s: %w", fileID, err)
	}

	c.mu.Lock()
	c.locks[fileID] = *lock
	c.mu.Unlock()

	c.logger.Info("checked out",
		slog.String("file_id", fileID),
		slog.String("machine_id", c.machineID),
	)

	return nil
}

// Checkin publishes local edits and releases the checkout. path is the
// vault-relative path whose staged metadata is flushed into the remote
// record; newHash is the fingerprint of the content being published.
//
// When the lock is held by this user on a different machine, the
// coordination service is asked whether that machine is online: online
// fails with ErrMachineOnlineElsewhere (the edit must be checked in
// there), offline requires opts.Force before any destructive action.
func (c *Coordinator) Checkin(ctx context.Context, fileID, path, newHash string, opts CheckinOptions) (*models.RemoteRecord, error) {
	c.mu.Lock()
	lock, held := c.locks[fileID]
	c.mu.Unlock()

	if held && lock.UserID != c.userID {
		return nil, c.lockedErr(lock)
	}

	if held && lock.MachineID != c.machineID {
		online, err := c.svc.IsOnline(ctx, lock.UserID, lock.MachineID)
		if err != nil {
			return nil, fmt.Errorf("probing liveness of %s: %w", lock.MachineID, err)
		}

		if online {
			return nil, fmt.Errorf("%s is held on machine %s: %w",
				fileID, lock.MachineID, pdmerrors.ErrMachineOnlineElsewhere)
		}

		if !opts.Force {
			return nil, fmt.Errorf("%s is held on offline machine %s: %w",
				fileID, lock.MachineID, pdmerrors.ErrForceRequired)
		}

		c.logger.Warn("forced checkin from another machine, unsynced edits there are lost",
			slog.String("file_id", fileID),
			slog.String("holding_machine", lock.MachineID),
		)
	}

	meta, err := c.pending.GetPending(path)
	if err != nil {
		return nil, fmt.Errorf("reading staged metadata for %s: %w", path, err)
	}

	rec, err := c.svc.Checkin(ctx, fileID, c.userID, c.machineID, newHash, meta)
	if err != nil {
		return nil, fmt.Errorf("checkin %s: %w", fileID, err)
	}

	// The overlay is cleared only now that the remote record carries it.
	if meta != nil {
		if err := c.pending.DeletePending(path); err != nil {
			c.logger.Warn("clearing staged metadata after checkin",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	c.mu.Lock()
	delete(c.locks, fileID)
	c.mu.Unlock()

	c.logger.Info("checked in",
		slog.String("file_id", fileID),
		slog.Int64("version", rec.Version),
	)

	return rec, nil
}

// ForceRelease is the administrative override: releases the lock
// unconditionally when the caller holds the required privilege.
func (c *Coordinator) ForceRelease(ctx context.Context, fileID, adminUserID string, privileged bool) error {
	if !privileged {
		return fmt.Errorf("force release of %s by %s: %w", fileID, adminUserID, pdmerrors.ErrNotPrivileged)
	}

	if err := c.svc.ForceRelease(ctx, fileID, adminUserID); err != nil {
		return fmt.Errorf("force release %s: %w", fileID, err)
	}

	c.mu.Lock()
	holder := c.locks[fileID]
	delete(c.locks, fileID)
	c.mu.Unlock()

	c.logger.Warn("lock force-released by administrator",
		slog.String("file_id", fileID),
		slog.String("admin", adminUserID),
		slog.String("previous_holder", holder.UserID),
		slog.String("previous_machine", holder.MachineID),
		slog.Time("at", time.Now()),
	)

	return nil
}

func (c *Coordinator) lockedErr(lock models.CheckoutLock) error {
	return fmt.Errorf("held by %s on machine %s: %w",
		lock.UserID, lock.MachineID, pdmerrors.ErrAlreadyLocked)
}

// Package status derives the sync status of a tracked path from the local
// filesystem fact and the remote record. Classification is a pure decision
// function with no I/O, safe to call on every watcher tick; absent inputs
// are valid states, not errors.
package status

import (
	"github.com/bluerobotics/blueplm-sync/internal/models"
	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

// Status is the derived sync tag for one tracked path. Exactly one status
// holds per path at any instant.
type Status int

const (
	// Synced means local bytes match the last-synced remote content.
	Synced Status = iota

	// Cloud means a remote record exists with no local bytes.
	Cloud

	// CloudNew is Cloud for a record this client has never seen before.
	CloudNew

	// Outdated means the local copy is clean but behind the remote hash.
	Outdated

	// Modified means local bytes changed since the last sync and have not
	// been checked in.
	Modified

	// Added means the file exists locally with no remote record.
	Added

	// Deleted means the remote record exists but the local bytes were
	// removed after having been downloaded.
	Deleted

	// DeletedRemote means local bytes exist but the remote record was
	// soft-deleted upstream.
	DeletedRemote

	// Ignored means the path is excluded by policy.
	Ignored
)

var statusNames = map[Status]string{
	Synced:        "synced",
	Cloud:         "cloud",
	CloudNew:      "cloud_new",
	Outdated:      "outdated",
	Modified:      "modified",
	Added:         "added",
	Deleted:       "deleted",
	DeletedRemote: "deleted_remote",
	Ignored:       "ignored",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "unknown"
}

// Input carries everything Classify needs. Entry and Record are nil when
// absent. CachedHash is the last-synced local fingerprint from the sidecar
// store (HasCached false when the file was never downloaded or checked
// in). FirstSeen is true when the per-path first-seen marker has already
// been recorded. EditPrecedesServer is true when the last local edit
// predates the currently known server hash.
type Input struct {
	Entry              *vault.FileEntry
	Record             *models.RemoteRecord
	CachedHash         string
	HasCached          bool
	FirstSeen          bool
	EditPrecedesServer bool
	Ignored            bool
}

// Classify computes the sync status for one path. Pure and total: the
// same input always yields the same single status.
func Classify(in Input) Status {
	if in.Ignored {
		return Ignored
	}

	hasEntry := in.Entry != nil
	hasRecord := in.Record != nil

	// No remote record: the path is local-only.
	if !hasRecord {
		if hasEntry {
			return Added
		}

		return Synced
	}

	// Soft-deleted upstream. Local bytes still present means the user
	// needs to decide; both sides gone means nothing to surface.
	if in.Record.Deleted {
		if hasEntry {
			return DeletedRemote
		}

		return Synced
	}

	// Record is live but no local bytes. A cached fingerprint proves the
	// file was downloaded here before, so its absence is a local delete;
	// otherwise it has simply never been pulled.
	if !hasEntry {
		if in.HasCached {
			return Deleted
		}

		if !in.FirstSeen {
			return CloudNew
		}

		return Cloud
	}

	// Both present. Never synced here: compare raw content.
	if !in.HasCached {
		if in.Entry.Hash == in.Record.Hash {
			return Synced
		}

		return Modified
	}

	// Server moved past the last sync while the local edit (if any)
	// predates it: the local copy is behind.
	if in.CachedHash != in.Record.Hash && in.EditPrecedesServer {
		return Outdated
	}

	// Local bytes changed since the last sync.
	if in.Entry.Hash != in.CachedHash {
		return Modified
	}

	if in.CachedHash != in.Record.Hash {
		return Outdated
	}

	return Synced
}

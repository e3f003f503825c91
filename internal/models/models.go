package models

import "time"

// RemoteRecord is the server-side fact about a tracked file. The engine
// holds a read-through cache of these keyed by vault-relative path; the
// remote persistence service owns them.
type RemoteRecord struct {
	ID                  string `json:"id"`
	Path                string `json:"path"`
	Hash                string `json:"hash"`
	Size                int64  `json:"size"`
	Version             int64  `json:"version"`
	State               string `json:"workflow_state"`
	CheckedOutBy        string `json:"checked_out_by,omitempty"`
	CheckedOutByMachine string `json:"checked_out_by_machine_id,omitempty"`
	Revision            string `json:"revision,omitempty"`
	PartNumber          string `json:"part_number,omitempty"`
	Description         string `json:"description,omitempty"`
	Deleted             bool   `json:"deleted"`
}

// CheckedOut reports whether the record carries an active checkout.
func (r *RemoteRecord) CheckedOut() bool {
	return r.CheckedOutBy != ""
}

// CheckoutLock is the exclusive edit lock on one file. At most one active
// lock exists per file id.
type CheckoutLock struct {
	FileID    string    `json:"file_id"`
	UserID    string    `json:"user_id"`
	MachineID string    `json:"machine_id"`
	At        time.Time `json:"at"`
}

// HeldBy reports whether the lock belongs to the given (user, machine) pair.
func (l *CheckoutLock) HeldBy(userID, machineID string) bool {
	return l.UserID == userID && l.MachineID == machineID
}

// PendingMetadata is the per-path overlay of user metadata edits that have
// not yet been published to the remote record. Edits merge by key; the
// overlay is cleared only after a successful checkin publishes it.
type PendingMetadata struct {
	PartNumber  string `json:"part_number,omitempty"`
	Description string `json:"description,omitempty"`
	Revision    string `json:"revision,omitempty"`

	// CAD-tool custom property maps. Tabs maps configuration/tab name to
	// a property map; Descriptions maps configuration name to its
	// description field.
	Tabs         map[string]map[string]string `json:"tabs,omitempty"`
	Descriptions map[string]string            `json:"descriptions,omitempty"`
}

// Empty reports whether the overlay carries no staged edits.
func (p *PendingMetadata) Empty() bool {
	return p.PartNumber == "" && p.Description == "" && p.Revision == "" &&
		len(p.Tabs) == 0 && len(p.Descriptions) == 0
}

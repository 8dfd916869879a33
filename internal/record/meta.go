package record

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDeviceID indicates a device identifier that is zero or negative.
	ErrInvalidDeviceID = errors.New("record: invalid device id")
	// ErrInvalidLocalID indicates a device-assigned record id that is zero or negative.
	ErrInvalidLocalID = errors.New("record: invalid local id")
	// ErrInvalidGroupID indicates a group identifier that is zero or negative.
	ErrInvalidGroupID = errors.New("record: invalid group id")
)

// LogicalID identifies one device-owned record across all of its server-side
// versions. LocalID is the primary key the device assigned; it stays stable
// while the device edits the record.
type LogicalID struct {
	DeviceID int64
	Era      Era
	LocalID  int64
}

// NewLogicalID validates the identity tuple and returns a LogicalID.
func NewLogicalID(deviceID int64, era Era, localID int64) (LogicalID, error) {
	if deviceID <= 0 {
		return LogicalID{}, fmt.Errorf("%w: %d", ErrInvalidDeviceID, deviceID)
	}
	if err := era.Validate(); err != nil {
		return LogicalID{}, err
	}
	if localID <= 0 {
		return LogicalID{}, fmt.Errorf("%w: %d", ErrInvalidLocalID, localID)
	}
	return LogicalID{DeviceID: deviceID, Era: era, LocalID: localID}, nil
}

// String renders the identity tuple for logs and error messages.
func (id LogicalID) String() string {
	return fmt.Sprintf("device=%d era=%s local_id=%d", id.DeviceID, id.Era, id.LocalID)
}

// Validate re-checks the tuple, for identities assembled field by field.
func (id LogicalID) Validate() error {
	_, err := NewLogicalID(id.DeviceID, id.Era, id.LocalID)
	return err
}

// VersionMeta carries the version-lineage columns shared by every synced
// table. Embed it in a table's row struct; the column set is identical across
// tables so that cross-table joins (ancillary resolution, export queries) can
// rely on a uniform shape.
type VersionMeta struct {
	ServerPK          int64      `gorm:"column:server_pk;primaryKey;autoIncrement" json:"-"`
	DeviceID          int64      `gorm:"column:device_id;not null;index" json:"-"`
	Era               Era        `gorm:"column:era;size:64;not null;index" json:"-"`
	LocalID           int64      `gorm:"column:local_id;not null;index" json:"-"`
	Current           bool       `gorm:"column:is_current;not null;index" json:"-"`
	AddedAt           time.Time  `gorm:"column:added_at" json:"-"`
	AddedBatchAt      time.Time  `gorm:"column:added_batch_time" json:"-"`
	AddedByUserID     *int64     `gorm:"column:added_by_user" json:"-"`
	RemovedAt         *time.Time `gorm:"column:removed_at" json:"-"`
	RemovedBatchAt    *time.Time `gorm:"column:removed_batch_time" json:"-"`
	RemovedByUserID   *int64     `gorm:"column:removed_by_user" json:"-"`
	PreservedByUserID *int64     `gorm:"column:preserved_by_user" json:"-"`
	ForciblyPreserved bool       `gorm:"column:forcibly_preserved;not null;default:false" json:"-"`
	PredecessorPK     *int64     `gorm:"column:predecessor_pk" json:"-"`
	SuccessorPK       *int64     `gorm:"column:successor_pk" json:"-"`
	ManuallyErased    bool       `gorm:"column:manually_erased;not null;default:false" json:"-"`
	ManuallyErasedAt  *time.Time `gorm:"column:manually_erased_at" json:"-"`
	ErasedByUserID    *int64     `gorm:"column:manually_erased_by_user" json:"-"`
	AdditionPending   bool       `gorm:"column:addition_pending;not null;default:false" json:"-"`
	RemovalPending    bool       `gorm:"column:removal_pending;not null;default:false" json:"-"`
	GroupID           int64      `gorm:"column:group_id;not null;index" json:"-"`
	MoveOffDevice     bool       `gorm:"column:move_off_device;not null;default:false" json:"-"`
	ClientVersion     string     `gorm:"column:client_version;size:32" json:"-"`
	WhenLastModified  *time.Time `gorm:"column:when_last_modified" json:"-"`
}

// Meta exposes the embedded lineage columns; embedding VersionMeta therefore
// satisfies the Versioned interface once the row type adds TableName.
func (m *VersionMeta) Meta() *VersionMeta {
	return m
}

// Identity returns the logical-record identity tuple of this version.
func (m *VersionMeta) Identity() LogicalID {
	return LogicalID{DeviceID: m.DeviceID, Era: m.Era, LocalID: m.LocalID}
}

// State derives the lifecycle state from the lineage columns.
func (m *VersionMeta) State() RecordState {
	switch {
	case m.ManuallyErased:
		return StateErased
	case m.Era.IsNow():
		return StateLive
	default:
		return StateFinalized
	}
}

// Versioned is implemented by any row type that embeds VersionMeta and binds
// itself to a table.
type Versioned interface {
	Meta() *VersionMeta
	TableName() string
}

// Erasable is implemented by row types whose content can be destroyed in
// place. ClearContent must blank every content field while leaving the
// VersionMeta columns untouched.
type Erasable interface {
	Versioned
	ClearContent()
}

// TableBinding names a synced table and knows how to allocate a fresh row for
// it. The generic operations in this package work through bindings instead of
// concrete types.
type TableBinding struct {
	Name string
	New  func() Versioned
}

func (b TableBinding) validate() error {
	if b.Name == "" {
		return errors.New("record: table binding requires a name")
	}
	if b.New == nil {
		return errors.New("record: table binding requires a row factory")
	}
	return nil
}

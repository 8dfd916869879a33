package record

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// testEraAnchor is a fixed instant used to mint finalized eras in tests.
var testEraAnchor = time.Unix(1690000000, 0).UTC()

// journalEntry is a minimal synced table used to exercise the generic
// versioning operations.
type journalEntry struct {
	VersionMeta `gorm:"embedded"`

	Body string `gorm:"column:body;type:text"`
	Mood *int64 `gorm:"column:mood"`
}

func (journalEntry) TableName() string {
	return "journal_entry"
}

func (e *journalEntry) ClearContent() {
	e.Body = ""
	e.Mood = nil
}

// journalTag is an ancillary child of journalEntry keyed by entry_id.
type journalTag struct {
	VersionMeta `gorm:"embedded"`

	EntryID int64  `gorm:"column:entry_id;index"`
	Seq     int64  `gorm:"column:seq"`
	Label   string `gorm:"column:label;size:190"`
}

func (journalTag) TableName() string {
	return "journal_tag"
}

func (t *journalTag) ClearContent() {
	t.Label = ""
}

func entryBinding() TableBinding {
	return TableBinding{Name: journalEntry{}.TableName(), New: func() Versioned { return &journalEntry{} }}
}

func tagBinding() TableBinding {
	return TableBinding{Name: journalTag{}.TableName(), New: func() Versioned { return &journalTag{} }}
}

// tickingClock hands out strictly increasing instants so provenance fields
// stay distinguishable within one test.
type tickingClock struct {
	base  time.Time
	ticks int64
}

func newTickingClock() *tickingClock {
	return &tickingClock{base: time.Unix(1700000000, 0).UTC()}
}

func (c *tickingClock) Now() time.Time {
	tick := atomic.AddInt64(&c.ticks, 1)
	return c.base.Add(time.Duration(tick) * time.Second)
}

type staticIDGenerator struct {
	prefix string
	count  int64
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.count++
	return fmt.Sprintf("%s-%d", g.prefix, g.count), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:tidemark_record_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&journalEntry{}, &journalTag{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := newTickingClock()
	service, err := NewService(ServiceConfig{
		Database:        db,
		Clock:           clock.Now,
		BatchIDProvider: &staticIDGenerator{prefix: "batch"},
	})
	if err != nil {
		t.Fatalf("failed to build record service: %v", err)
	}
	return service, db
}

func mustLogicalID(t *testing.T, deviceID int64, era Era, localID int64) LogicalID {
	t.Helper()
	id, err := NewLogicalID(deviceID, era, localID)
	if err != nil {
		t.Fatalf("unexpected logical id error: %v", err)
	}
	return id
}

func liveEntry(id LogicalID, groupID int64, body string) *journalEntry {
	entry := &journalEntry{Body: body}
	entry.DeviceID = id.DeviceID
	entry.Era = id.Era
	entry.LocalID = id.LocalID
	entry.GroupID = groupID
	return entry
}

func liveTag(id LogicalID, groupID, entryLocalID, seq int64, label string) *journalTag {
	tag := &journalTag{EntryID: entryLocalID, Seq: seq, Label: label}
	tag.DeviceID = id.DeviceID
	tag.Era = id.Era
	tag.LocalID = id.LocalID
	tag.GroupID = groupID
	return tag
}

func mustCreateInitial(t *testing.T, service *Service, table TableBinding, row Versioned, actx ActingContext) Versioned {
	t.Helper()
	created, err := service.CreateInitialVersion(context.Background(), table, row, actx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return created
}

func countRows(t *testing.T, db *gorm.DB, tableName string) int64 {
	t.Helper()
	var count int64
	if err := db.Table(tableName).Count(&count).Error; err != nil {
		t.Fatalf("failed to count %s rows: %v", tableName, err)
	}
	return count
}

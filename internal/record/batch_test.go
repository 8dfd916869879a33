package record

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApplyUploadBatchCreatesAndSupersedes(t *testing.T) {
	service, db := newTestService(t)
	actx := ActingContext{UserID: 9}
	existingID := mustLogicalID(t, 5, EraNow, 1)
	newID := mustLogicalID(t, 5, EraNow, 2)
	batchTime := time.Unix(1700001000, 0).UTC()

	mustCreateInitial(t, service, entryBinding(), liveEntry(existingID, 1, "stored"), actx)

	tuples := []UploadTuple{
		{OrderIndex: 0, Row: liveEntry(existingID, 1, "edited")},
		{OrderIndex: 1, Row: liveEntry(newID, 1, "brand new")},
	}

	result, err := service.ApplyUploadBatch(context.Background(), entryBinding(), tuples, batchTime, actx)
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected batch to be applied")
	}
	if result.BatchID == "" {
		t.Fatalf("expected a batch id")
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(result.Outcomes))
	}
	if result.Outcomes[0].Kind != OutcomeSuperseded {
		t.Fatalf("expected first tuple superseded, got %s", result.Outcomes[0].Kind)
	}
	if result.Outcomes[1].Kind != OutcomeCreated {
		t.Fatalf("expected second tuple created, got %s", result.Outcomes[1].Kind)
	}

	// Every row the batch touched shares the batch time and no pending flag
	// survives the commit.
	var pending int64
	if err := db.Table(entryBinding().Name).
		Where("addition_pending = ? OR removal_pending = ?", true, true).
		Count(&pending).Error; err != nil {
		t.Fatalf("failed to count pending rows: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected no pending rows after commit, got %d", pending)
	}

	var stamped int64
	if err := db.Table(entryBinding().Name).
		Where("added_batch_time = ?", batchTime).
		Count(&stamped).Error; err != nil {
		t.Fatalf("failed to count batch rows: %v", err)
	}
	if stamped != 2 {
		t.Fatalf("expected 2 rows stamped with the batch time, got %d", stamped)
	}
}

func TestApplyUploadBatchChainsIntraBatchDuplicates(t *testing.T) {
	service, _ := newTestService(t)
	actx := ActingContext{UserID: 9}
	id := mustLogicalID(t, 5, EraNow, 7)
	batchTime := time.Unix(1700001100, 0).UTC()

	// The same logical id twice in one batch: the second occurrence must
	// supersede the first one's result, in client-declared order.
	tuples := []UploadTuple{
		{OrderIndex: 1, Row: liveEntry(id, 1, "second")},
		{OrderIndex: 0, Row: liveEntry(id, 1, "first")},
	}

	result, err := service.ApplyUploadBatch(context.Background(), entryBinding(), tuples, batchTime, actx)
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(result.Outcomes))
	}
	if result.Outcomes[0].OrderIndex != 0 || result.Outcomes[0].Kind != OutcomeCreated {
		t.Fatalf("expected order index 0 created first, got %+v", result.Outcomes[0])
	}
	if result.Outcomes[1].OrderIndex != 1 || result.Outcomes[1].Kind != OutcomeSuperseded {
		t.Fatalf("expected order index 1 to supersede, got %+v", result.Outcomes[1])
	}

	chain, err := service.VersionChain(context.Background(), entryBinding(), id)
	if err != nil {
		t.Fatalf("unexpected chain error: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected a 2-version chain, got %d", len(chain))
	}
	head := chain[1].(*journalEntry)
	if head.Body != "second" {
		t.Fatalf("expected the later tuple to win, got body %q", head.Body)
	}
}

func TestApplyUploadBatchRollsBackWholesale(t *testing.T) {
	service, db := newTestService(t)
	actx := ActingContext{UserID: 9}
	batchTime := time.Unix(1700001200, 0).UTC()

	tuples := make([]UploadTuple, 0, 10)
	for i := 0; i < 10; i++ {
		localID := int64(i + 1)
		if i == 6 {
			localID = 0 // invalid identity: fails validation mid-batch
		}
		row := &journalEntry{Body: "row"}
		row.DeviceID = 5
		row.Era = EraNow
		row.LocalID = localID
		row.GroupID = 1
		tuples = append(tuples, UploadTuple{OrderIndex: i, Row: row})
	}

	result, err := service.ApplyUploadBatch(context.Background(), entryBinding(), tuples, batchTime, actx)
	if err == nil {
		t.Fatalf("expected batch to fail")
	}
	if result.Applied {
		t.Fatalf("expected batch not to be applied")
	}

	if rows := countRows(t, db, entryBinding().Name); rows != 0 {
		t.Fatalf("expected rollback to leave no rows, got %d", rows)
	}

	rejected := 0
	for _, outcome := range result.Outcomes {
		if outcome.Kind == OutcomeRejected {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("expected the failing tuple to be reported rejected, got %d rejections", rejected)
	}
}

func TestApplyUploadBatchDetectsIntegrityViolation(t *testing.T) {
	service, db := newTestService(t)
	actx := ActingContext{UserID: 9}
	id := mustLogicalID(t, 5, EraNow, 3)
	batchTime := time.Unix(1700001300, 0).UTC()

	mustCreateInitial(t, service, entryBinding(), liveEntry(id, 1, "stored"), actx)

	// Sabotage the store so the post-batch invariant check trips: a second
	// current row for the same logical id that the batch does not know about.
	rogue := liveEntry(id, 1, "rogue")
	rogue.Current = true
	if err := db.Table(entryBinding().Name).Create(rogue).Error; err != nil {
		t.Fatalf("failed to plant rogue row: %v", err)
	}

	tuples := []UploadTuple{{OrderIndex: 0, Row: liveEntry(id, 1, "edit")}}
	_, err := service.ApplyUploadBatch(context.Background(), entryBinding(), tuples, batchTime, actx)
	if !errors.Is(err, ErrBatchIntegrity) && !errors.Is(err, ErrCorruptChain) {
		t.Fatalf("expected an integrity failure, got %v", err)
	}
}

func TestApplyUploadBatchMovesRecordOffDevice(t *testing.T) {
	service, db := newTestService(t)
	actx := ActingContext{UserID: 9}
	id := mustLogicalID(t, 5, EraNow, 11)
	batchTime := time.Unix(1700001400, 0).UTC()

	row := liveEntry(id, 1, "final edit")
	row.MoveOffDevice = true

	result, err := service.ApplyUploadBatch(context.Background(), entryBinding(),
		[]UploadTuple{{OrderIndex: 0, Row: row}}, batchTime, actx)
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected batch to be applied")
	}

	var stored journalEntry
	if err := db.Table(entryBinding().Name).
		Where("device_id = ? AND local_id = ?", id.DeviceID, id.LocalID).
		Take(&stored).Error; err != nil {
		t.Fatalf("failed to load preserved row: %v", err)
	}
	if stored.Era.IsNow() {
		t.Fatalf("expected record to leave the live era")
	}
	if stored.ForciblyPreserved {
		t.Fatalf("device-initiated preservation must not be marked forced")
	}
	if stored.PreservedByUserID == nil || *stored.PreservedByUserID != 9 {
		t.Fatalf("expected preserving user 9, got %#v", stored.PreservedByUserID)
	}
	if stored.MoveOffDevice {
		t.Fatalf("expected move-off flag to clear after preservation")
	}
}

func TestPendingVersionsSurfacesLeftoverFlags(t *testing.T) {
	service, db := newTestService(t)
	actx := ActingContext{UserID: 9}
	id := mustLogicalID(t, 5, EraNow, 21)

	mustCreateInitial(t, service, entryBinding(), liveEntry(id, 1, "fine"), actx)

	// Simulate a crashed batch that left a row flagged.
	orphan := liveEntry(mustLogicalID(t, 5, EraNow, 22), 1, "orphan")
	orphan.Current = true
	orphan.AdditionPending = true
	if err := db.Table(entryBinding().Name).Create(orphan).Error; err != nil {
		t.Fatalf("failed to plant orphan row: %v", err)
	}

	var leftover []journalEntry
	if err := service.PendingVersions(context.Background(), entryBinding(), &leftover); err != nil {
		t.Fatalf("unexpected pending query error: %v", err)
	}
	if len(leftover) != 1 {
		t.Fatalf("expected 1 pending row, got %d", len(leftover))
	}
	if leftover[0].LocalID != 22 {
		t.Fatalf("expected the orphan row, got local id %d", leftover[0].LocalID)
	}
}

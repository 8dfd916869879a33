package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutcomeKind classifies what an upload tuple did to its logical record.
type OutcomeKind string

const (
	// OutcomeCreated means no current version existed and an initial one was
	// inserted.
	OutcomeCreated OutcomeKind = "created"
	// OutcomeSuperseded means the existing current version was retired in
	// favour of the uploaded one.
	OutcomeSuperseded OutcomeKind = "superseded"
	// OutcomeRejected means the tuple failed validation or was never reached
	// because the batch aborted.
	OutcomeRejected OutcomeKind = "rejected"
)

// UploadTuple is one record in an upload batch. Row carries the identity
// tuple, group, and content fields decoded by the transport boundary;
// OrderIndex is the client-declared position within the batch.
type UploadTuple struct {
	OrderIndex int
	Row        Versioned
}

// TupleOutcome reports what happened (or would have happened) to one tuple.
type TupleOutcome struct {
	OrderIndex int
	LogicalID  LogicalID
	Kind       OutcomeKind
	ServerPK   int64
	Reason     string
}

// BatchResult enumerates per-tuple outcomes for one upload batch. When
// Applied is false the transaction was rolled back wholesale and no outcome
// was persisted; the list then only describes the attempt for diagnostics.
type BatchResult struct {
	BatchID   string
	BatchTime time.Time
	Applied   bool
	Outcomes  []TupleOutcome
}

// ApplyUploadBatch applies a batch of incoming tuples for one device/era in
// client-declared order, inside one transaction. Every row the batch touches
// shares the same added/removed batch time so a later audit can attribute all
// current-flag changes to this one upload event. After all rows are written a
// final integrity pass re-checks the single-current invariant for every
// logical id in the batch and rolls the whole batch back on violation.
func (s *Service) ApplyUploadBatch(ctx context.Context, table TableBinding, tuples []UploadTuple, batchTime time.Time, actx ActingContext) (BatchResult, error) {
	result := BatchResult{BatchTime: batchTime.UTC()}
	if err := table.validate(); err != nil {
		return result, newServiceError(opApplyBatch, "invalid_table_binding", err)
	}

	batchID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opApplyBatch, "id_generation_failed", err)
		return result, newServiceError(opApplyBatch, "id_generation_failed", err)
	}
	result.BatchID = batchID
	result.Outcomes = make([]TupleOutcome, 0, len(tuples))

	ordered := make([]UploadTuple, len(tuples))
	copy(ordered, tuples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})

	actx.BatchTime = batchTime.UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := make(map[LogicalID]bool, len(ordered))
		preserve := make([]LogicalID, 0)

		for _, tuple := range ordered {
			if tuple.Row == nil {
				result.rejectFrom(tuple, "missing_row")
				return newServiceError(opApplyBatch, "missing_row",
					fmt.Errorf("tuple %d has no row", tuple.OrderIndex))
			}
			meta := tuple.Row.Meta()
			id := meta.Identity()
			if err := id.Validate(); err != nil {
				result.rejectFrom(tuple, "invalid_identity")
				return newServiceError(opApplyBatch, "invalid_identity", err)
			}

			// Re-reading the head inside the loop makes an intra-batch
			// duplicate supersede the earlier tuple's result, not the
			// pre-batch current version.
			head, err := s.chainHeadTx(tx, table, id, true)
			switch {
			case err == nil:
				if err := s.supersedeTx(tx, table, head, tuple.Row, actx, true); err != nil {
					result.rejectFrom(tuple, reasonOf(err))
					return err
				}
				result.Outcomes = append(result.Outcomes, TupleOutcome{
					OrderIndex: tuple.OrderIndex,
					LogicalID:  id,
					Kind:       OutcomeSuperseded,
					ServerPK:   meta.ServerPK,
				})
			case errors.Is(err, ErrNoSuchRecord):
				if err := s.createInitialTx(tx, table, tuple.Row, actx, true); err != nil {
					result.rejectFrom(tuple, reasonOf(err))
					return err
				}
				result.Outcomes = append(result.Outcomes, TupleOutcome{
					OrderIndex: tuple.OrderIndex,
					LogicalID:  id,
					Kind:       OutcomeCreated,
					ServerPK:   meta.ServerPK,
				})
			default:
				result.rejectFrom(tuple, reasonOf(err))
				return err
			}

			if !seen[id] {
				seen[id] = true
			}
			if meta.MoveOffDevice && id.Era.IsNow() {
				preserve = append(preserve, id)
			}
		}

		if err := s.verifyBatchIntegrityTx(tx, table, seen); err != nil {
			return err
		}

		if err := s.clearPendingTx(tx, table, actx.BatchTime); err != nil {
			return err
		}

		// Device-initiated preservation: records flagged for move-off leave
		// the live era as the batch commits, whole chain at once.
		if len(preserve) > 0 {
			newEra := EraAt(actx.BatchTime)
			for _, id := range preserve {
				if err := s.preserveChainTx(tx, table, id, newEra, actx.userIDPtr(), false); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if txErr != nil {
		s.logError(opApplyBatch, "batch_aborted", txErr,
			zap.String("batch_id", batchID),
			zap.String("table", table.Name))
		return result, txErr
	}

	result.Applied = true
	return result, nil
}

// PendingVersions loads rows still flagged addition- or removal-pending into
// dest. The flags are advisory: a populated result after a crash means a
// batch died between write and confirmation and wants operator review.
func (s *Service) PendingVersions(ctx context.Context, table TableBinding, dest any) error {
	if err := table.validate(); err != nil {
		return newServiceError(opPendingVersions, "invalid_table_binding", err)
	}
	if err := s.db.WithContext(ctx).
		Table(table.Name).
		Where("addition_pending = ? OR removal_pending = ?", true, true).
		Order("server_pk ASC").
		Find(dest).Error; err != nil {
		s.logError(opPendingVersions, "query_failed", err, zap.String("table", table.Name))
		return newServiceError(opPendingVersions, "query_failed", err)
	}
	return nil
}

func (s *Service) verifyBatchIntegrityTx(tx *gorm.DB, table TableBinding, ids map[LogicalID]bool) error {
	for id := range ids {
		var current int64
		if err := tx.Table(table.Name).
			Where("device_id = ? AND era = ? AND local_id = ? AND is_current = ?",
				id.DeviceID, id.Era, id.LocalID, true).
			Count(&current).Error; err != nil {
			s.logError(opApplyBatch, "integrity_count_failed", err, zap.String("logical_id", id.String()))
			return newServiceError(opApplyBatch, "integrity_count_failed", err)
		}
		if current != 1 {
			return newServiceError(opApplyBatch, "batch_integrity",
				fmt.Errorf("%w: %d current versions for %s", ErrBatchIntegrity, current, id))
		}
	}
	return nil
}

func (s *Service) clearPendingTx(tx *gorm.DB, table TableBinding, batchAt time.Time) error {
	if err := tx.Table(table.Name).
		Where("addition_pending = ? AND added_batch_time = ?", true, batchAt).
		Update("addition_pending", false).Error; err != nil {
		return newServiceError(opApplyBatch, "clear_addition_pending_failed", err)
	}
	if err := tx.Table(table.Name).
		Where("removal_pending = ? AND removed_batch_time = ?", true, batchAt).
		Update("removal_pending", false).Error; err != nil {
		return newServiceError(opApplyBatch, "clear_removal_pending_failed", err)
	}
	return nil
}

func (r *BatchResult) rejectFrom(tuple UploadTuple, reason string) {
	outcome := TupleOutcome{
		OrderIndex: tuple.OrderIndex,
		Kind:       OutcomeRejected,
		Reason:     reason,
	}
	if tuple.Row != nil {
		outcome.LogicalID = tuple.Row.Meta().Identity()
	}
	r.Outcomes = append(r.Outcomes, outcome)
}

// reasonOf extracts the dotted code of a ServiceError for outcome reporting.
func reasonOf(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code()
	}
	return err.Error()
}

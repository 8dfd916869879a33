package record

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ForcePreserveTable moves every live record of one device out of the live
// era, stamping forcibly_preserved and the acting user. One fresh era
// timestamp is shared by the whole call so an audit can identify everything
// this one action preserved. Returns the number of rows preserved.
func (s *Service) ForcePreserveTable(ctx context.Context, table TableBinding, deviceID int64, actingUser int64) (int64, error) {
	counts, _, err := s.ForciblyFinalizeDevice(ctx, []TableBinding{table}, deviceID, actingUser)
	if err != nil {
		return 0, err
	}
	return counts[table.Name], nil
}

// ForciblyFinalizeDevice runs forced preservation across every given table
// for one device in a single transaction, all tables sharing one fresh era.
// Returns per-table row counts and the era used.
func (s *Service) ForciblyFinalizeDevice(ctx context.Context, tables []TableBinding, deviceID int64, actingUser int64) (map[string]int64, Era, error) {
	if deviceID <= 0 {
		return nil, "", newServiceError(opForcePreserve, "invalid_device",
			fmt.Errorf("%w: %d", ErrInvalidDeviceID, deviceID))
	}
	for _, table := range tables {
		if err := table.validate(); err != nil {
			return nil, "", newServiceError(opForcePreserve, "invalid_table_binding", err)
		}
	}

	newEra := EraAt(s.clock())
	user := actingUser
	counts := make(map[string]int64, len(tables))

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			result := tx.Table(table.Name).
				Where("device_id = ? AND era = ?", deviceID, EraNow).
				Updates(map[string]any{
					"era":                newEra,
					"forcibly_preserved": true,
					"preserved_by_user":  user,
				})
			if result.Error != nil {
				s.logError(opForcePreserve, "update_failed", result.Error,
					zap.String("table", table.Name), zap.Int64("device_id", deviceID))
				return newServiceError(opForcePreserve, "update_failed", result.Error)
			}
			counts[table.Name] = result.RowsAffected
		}
		return nil
	})
	if txErr != nil {
		return nil, "", txErr
	}

	s.loggerOrDefault().Info("device records forcibly preserved",
		zap.Int64("device_id", deviceID),
		zap.String("era", newEra.String()),
		zap.Int64("acting_user", actingUser))
	return counts, newEra, nil
}

// EraseLogicalRecord destroys the content of a finalized record in place,
// keeping the placeholder row. Erasing an already-erased record is an
// idempotent success; erasing a record still live on its device fails with
// ErrRecordStillLive and does not finalize it first.
func (s *Service) EraseLogicalRecord(ctx context.Context, table TableBinding, id LogicalID, actingUser int64) (Versioned, error) {
	if err := table.validate(); err != nil {
		return nil, newServiceError(opEraseRecord, "invalid_table_binding", err)
	}
	if err := id.Validate(); err != nil {
		return nil, newServiceError(opEraseRecord, "invalid_identity", err)
	}

	var head Versioned
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.chainHeadTx(tx, table, id, true)
		if err != nil {
			return err
		}
		erased, err := s.eraseHeadTx(tx, table, found, actingUser)
		if err != nil {
			return err
		}
		head = erased
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return head, nil
}

func (s *Service) eraseHeadTx(tx *gorm.DB, table TableBinding, head Versioned, actingUser int64) (Versioned, error) {
	meta := head.Meta()
	id := meta.Identity()

	if meta.Era.IsNow() {
		return nil, newServiceError(opEraseRecord, "record_still_live",
			fmt.Errorf("%w: %s", ErrRecordStillLive, id))
	}
	if meta.RemovalPending || meta.AdditionPending {
		return nil, newServiceError(opEraseRecord, "record_pending",
			fmt.Errorf("%w: %s has a pending batch", ErrStaleVersion, id))
	}
	if meta.ManuallyErased {
		// Idempotent: already erased reports success, state unchanged.
		return head, nil
	}

	erasable, ok := head.(Erasable)
	if !ok {
		return nil, newServiceError(opEraseRecord, "not_erasable",
			fmt.Errorf("%w: table %s", ErrNotErasable, table.Name))
	}

	now := s.clock().UTC()
	user := actingUser
	erasable.ClearContent()
	meta.ManuallyErased = true
	meta.ManuallyErasedAt = &now
	meta.ErasedByUserID = &user

	if err := tx.Table(table.Name).Save(head).Error; err != nil {
		s.logError(opEraseRecord, "save_failed", err, zap.String("logical_id", id.String()))
		return nil, newServiceError(opEraseRecord, "save_failed", err)
	}

	s.loggerOrDefault().Info("record content erased",
		zap.String("table", table.Name),
		zap.String("logical_id", id.String()),
		zap.Int64("acting_user", actingUser))
	return head, nil
}

// DeleteLogicalRecords physically removes every version in each given logical
// record's chain, collected by server primary key rather than content match.
// It does not cascade; callers must have removed ancillary rows first.
// Returns the number of physical rows deleted.
func (s *Service) DeleteLogicalRecords(ctx context.Context, table TableBinding, ids []LogicalID) (int64, error) {
	if err := table.validate(); err != nil {
		return 0, newServiceError(opDeleteRecords, "invalid_table_binding", err)
	}
	for _, id := range ids {
		if err := id.Validate(); err != nil {
			return 0, newServiceError(opDeleteRecords, "invalid_identity",
				fmt.Errorf("%s: %w", id, err))
		}
	}

	var deleted int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			var pks []int64
			if err := tx.Table(table.Name).
				Where("device_id = ? AND era = ? AND local_id = ?", id.DeviceID, id.Era, id.LocalID).
				Pluck("server_pk", &pks).Error; err != nil {
				s.logError(opDeleteRecords, "pk_lookup_failed", err, zap.String("logical_id", id.String()))
				return newServiceError(opDeleteRecords, "pk_lookup_failed", err)
			}
			if len(pks) == 0 {
				continue
			}
			result := tx.Table(table.Name).
				Where("server_pk IN ?", pks).
				Delete(table.New())
			if result.Error != nil {
				s.logError(opDeleteRecords, "delete_failed", result.Error, zap.String("logical_id", id.String()))
				return newServiceError(opDeleteRecords, "delete_failed", result.Error)
			}
			deleted += result.RowsAffected
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return deleted, nil
}

// CurrentFilter narrows CurrentRecords reads. Zero-valued fields are ignored.
type CurrentFilter struct {
	DeviceID int64
	GroupID  int64
	Era      Era
}

// CurrentRecords loads all current rows matching the filter into dest,
// ordered by server primary key. The read transaction guarantees a
// single-current-per-logical-id snapshot as of its start; export and
// reporting boundaries build on this.
func (s *Service) CurrentRecords(ctx context.Context, table TableBinding, filter CurrentFilter, dest any) error {
	if err := table.validate(); err != nil {
		return newServiceError(opCurrentRecords, "invalid_table_binding", err)
	}
	query := s.db.WithContext(ctx).
		Table(table.Name).
		Where("is_current = ?", true)
	if filter.DeviceID > 0 {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.GroupID > 0 {
		query = query.Where("group_id = ?", filter.GroupID)
	}
	if filter.Era != "" {
		query = query.Where("era = ?", filter.Era)
	}
	if err := query.Order("server_pk ASC").Find(dest).Error; err != nil {
		s.logError(opCurrentRecords, "query_failed", err, zap.String("table", table.Name))
		return newServiceError(opCurrentRecords, "query_failed", err)
	}
	return nil
}

// preserveChainTx moves every version of one logical record out of the live
// era in one update, for device-initiated preservation at batch commit.
func (s *Service) preserveChainTx(tx *gorm.DB, table TableBinding, id LogicalID, newEra Era, userID *int64, forced bool) error {
	result := tx.Table(table.Name).
		Where("device_id = ? AND era = ? AND local_id = ?", id.DeviceID, EraNow, id.LocalID).
		Updates(map[string]any{
			"era":                newEra,
			"forcibly_preserved": forced,
			"preserved_by_user":  userID,
			"move_off_device":    false,
		})
	if result.Error != nil {
		s.logError(opApplyBatch, "preserve_failed", result.Error, zap.String("logical_id", id.String()))
		return newServiceError(opApplyBatch, "preserve_failed", result.Error)
	}
	return nil
}

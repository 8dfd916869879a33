package record

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateInitialVersion inserts the first version of a logical record. The row
// must carry its identity tuple, group, and content; lineage columns are
// stamped here. Fails with ErrDuplicateLogicalRecord if a current version
// already exists for the identity.
func (s *Service) CreateInitialVersion(ctx context.Context, table TableBinding, row Versioned, actx ActingContext) (Versioned, error) {
	if err := table.validate(); err != nil {
		return nil, newServiceError(opCreateInitial, "invalid_table_binding", err)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.createInitialTx(tx, table, row, actx, false); err != nil {
			return err
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return row, nil
}

// Supersede replaces the current version of a logical record with a new one.
// Only legal while old is current; a lost-update race surfaces as
// ErrStaleVersion.
func (s *Service) Supersede(ctx context.Context, table TableBinding, old, replacement Versioned, actx ActingContext) (Versioned, error) {
	if err := table.validate(); err != nil {
		return nil, newServiceError(opSupersede, "invalid_table_binding", err)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.supersedeTx(tx, table, old, replacement, actx, false)
	})
	if txErr != nil {
		return nil, txErr
	}
	return replacement, nil
}

// ResolveChainHead walks the successor links from the oldest stored version to
// the terminal (current) version of the logical record. The walk is O(chain
// length) and fails with ErrCorruptChain on a cycle or broken link.
func (s *Service) ResolveChainHead(ctx context.Context, table TableBinding, id LogicalID) (Versioned, error) {
	if err := table.validate(); err != nil {
		return nil, newServiceError(opResolveChainHead, "invalid_table_binding", err)
	}
	head, err := s.chainHeadTx(s.db.WithContext(ctx), table, id, false)
	if err != nil {
		return nil, err
	}
	return head, nil
}

// VersionChain returns every version of the logical record ordered oldest to
// current, verifying that the links form one unbroken chain.
func (s *Service) VersionChain(ctx context.Context, table TableBinding, id LogicalID) ([]Versioned, error) {
	if err := table.validate(); err != nil {
		return nil, newServiceError(opVersionChain, "invalid_table_binding", err)
	}

	tx := s.db.WithContext(ctx)
	var total int64
	if err := tx.Table(table.Name).
		Where("device_id = ? AND era = ? AND local_id = ?", id.DeviceID, id.Era, id.LocalID).
		Count(&total).Error; err != nil {
		s.logError(opVersionChain, "count_failed", err, zap.String("logical_id", id.String()))
		return nil, newServiceError(opVersionChain, "count_failed", err)
	}
	if total == 0 {
		return nil, newServiceError(opVersionChain, "not_found", fmt.Errorf("%w: %s", ErrNoSuchRecord, id))
	}

	chain := make([]Versioned, 0, total)
	visited := make(map[int64]bool, total)
	current, err := s.chainRootTx(tx, table, id, false)
	if err != nil {
		return nil, err
	}
	for {
		meta := current.Meta()
		if visited[meta.ServerPK] {
			return nil, newServiceError(opVersionChain, "cycle_detected",
				fmt.Errorf("%w: cycle at server_pk %d for %s", ErrCorruptChain, meta.ServerPK, id))
		}
		visited[meta.ServerPK] = true
		chain = append(chain, current)
		if meta.SuccessorPK == nil {
			break
		}
		current, err = s.versionByPKTx(tx, table, *meta.SuccessorPK, false)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, newServiceError(opVersionChain, "broken_link",
					fmt.Errorf("%w: missing successor %d for %s", ErrCorruptChain, *meta.SuccessorPK, id))
			}
			return nil, err
		}
	}

	// N versions must be reached in exactly N-1 hops.
	if int64(len(chain)) != total {
		return nil, newServiceError(opVersionChain, "orphan_versions",
			fmt.Errorf("%w: chain covers %d of %d versions for %s", ErrCorruptChain, len(chain), total, id))
	}
	head := chain[len(chain)-1].Meta()
	if !head.Current {
		return nil, newServiceError(opVersionChain, "terminal_not_current",
			fmt.Errorf("%w: terminal version %d not current for %s", ErrCorruptChain, head.ServerPK, id))
	}
	return chain, nil
}

func (s *Service) createInitialTx(tx *gorm.DB, table TableBinding, row Versioned, actx ActingContext, pending bool) error {
	meta := row.Meta()
	id := meta.Identity()
	if err := id.Validate(); err != nil {
		return newServiceError(opCreateInitial, "invalid_identity", err)
	}
	if meta.GroupID <= 0 {
		return newServiceError(opCreateInitial, "invalid_group", fmt.Errorf("%w: %d", ErrInvalidGroupID, meta.GroupID))
	}

	var existing int64
	if err := tx.Table(table.Name).
		Where("device_id = ? AND era = ? AND local_id = ? AND is_current = ?",
			id.DeviceID, id.Era, id.LocalID, true).
		Count(&existing).Error; err != nil {
		s.logError(opCreateInitial, "current_lookup_failed", err, zap.String("logical_id", id.String()))
		return newServiceError(opCreateInitial, "current_lookup_failed", err)
	}
	if existing > 0 {
		return newServiceError(opCreateInitial, "duplicate_logical_record",
			fmt.Errorf("%w: %s", ErrDuplicateLogicalRecord, id))
	}

	now := s.clock().UTC()
	meta.ServerPK = 0
	meta.Current = true
	meta.AdditionPending = pending
	meta.RemovalPending = false
	meta.PredecessorPK = nil
	meta.SuccessorPK = nil
	meta.AddedAt = now
	meta.AddedBatchAt = actx.BatchTime.UTC()
	meta.AddedByUserID = actx.userIDPtr()
	if actx.ClientVersion != "" {
		meta.ClientVersion = actx.ClientVersion
	}

	if err := tx.Table(table.Name).Create(row).Error; err != nil {
		s.logError(opCreateInitial, "insert_failed", err, zap.String("logical_id", id.String()))
		return newServiceError(opCreateInitial, "insert_failed", err)
	}
	return nil
}

func (s *Service) supersedeTx(tx *gorm.DB, table TableBinding, old, replacement Versioned, actx ActingContext, pending bool) error {
	oldMeta := old.Meta()
	if !oldMeta.Current {
		return newServiceError(opSupersede, "stale_version",
			fmt.Errorf("%w: server_pk %d already superseded", ErrStaleVersion, oldMeta.ServerPK))
	}

	id := oldMeta.Identity()
	now := s.clock().UTC()
	batchAt := actx.BatchTime.UTC()

	newMeta := replacement.Meta()
	newMeta.ServerPK = 0
	newMeta.DeviceID = id.DeviceID
	newMeta.Era = id.Era
	newMeta.LocalID = id.LocalID
	newMeta.GroupID = oldMeta.GroupID
	newMeta.Current = true
	newMeta.AdditionPending = pending
	newMeta.RemovalPending = false
	predecessor := oldMeta.ServerPK
	newMeta.PredecessorPK = &predecessor
	newMeta.SuccessorPK = nil
	newMeta.AddedAt = now
	newMeta.AddedBatchAt = batchAt
	newMeta.AddedByUserID = actx.userIDPtr()
	if actx.ClientVersion != "" {
		newMeta.ClientVersion = actx.ClientVersion
	}

	if err := tx.Table(table.Name).Create(replacement).Error; err != nil {
		s.logError(opSupersede, "insert_failed", err, zap.String("logical_id", id.String()))
		return newServiceError(opSupersede, "insert_failed", err)
	}

	// The current flag flips under a guard on its prior value; losing a race
	// leaves RowsAffected at zero and surfaces as a stale version.
	retire := map[string]any{
		"is_current":         false,
		"successor_pk":       newMeta.ServerPK,
		"removed_at":         now,
		"removed_batch_time": batchAt,
		"removed_by_user":    actx.userIDPtr(),
		"removal_pending":    pending,
	}
	result := tx.Table(table.Name).
		Where("server_pk = ? AND is_current = ?", oldMeta.ServerPK, true).
		Updates(retire)
	if result.Error != nil {
		s.logError(opSupersede, "retire_failed", result.Error, zap.String("logical_id", id.String()))
		return newServiceError(opSupersede, "retire_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSupersede, "stale_version",
			fmt.Errorf("%w: server_pk %d retired concurrently", ErrStaleVersion, oldMeta.ServerPK))
	}

	oldMeta.Current = false
	successor := newMeta.ServerPK
	oldMeta.SuccessorPK = &successor
	oldMeta.RemovedAt = &now
	oldMeta.RemovedBatchAt = &batchAt
	oldMeta.RemovedByUserID = actx.userIDPtr()
	oldMeta.RemovalPending = pending
	return nil
}

// chainHeadTx finds the terminal (current) version by walking successor links
// from the oldest stored version, detecting cycles and broken links.
func (s *Service) chainHeadTx(tx *gorm.DB, table TableBinding, id LogicalID, lock bool) (Versioned, error) {
	current, err := s.chainRootTx(tx, table, id, lock)
	if err != nil {
		return nil, err
	}

	visited := map[int64]bool{}
	for {
		meta := current.Meta()
		if visited[meta.ServerPK] {
			return nil, newServiceError(opResolveChainHead, "cycle_detected",
				fmt.Errorf("%w: cycle at server_pk %d for %s", ErrCorruptChain, meta.ServerPK, id))
		}
		visited[meta.ServerPK] = true
		if meta.SuccessorPK == nil {
			if !meta.Current {
				return nil, newServiceError(opResolveChainHead, "terminal_not_current",
					fmt.Errorf("%w: terminal version %d not current for %s", ErrCorruptChain, meta.ServerPK, id))
			}
			return current, nil
		}
		next, err := s.versionByPKTx(tx, table, *meta.SuccessorPK, lock)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, newServiceError(opResolveChainHead, "broken_link",
					fmt.Errorf("%w: missing successor %d for %s", ErrCorruptChain, *meta.SuccessorPK, id))
			}
			return nil, err
		}
		current = next
	}
}

func (s *Service) chainRootTx(tx *gorm.DB, table TableBinding, id LogicalID, lock bool) (Versioned, error) {
	query := tx.Table(table.Name).
		Where("device_id = ? AND era = ? AND local_id = ?", id.DeviceID, id.Era, id.LocalID).
		Order("server_pk ASC")
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	root := table.New()
	if err := query.Take(root).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(opResolveChainHead, "not_found",
				fmt.Errorf("%w: %s", ErrNoSuchRecord, id))
		}
		s.logError(opResolveChainHead, "root_lookup_failed", err, zap.String("logical_id", id.String()))
		return nil, newServiceError(opResolveChainHead, "root_lookup_failed", err)
	}
	return root, nil
}

func (s *Service) versionByPKTx(tx *gorm.DB, table TableBinding, serverPK int64, lock bool) (Versioned, error) {
	query := tx.Table(table.Name).Where("server_pk = ?", serverPK)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	row := table.New()
	if err := query.Take(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

package record

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Children loads the current child rows of a parent logical record into dest,
// ordered by orderColumn. Child rows reference the parent by its device-local
// id, so the join carries the full identity: fkColumn = parent local id, same
// device, same era, child current. A retired parent version resolves to no
// children. Strictly read-only; children are versioned independently through
// the same upload rules as any other table.
func (s *Service) Children(ctx context.Context, parent Versioned, child TableBinding, fkColumn, orderColumn string, dest any) error {
	if parent == nil {
		return newServiceError(opChildren, "missing_parent", fmt.Errorf("parent row is required"))
	}
	if err := child.validate(); err != nil {
		return newServiceError(opChildren, "invalid_table_binding", err)
	}
	if err := validColumn(fkColumn); err != nil {
		return newServiceError(opChildren, "invalid_fk_column", err)
	}
	if err := validColumn(orderColumn); err != nil {
		return newServiceError(opChildren, "invalid_order_column", err)
	}

	meta := parent.Meta()
	if !meta.Current {
		// Children belong to the logical record, which the retired version
		// no longer represents.
		return nil
	}

	if err := s.db.WithContext(ctx).
		Table(child.Name).
		Where(fmt.Sprintf("%s = ?", fkColumn), meta.LocalID).
		Where("device_id = ? AND era = ? AND is_current = ?", meta.DeviceID, meta.Era, true).
		Order(orderColumn + " ASC").
		Find(dest).Error; err != nil {
		s.logError(opChildren, "query_failed", err,
			zap.String("child_table", child.Name),
			zap.String("parent_id", meta.Identity().String()))
		return newServiceError(opChildren, "query_failed", err)
	}
	return nil
}

package survey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perimetriclabs/tidemark/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingRecordService = errors.New("record service is required")
	noOpLogger              = zap.NewNop()
)

const (
	opServiceNew    = "survey.service.new"
	opDeletePatient = "survey.delete_patient"
	opErasePatient  = "survey.erase_patient"
)

// ServiceConfig describes the dependencies of the survey admin service.
type ServiceConfig struct {
	Database *gorm.DB
	Records  *record.Service
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service composes the generic record operations into patient-scoped
// administrative cascades across the survey tables.
type Service struct {
	db      *gorm.DB
	records *record.Service
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingDatabase)
	}
	if cfg.Records == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingRecordService)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:      cfg.Database,
		records: cfg.Records,
		clock:   clock,
		logger:  logger,
	}, nil
}

// DeletionSummary counts the physical rows a patient cascade removed.
type DeletionSummary struct {
	PatientRows int64
	SurveyRows  int64
	ItemRows    int64
}

// Total sums the removed rows across tables.
func (d DeletionSummary) Total() int64 {
	return d.PatientRows + d.SurveyRows + d.ItemRows
}

type idPair struct {
	Era     record.Era
	LocalID int64
}

// DeletePatient physically removes a patient and every associated survey and
// ancillary item, all versions included, in one transaction. Children are
// removed before their parents so no cross-reference is left dangling.
func (s *Service) DeletePatient(ctx context.Context, deviceID, patientLocalID int64) (DeletionSummary, error) {
	var summary DeletionSummary
	if deviceID <= 0 || patientLocalID <= 0 {
		return summary, fmt.Errorf("%s: invalid patient reference device=%d local_id=%d",
			opDeletePatient, deviceID, patientLocalID)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records := s.records.WithTx(tx)

		patientIDs, err := s.logicalIDsTx(tx, Patient{}.TableName(), "local_id = ?", deviceID, patientLocalID)
		if err != nil {
			return err
		}
		if len(patientIDs) == 0 {
			return fmt.Errorf("%s: no patient for device=%d local_id=%d",
				opDeletePatient, deviceID, patientLocalID)
		}

		surveyIDs, err := s.logicalIDsTx(tx, Survey{}.TableName(), "patient_id = ?", deviceID, patientLocalID)
		if err != nil {
			return err
		}

		var itemIDs []record.LogicalID
		if len(surveyIDs) > 0 {
			surveyLocals := make([]int64, 0, len(surveyIDs))
			for _, id := range surveyIDs {
				surveyLocals = append(surveyLocals, id.LocalID)
			}
			itemIDs, err = s.logicalIDsTx(tx, SurveyItem{}.TableName(), "survey_id IN ?", deviceID, surveyLocals)
			if err != nil {
				return err
			}
		}

		if summary.ItemRows, err = records.DeleteLogicalRecords(ctx, SurveyItemBinding(), itemIDs); err != nil {
			return err
		}
		if summary.SurveyRows, err = records.DeleteLogicalRecords(ctx, SurveyBinding(), surveyIDs); err != nil {
			return err
		}
		if summary.PatientRows, err = records.DeleteLogicalRecords(ctx, PatientBinding(), patientIDs); err != nil {
			return err
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("patient deletion failed",
			zap.Int64("device_id", deviceID),
			zap.Int64("patient_local_id", patientLocalID),
			zap.Error(txErr))
		return DeletionSummary{}, txErr
	}

	s.logger.Info("patient deleted",
		zap.Int64("device_id", deviceID),
		zap.Int64("patient_local_id", patientLocalID),
		zap.Int64("rows_removed", summary.Total()))
	return summary, nil
}

// ErasePatient destroys the content of a patient's finalized records and
// every associated survey and item, keeping placeholders. Any record still
// live on the device aborts the whole call; nothing is finalized implicitly.
func (s *Service) ErasePatient(ctx context.Context, deviceID, patientLocalID, actingUser int64) (int, error) {
	if deviceID <= 0 || patientLocalID <= 0 {
		return 0, fmt.Errorf("%s: invalid patient reference device=%d local_id=%d",
			opErasePatient, deviceID, patientLocalID)
	}

	erased := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records := s.records.WithTx(tx)

		patientIDs, err := s.logicalIDsTx(tx, Patient{}.TableName(), "local_id = ?", deviceID, patientLocalID)
		if err != nil {
			return err
		}
		if len(patientIDs) == 0 {
			return fmt.Errorf("%s: no patient for device=%d local_id=%d",
				opErasePatient, deviceID, patientLocalID)
		}
		surveyIDs, err := s.logicalIDsTx(tx, Survey{}.TableName(), "patient_id = ?", deviceID, patientLocalID)
		if err != nil {
			return err
		}
		var itemIDs []record.LogicalID
		if len(surveyIDs) > 0 {
			surveyLocals := make([]int64, 0, len(surveyIDs))
			for _, id := range surveyIDs {
				surveyLocals = append(surveyLocals, id.LocalID)
			}
			itemIDs, err = s.logicalIDsTx(tx, SurveyItem{}.TableName(), "survey_id IN ?", deviceID, surveyLocals)
			if err != nil {
				return err
			}
		}

		plan := []struct {
			binding record.TableBinding
			ids     []record.LogicalID
		}{
			{SurveyItemBinding(), itemIDs},
			{SurveyBinding(), surveyIDs},
			{PatientBinding(), patientIDs},
		}
		for _, step := range plan {
			for _, id := range step.ids {
				if _, err := records.EraseLogicalRecord(ctx, step.binding, id, actingUser); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				erased++
			}
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("patient erasure failed",
			zap.Int64("device_id", deviceID),
			zap.Int64("patient_local_id", patientLocalID),
			zap.Error(txErr))
		return 0, txErr
	}

	s.logger.Info("patient content erased",
		zap.Int64("device_id", deviceID),
		zap.Int64("patient_local_id", patientLocalID),
		zap.Int("records_erased", erased))
	return erased, nil
}

// logicalIDsTx collects the distinct logical identities matching a filter on
// one table, across all eras and versions.
func (s *Service) logicalIDsTx(tx *gorm.DB, tableName, condition string, deviceID int64, arg any) ([]record.LogicalID, error) {
	var pairs []idPair
	if err := tx.Table(tableName).
		Distinct("era", "local_id").
		Where("device_id = ?", deviceID).
		Where(condition, arg).
		Scan(&pairs).Error; err != nil {
		return nil, fmt.Errorf("survey: listing %s records: %w", tableName, err)
	}
	ids := make([]record.LogicalID, 0, len(pairs))
	for _, pair := range pairs {
		ids = append(ids, record.LogicalID{DeviceID: deviceID, Era: pair.Era, LocalID: pair.LocalID})
	}
	return ids, nil
}

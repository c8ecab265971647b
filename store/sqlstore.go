package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/ShuhaoZQGG/sentinel-zero"
)

func (s *SQLStore) CreateWorkload(ctx context.Context, w *sentinelzero.Workload) error {
	return s.withTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(workloadToRow(w)).Error; err != nil {
			return storeErr(err)
		}
		return nil
	})
}

func (s *SQLStore) UpdateWorkload(ctx context.Context, w *sentinelzero.Workload) error {
	return s.withTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&workloadRow{}).Where("id = ?", w.ID).Updates(workloadToRow(w))
		if res.Error != nil {
			return storeErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return notFoundf("workload %q", w.ID)
		}
		return nil
	})
}

func (s *SQLStore) DeleteWorkload(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *gorm.DB) error {
		return storeErr(tx.Delete(&workloadRow{ID: id}).Error)
	})
}

func (s *SQLStore) GetWorkload(ctx context.Context, id string) (*sentinelzero.Workload, error) {
	var row workloadRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, storeErr(err)
	}
	return rowToWorkload(&row), nil
}

func (s *SQLStore) ListWorkloads(ctx context.Context) ([]*sentinelzero.Workload, error) {
	var rows []workloadRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]*sentinelzero.Workload, len(rows))
	for i := range rows {
		out[i] = rowToWorkload(&rows[i])
	}
	return out, nil
}

func (s *SQLStore) PutPolicy(ctx context.Context, p *sentinelzero.RestartPolicy) error {
	return s.withTx(ctx, func(tx *gorm.DB) error {
		row := policyToRow(p)
		return storeErr(tx.Save(row).Error)
	})
}

func (s *SQLStore) GetPolicy(ctx context.Context, name string) (*sentinelzero.RestartPolicy, error) {
	var row restartPolicyRow
	if err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error; err != nil {
		return nil, storeErr(err)
	}
	return rowToPolicy(&row), nil
}

func (s *SQLStore) ListPolicies(ctx context.Context) ([]*sentinelzero.RestartPolicy, error) {
	var rows []restartPolicyRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]*sentinelzero.RestartPolicy, len(rows))
	for i := range rows {
		out[i] = rowToPolicy(&rows[i])
	}
	return out, nil
}

func (s *SQLStore) DeletePolicy(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *gorm.DB) error {
		res := tx.Where("name = ? AND builtin = ?", name, false).Delete(&restartPolicyRow{})
		if res.Error != nil {
			return storeErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return notFoundf("policy %q (or it is builtin)", name)
		}
		return nil
	})
}

func (s *SQLStore) PutSchedule(ctx context.Context, sch *sentinelzero.Schedule) error {
	return s.withTx(ctx, func(tx *gorm.DB) error {
		return storeErr(tx.Save(scheduleToRow(sch)).Error)
	})
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*sentinelzero.Schedule, error) {
	var row scheduleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, storeErr(err)
	}
	return rowToSchedule(&row), nil
}

func (s *SQLStore) ListSchedules(ctx context.Context) ([]*sentinelzero.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]*sentinelzero.Schedule, len(rows))
	for i := range rows {
		out[i] = rowToSchedule(&rows[i])
	}
	return out, nil
}

func (s *SQLStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *gorm.DB) error {
		return storeErr(tx.Delete(&scheduleRow{ID: id}).Error)
	})
}

// AppendMetric inserts a whole batch of samples in one Create call (§4.A:
// batched writes bound write amplification instead of one INSERT per
// sample).
func (s *SQLStore) AppendMetric(ctx context.Context, batch []sentinelzero.MetricSample) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]*metricSampleRow, len(batch))
	for i, sample := range batch {
		rows[i] = &metricSampleRow{
			WorkloadID:  sample.WorkloadID,
			At:          sample.At,
			CPUFraction: sample.CPUFraction,
			RSSBytes:    sample.RSSBytes,
			ThreadCount: sample.ThreadCount,
		}
	}
	return storeErr(s.db.WithContext(ctx).Create(&rows).Error)
}

func (s *SQLStore) QueryMetrics(ctx context.Context, q sentinelzero.MetricQuery) ([]sentinelzero.MetricSample, error) {
	tx := s.db.WithContext(ctx).Model(&metricSampleRow{}).Where("workload_id = ?", q.WorkloadID)
	if !q.Since.IsZero() {
		tx = tx.Where("at >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		tx = tx.Where("at <= ?", q.Until)
	}

	var rows []metricSampleRow
	if err := tx.Order("at").Find(&rows).Error; err != nil {
		return nil, storeErr(err)
	}

	out := make([]sentinelzero.MetricSample, len(rows))
	for i, r := range rows {
		out[i] = sentinelzero.MetricSample{
			WorkloadID:  r.WorkloadID,
			At:          r.At,
			CPUFraction: r.CPUFraction,
			RSSBytes:    r.RSSBytes,
			ThreadCount: r.ThreadCount,
		}
	}
	return out, nil
}

func (s *SQLStore) AppendLog(ctx context.Context, batch []sentinelzero.LogRecord) error {
	return s.logs.Append(batch)
}

func (s *SQLStore) QueryLogs(ctx context.Context, q sentinelzero.LogQuery) ([]sentinelzero.LogRecord, error) {
	return s.logs.Query(q)
}

// PersistEvent appends ev to the relational event journal, the audit trail
// LastKnownPID replays on recovery.
func (s *SQLStore) PersistEvent(ctx context.Context, workloadID string, ev sentinelzero.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return sentinelzero.Wrap(sentinelzero.KindInternal, err, "marshal event")
	}
	row := &eventJournalRow{
		WorkloadID:  workloadID,
		EventType:   ev.Type(),
		PayloadJSON: string(payload),
		At:          time.Now(),
	}
	return storeErr(s.db.WithContext(ctx).Create(row).Error)
}

// PurgeBefore implements the store's purge_before(workload, timestamp_or_seq)
// primitive (§4.A): it deletes workloadID's metric samples and log records
// older than before (a zero before skips the age-based pass), then, if
// maxRecords is positive, trims whichever of metrics/logs still exceeds
// maxRecords rows down to the most recent maxRecords (§6.3
// retention_max_age/retention_max_records).
func (s *SQLStore) PurgeBefore(ctx context.Context, workloadID string, before time.Time, maxRecords int) error {
	if err := s.withTx(ctx, func(tx *gorm.DB) error {
		if !before.IsZero() {
			if err := tx.Where("workload_id = ? AND at < ?", workloadID, before).
				Delete(&metricSampleRow{}).Error; err != nil {
				return storeErr(err)
			}
		}
		if maxRecords > 0 {
			var count int64
			if err := tx.Model(&metricSampleRow{}).Where("workload_id = ?", workloadID).
				Count(&count).Error; err != nil {
				return storeErr(err)
			}
			if excess := count - int64(maxRecords); excess > 0 {
				var ids []uint
				if err := tx.Model(&metricSampleRow{}).
					Where("workload_id = ?", workloadID).
					Order("at").
					Limit(int(excess)).
					Pluck("id", &ids).Error; err != nil {
					return storeErr(err)
				}
				if len(ids) > 0 {
					if err := tx.Where("id IN ?", ids).Delete(&metricSampleRow{}).Error; err != nil {
						return storeErr(err)
					}
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.logs.PurgeBefore(workloadID, before, maxRecords); err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "purge logs")
	}
	return nil
}

// LastKnownPID replays the event journal for workloadID looking for the most
// recent spawn that has no matching exit, mirroring the recovery rule that
// a pid is reported but never re-adopted.
func (s *SQLStore) LastKnownPID(ctx context.Context, workloadID string) (int, bool, error) {
	var rows []eventJournalRow
	err := s.db.WithContext(ctx).
		Where("workload_id = ?", workloadID).
		Order("id DESC").
		Limit(50).
		Find(&rows).Error
	if err != nil {
		return 0, false, storeErr(err)
	}

	for _, row := range rows {
		switch row.EventType {
		case "process_exited", "lost_on_recovery":
			return 0, false, nil
		case "process_spawned":
			var spawned struct {
				PID int `json:"pid"`
			}
			if err := json.Unmarshal([]byte(row.PayloadJSON), &spawned); err != nil {
				return 0, false, sentinelzero.Wrap(sentinelzero.KindInternal, err, "decode spawn event")
			}
			return spawned.PID, true, nil
		}
	}
	return 0, false, nil
}

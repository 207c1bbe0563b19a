package repository

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

// HistogramRun represents the histogram_runs table.
type HistogramRun struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement"`
	RunID         string          `gorm:"column:run_id;type:varchar(64);uniqueIndex"`
	Strategy      model.Strategy  `gorm:"column:strategy;type:varchar(16)"`
	Substrate     model.Substrate `gorm:"column:substrate;type:varchar(16)"`
	RangeMin      float64         `gorm:"column:range_min"`
	RangeMax      float64         `gorm:"column:range_max"`
	BinCount      int             `gorm:"column:bin_count"`
	EdgePolicy    string          `gorm:"column:edge_policy;type:varchar(16)"`
	Inputs        JSONField       `gorm:"column:inputs;type:json"`
	Result        JSONField       `gorm:"column:result;type:json"`
	Workers       int             `gorm:"column:workers"`
	FailedWorkers int             `gorm:"column:failed_workers"`
	Skipped       JSONField       `gorm:"column:skipped;type:json"`
	Samples       int64           `gorm:"column:samples"`
	Status        model.RunStatus `gorm:"column:status;type:varchar(16);index"`
	ErrorCode     string          `gorm:"column:error_code;type:varchar(32)"`
	ErrorMessage  string          `gorm:"column:error_message;type:text"`
	StartedAt     time.Time       `gorm:"column:started_at"`
	FinishedAt    time.Time       `gorm:"column:finished_at;index"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the table name for HistogramRun.
func (HistogramRun) TableName() string {
	return "histogram_runs"
}

// newHistogramRun builds the row for a finished run.
func newHistogramRun(report *model.RunReport, runErr error) (*HistogramRun, error) {
	spec := report.Spec
	row := &HistogramRun{
		RunID:         spec.RunID,
		Strategy:      spec.Strategy,
		Substrate:     spec.Substrate,
		RangeMin:      spec.Range.Min,
		RangeMax:      spec.Range.Max,
		BinCount:      spec.BinCount,
		EdgePolicy:    spec.EdgePolicy.String(),
		Workers:       len(report.Workers),
		FailedWorkers: len(report.FailedWorkers()),
		Samples:       int64(report.TotalSamples()),
		Status:        model.StatusOf(report, runErr),
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
	}
	if runErr != nil {
		row.ErrorCode = apperrors.GetErrorCode(runErr)
		row.ErrorMessage = runErr.Error()
	}

	var err error
	if row.Inputs, err = marshalField(spec.Inputs); err != nil {
		return nil, err
	}
	if row.Result, err = marshalField(report.Result); err != nil {
		return nil, err
	}
	if len(report.Skipped) > 0 {
		if row.Skipped, err = marshalField(report.Skipped); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func marshalField(v interface{}) (JSONField, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONField(data), nil
}

// ToModel converts HistogramRun to model.RunRecord.
func (r *HistogramRun) ToModel() (*model.RunRecord, error) {
	policy, err := model.ParseEdgePolicy(r.EdgePolicy)
	if err != nil {
		return nil, err
	}
	rec := &model.RunRecord{
		ID:            r.ID,
		RunID:         r.RunID,
		Strategy:      r.Strategy,
		Substrate:     r.Substrate,
		Range:         model.Range{Min: r.RangeMin, Max: r.RangeMax},
		BinCount:      r.BinCount,
		EdgePolicy:    policy,
		Workers:       r.Workers,
		FailedWorkers: r.FailedWorkers,
		Samples:       r.Samples,
		Status:        r.Status,
		ErrorCode:     r.ErrorCode,
		ErrorMessage:  r.ErrorMessage,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}

	if r.Inputs != nil {
		if err := json.Unmarshal(r.Inputs, &rec.Inputs); err != nil {
			return nil, err
		}
	}
	if r.Result != nil {
		if err := json.Unmarshal(r.Result, &rec.Result); err != nil {
			return nil, err
		}
	}
	if r.Skipped != nil {
		if err := json.Unmarshal(r.Skipped, &rec.Skipped); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// JSONField is a custom type for handling JSON fields in GORM.
type JSONField []byte

// Value implements driver.Valuer interface.
func (j JSONField) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner interface.
func (j *JSONField) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
		return nil
	case string:
		*j = []byte(v)
		return nil
	default:
		return errors.New("unsupported type for JSONField")
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/stepflow/types"
)

// SQLConfig configures the SQL-backed store.
type SQLConfig struct {
	// Driver is one of "sqlite", "mysql", "postgres".
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string. For sqlite this is the
	// database file path; ":memory:" gives an in-memory database.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// workflowRecord is the workflows table row.
type workflowRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:255;index"`
	Description string
	Priority    int
	Status      string `gorm:"size:32;index"`
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (workflowRecord) TableName() string { return "workflows" }

// stepRecord is the workflow_steps table row. Steps are keyed by
// (workflow_id, step_id) and ordered by their declaration index.
type stepRecord struct {
	RowID        uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID   string `gorm:"size:64;uniqueIndex:idx_workflow_step;index"`
	StepID       string `gorm:"size:255;uniqueIndex:idx_workflow_step"`
	Agent        string `gorm:"size:255"`
	Task         []byte
	Dependencies []byte
	Idx          int    `gorm:"column:idx"`
	Status       string `gorm:"size:32;index"`
	Attempts     int
	Result       []byte
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (stepRecord) TableName() string { return "workflow_steps" }

// SQLStore is a GORM-backed Store. Workflows and steps live in two tables;
// step transitions run inside a transaction so readers never observe a
// half-applied update.
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens a database per the config and migrates the schema.
func OpenSQLStore(cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewSQLStore(db, logger)
}

// NewSQLStore wraps an existing GORM handle and migrates the schema.
func NewSQLStore(db *gorm.DB, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&workflowRecord{}, &stepRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLStore{
		db:     db,
		logger: logger.With(zap.String("component", "sql_store")),
	}, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateWorkflow inserts the workflow row and all of its step rows in one
// transaction.
func (s *SQLStore) CreateWorkflow(ctx context.Context, w *types.Workflow) error {
	if w == nil || w.ID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&workflowRecord{}).Where("id = ?", w.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}
		if err := tx.Create(workflowToRecord(w)).Error; err != nil {
			return err
		}
		for _, step := range w.Steps {
			rec, err := stepToRecord(w.ID, step)
			if err != nil {
				return err
			}
			if err := tx.Create(rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetWorkflow loads the workflow row and its steps in declaration order.
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var rec workflowRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	steps, err := s.loadSteps(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return recordToWorkflow(&rec, steps)
}

// ListWorkflows queries workflow rows matching the filter, newest first.
func (s *SQLStore) ListWorkflows(ctx context.Context, f Filter) ([]*types.Workflow, error) {
	q := s.db.WithContext(ctx).Model(&workflowRecord{})
	if f.Name != "" {
		q = q.Where("name = ?", f.Name)
	}
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, st := range f.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	q = q.Order("created_at DESC, id ASC")
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []workflowRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]*types.Workflow, 0, len(recs))
	for i := range recs {
		steps, err := s.loadSteps(ctx, s.db, recs[i].ID)
		if err != nil {
			return nil, err
		}
		w, err := recordToWorkflow(&recs[i], steps)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// UpdateWorkflowStatus transitions the workflow row's status column.
func (s *SQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec workflowRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		now := time.Now()
		updates := map[string]any{"status": string(status)}
		if status == types.WorkflowRunning && rec.StartedAt == nil {
			updates["started_at"] = now
		}
		if status.IsTerminal() && rec.CompletedAt == nil {
			updates["completed_at"] = now
		}
		return tx.Model(&workflowRecord{}).Where("id = ?", id).Updates(updates).Error
	})
}

// TransitionStep applies one step transition inside a transaction.
func (s *SQLStore) TransitionStep(ctx context.Context, workflowID, stepID string,
	to types.StepStatus, result json.RawMessage, errMsg string) error {

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec stepRecord
		err := tx.First(&rec, "workflow_id = ? AND step_id = ?", workflowID, stepID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		step, err := recordToStep(&rec)
		if err != nil {
			return err
		}
		if err := applyStepTransition(step, to, result, errMsg, time.Now()); err != nil {
			return err
		}

		updated, err := stepToRecord(workflowID, step)
		if err != nil {
			return err
		}
		updated.RowID = rec.RowID
		return tx.Model(&stepRecord{}).Where("row_id = ?", rec.RowID).
			Select("status", "result", "error", "started_at", "completed_at").
			Updates(updated).Error
	})
}

// IncrementStepAttempts bumps the attempt counter and returns the new value.
func (s *SQLStore) IncrementStepAttempts(ctx context.Context, workflowID, stepID string) (int, error) {
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec stepRecord
		err := tx.First(&rec, "workflow_id = ? AND step_id = ?", workflowID, stepID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		attempts = rec.Attempts + 1
		return tx.Model(&stepRecord{}).Where("row_id = ?", rec.RowID).
			Update("attempts", attempts).Error
	})
	return attempts, err
}

// ListReadySteps returns Ready steps of the workflow in declaration order.
func (s *SQLStore) ListReadySteps(ctx context.Context, workflowID string) ([]*types.Step, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&workflowRecord{}).
		Where("id = ?", workflowID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	var recs []stepRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", workflowID, string(types.StepReady)).
		Order("idx ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	var ready []*types.Step
	for i := range recs {
		step, err := recordToStep(&recs[i])
		if err != nil {
			return nil, err
		}
		ready = append(ready, step)
	}
	return ready, nil
}

// Stats aggregates counts via GROUP BY queries.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	type statusCount struct {
		Status string
		Count  int64
	}

	var wfCounts []statusCount
	err := s.db.WithContext(ctx).Model(&workflowRecord{}).
		Select("status, count(*) as count").Group("status").Scan(&wfCounts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range wfCounts {
		stats.TotalWorkflows += c.Count
		stats.WorkflowStatuses[types.WorkflowStatus(c.Status)] = c.Count
		if types.WorkflowStatus(c.Status) == types.WorkflowRunning {
			stats.ActiveWorkflows = c.Count
		}
	}

	var stepCounts []statusCount
	err = s.db.WithContext(ctx).Model(&stepRecord{}).
		Select("status, count(*) as count").Group("status").Scan(&stepCounts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range stepCounts {
		stats.StepStatuses[types.StepStatus(c.Status)] = c.Count
	}
	return stats, nil
}

func (s *SQLStore) loadSteps(ctx context.Context, db *gorm.DB, workflowID string) ([]*types.Step, error) {
	var recs []stepRecord
	err := db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("idx ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	steps := make([]*types.Step, 0, len(recs))
	for i := range recs {
		step, err := recordToStep(&recs[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func workflowToRecord(w *types.Workflow) *workflowRecord {
	return &workflowRecord{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Priority:    w.Priority,
		Status:      string(w.Status),
		CreatedAt:   w.CreatedAt,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
	}
}

func recordToWorkflow(rec *workflowRecord, steps []*types.Step) (*types.Workflow, error) {
	return &types.Workflow{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Priority:    rec.Priority,
		Status:      types.WorkflowStatus(rec.Status),
		Steps:       steps,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}, nil
}

func stepToRecord(workflowID string, step *types.Step) (*stepRecord, error) {
	deps, err := json.Marshal(step.Dependencies)
	if err != nil {
		return nil, err
	}
	return &stepRecord{
		WorkflowID:   workflowID,
		StepID:       step.ID,
		Agent:        step.Agent,
		Task:         step.Task,
		Dependencies: deps,
		Idx:          step.Index,
		Status:       string(step.Status),
		Attempts:     step.Attempts,
		Result:       step.Result,
		Error:        step.Error,
		StartedAt:    step.StartedAt,
		CompletedAt:  step.CompletedAt,
	}, nil
}

func recordToStep(rec *stepRecord) (*types.Step, error) {
	var deps []string
	if len(rec.Dependencies) > 0 {
		if err := json.Unmarshal(rec.Dependencies, &deps); err != nil {
			return nil, err
		}
	}
	return &types.Step{
		ID:           rec.StepID,
		Agent:        rec.Agent,
		Task:         rec.Task,
		Dependencies: deps,
		Index:        rec.Idx,
		Status:       types.StepStatus(rec.Status),
		Attempts:     rec.Attempts,
		Result:       rec.Result,
		Error:        rec.Error,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
	}, nil
}

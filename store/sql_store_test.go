package store

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/stepflow/types"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s, err := NewSQLStore(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_Conformance(t *testing.T) {
	runStoreConformance(t, newSQLiteStore)
}

func TestSQLStore_StepColumnsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)

	w := newTestWorkflow("wf-1")
	require.NoError(t, s.CreateWorkflow(ctx, w))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	assert.JSONEq(t, `{"source":"database"}`, string(got.Steps[0].Task))
	assert.Equal(t, []string{"retrieve"}, got.Steps[1].Dependencies)
	assert.Equal(t, 2, got.Steps[2].Index)
}

func TestSQLStore_TransitionIsTransactional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))

	// Rejected transition must not change the row.
	err := s.TransitionStep(ctx, "wf-1", "analyze", types.StepSucceeded, nil, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrIllegalTransition, types.GetErrorCode(err))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.StepPending, got.Step("analyze").Status)
	assert.Empty(t, got.Step("analyze").Error)
}

func TestOpenSQLStore_UnsupportedDriver(t *testing.T) {
	t.Parallel()
	_, err := OpenSQLStore(SQLConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sql driver")
}

func TestOpenSQLStore_DefaultsToInMemorySQLite(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLStore(SQLConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.CreateWorkflow(context.Background(), newTestWorkflow("wf-1")))
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JuctTr/investment-research/internal/harvest"
)

func TestSourceStoreCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	source := harvest.Source{
		ID:                     "3b6e9a1c-0000-0000-0000-000000000001",
		Name:                   "cls-telegraph",
		Category:               harvest.CategoryWeb,
		URL:                    "https://www.cls.cn/telegraph",
		Enabled:                true,
		FetchInterval:          time.Hour,
		MaxConsecutiveFailures: 5,
		HealthStatus:           harvest.HealthHealthy,
	}

	mock.ExpectExec("INSERT INTO sources").
		WithArgs(
			source.ID,
			source.Name,
			string(source.Category),
			source.URL,
			source.Enabled,
			int64(3600),
			[]byte("null"),
			source.MaxConsecutiveFailures,
			string(source.HealthStatus),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), source))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreUpdateMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	enabled := false
	mock.ExpectExec("UPDATE sources SET").
		WithArgs("missing", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.Update(context.Background(), "missing", harvest.SourcePatch{Enabled: &enabled})
	require.ErrorIs(t, err, harvest.ErrSourceNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreCreatePersistsTerminalFields(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	// A recovery probe records its failure as a task that is born FAILED:
	// completion time and reason are set at insert, never via Update.
	completedAt := time.Unix(1_700_000_000, 0).UTC()
	reason := "recovery probe failed: HEAD https://example.com: status 503"
	task := harvest.Task{
		ID:           "t-probe",
		SourceID:     "s1",
		Status:       harvest.TaskFailed,
		ScheduledAt:  completedAt,
		CompletedAt:  &completedAt,
		ErrorMessage: reason,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			task.ID,
			task.SourceID,
			"FAILED",
			task.ScheduledAt,
			(*time.Time)(nil),
			&completedAt,
			0,
			0,
			0,
			&reason,
			(*string)(nil),
			(*string)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreUpdateRejectsInvalidTransition(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM tasks").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("SUCCESS"))
	mock.ExpectRollback()

	running := harvest.TaskRunning
	err = store.Update(context.Background(), "t1", harvest.TaskPatch{Status: &running})

	var invalid *harvest.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, harvest.TaskSuccess, invalid.From)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreUpdateCommitsValidTransition(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTaskStore(mock)
	require.NoError(t, err)

	startedAt := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM tasks").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("PENDING"))
	mock.ExpectExec("UPDATE tasks SET").
		WithArgs("t1", "RUNNING", startedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	running := harvest.TaskRunning
	err = store.Update(context.Background(), "t1", harvest.TaskPatch{
		Status:    &running,
		StartedAt: &startedAt,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCookieStoreFindUsableNoRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCookieStore(mock)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("SELECT id, value, status").
		WithArgs(now, 3).
		WillReturnError(pgx.ErrNoRows)

	_, err = store.FindUsable(context.Background(), now, 3)
	require.ErrorIs(t, err, harvest.ErrNoCookie)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCookieStorePurgeExpiredCountsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCookieStore(mock)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectExec("DELETE FROM cookies").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	removed, err := store.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 4, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

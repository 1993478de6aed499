package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trainlog/internal/snapshot"
	"github.com/JakeFAU/trainlog/internal/tracking"
)

func TestParamsInsertsJSON(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	run := tracking.Run{ID: "run-1", Project: "proj", Name: "exp"}
	client, err := NewWithPool(mock, run, "")
	require.NoError(t, err)

	snap, err := snapshot.Extract(struct {
		LR     float64 `mapstructure:"lr"`
		Epochs int     `mapstructure:"epochs"`
	}{LR: 0.5, Epochs: 2})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO run_metrics_params").
		WithArgs("run-1", "proj", "exp", "cfg", []byte(`{"lr":0.5,"epochs":2}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, client.Params(context.Background(), "cfg", snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteInsertsBatch(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client, err := NewWithPool(mock, tracking.Run{ID: "run-1"}, "metrics")
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0).UTC()
	v := 0.5
	step := int64(1)
	artifact := "<p>hi</p>"
	batch := []tracking.Point{
		{Name: "train/loss", Value: &v, Step: &step, TS: ts},
		{Name: "html/report", Artifact: artifact, TS: ts},
	}

	mock.ExpectExec(`INSERT INTO metrics \(run_id, name, step, value, artifact, logged_at\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6\),\(\$7`).
		WithArgs(
			"run-1", "train/loss", &step, &v, (*string)(nil), ts,
			"run-1", "html/report", (*int64)(nil), (*float64)(nil), &artifact, ts,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, client.Write(context.Background(), batch))
	require.NoError(t, client.Write(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client, err := NewWithPool(mock, tracking.Run{ID: "run-1"}, "metrics")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO metrics").WillReturnError(errors.New("connection reset"))
	err = client.Write(context.Background(), []tracking.Point{{Name: "train/loss"}})
	require.ErrorContains(t, err, "insert points: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, tracking.Run{}, "metrics; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewWithPool(nil, tracking.Run{}, "metrics")
	require.ErrorContains(t, err, "pool is required")
	_, err = New(context.Background(), tracking.Run{}, Config{})
	require.ErrorContains(t, err, "dsn is required")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client, err := NewWithPool(mock, tracking.Run{ID: "run-1"}, "metrics")
	require.NoError(t, err)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS metrics \(`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS metrics_params \(`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, client.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

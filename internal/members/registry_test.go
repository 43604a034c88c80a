package members

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership-bulk-upload/internal/intake"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	r := NewRegistry(db)
	require.NoError(t, r.AutoMigrate())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func memberID(n int) string {
	prefix := fmt.Sprintf("800101%04d08", 5000+n)
	return prefix + string(intake.CheckDigit(prefix))
}

func TestUpsertBatchInsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	first := []Record{
		{RowNumber: 2, IDNumber: memberID(1), FirstName: "Thandi", Surname: "Mokoena", WardCode: "1"},
		{RowNumber: 3, IDNumber: memberID(2), FirstName: "Sipho", Surname: "Dlamini", WardCode: "2"},
	}
	res, err := r.UpsertBatch(ctx, "job-1", first)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 2}, res)

	second := []Record{
		{RowNumber: 2, IDNumber: memberID(2), FirstName: "Sipho", Surname: "Dlamini", WardCode: "9", VotingDistrict: "VD-9"},
		{RowNumber: 3, IDNumber: memberID(3), FirstName: "Lerato", Surname: "Khumalo"},
	}
	res, err = r.UpsertBatch(ctx, "job-2", second)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1, Updated: 1}, res)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	m, err := r.Get(ctx, memberID(2))
	require.NoError(t, err)
	assert.Equal(t, "9", m.WardCode)
	assert.Equal(t, "VD-9", m.VotingDistrict)
	assert.Equal(t, "job-2", m.LastJobID)
	assert.Equal(t, "M", m.Gender)
	assert.True(t, m.Citizen)
	require.NotNil(t, m.DateOfBirth)
	assert.Equal(t, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), m.DateOfBirth.UTC())
}

func TestUpsertBatchEmpty(t *testing.T) {
	r := newRegistry(t)
	res, err := r.UpsertBatch(context.Background(), "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{}, res)
}

func TestUpsertBatchReportsFailingRow(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	records := []Record{
		{RowNumber: 2, IDNumber: memberID(1), FirstName: "Thandi", Surname: "Mokoena"},
		{RowNumber: 3, IDNumber: memberID(2), FirstName: "Sipho", Surname: "Dlamini"},
	}
	// sqlite does not enforce varchar sizes, so force a failure through a
	// trigger on the second identity number.
	require.NoError(t, r.db.Exec(fmt.Sprintf(`CREATE TRIGGER reject_member BEFORE INSERT ON members
		WHEN NEW.id_number = '%s' BEGIN SELECT RAISE(ABORT, 'rejected'); END`, memberID(2))).Error)

	res, err := r.UpsertBatch(ctx, "job-1", records)
	require.Error(t, err)
	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 3, rowErr.RowNumber)
	assert.Equal(t, memberID(2), rowErr.IDNumber)
	assert.Contains(t, err.Error(), "row 3")
	assert.Equal(t, UpsertResult{Inserted: 1}, res)

	_, err = r.Get(ctx, memberID(2))
	assert.ErrorIs(t, err, ErrNotFound)
}

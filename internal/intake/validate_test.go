package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRows(t *testing.T) {
	rows := []MemberRow{
		{RowNumber: 2, IDNumber: memberID(1), FirstName: "Thandi", Surname: "Nkosi", CellNumber: "0821234567"},
		{RowNumber: 3, IDNumber: "8001015009088", FirstName: "Sipho", Surname: "Dlamini"},
		{RowNumber: 4, IDNumber: memberID(2), FirstName: "", Surname: "Mokoena"},
		{RowNumber: 5, IDNumber: memberID(1), FirstName: "Thandi", Surname: "Nkosi"},
		{RowNumber: 6, IDNumber: memberID(3), FirstName: "Lerato", Surname: "Molefe", Email: "not-an-email"},
		{RowNumber: 7, IDNumber: memberID(4), FirstName: "Pieter", Surname: "Botha", CellNumber: "27821234567", WardCode: "79800001"},
		{RowNumber: 8, IDNumber: memberID(5), FirstName: "Ayanda", Surname: "Zulu", CellNumber: "12345"},
	}

	res := NewValidator().Validate(rows)
	require.Len(t, res.Valid, 2)
	assert.Equal(t, 2, res.Valid[0].RowNumber)
	assert.Equal(t, 7, res.Valid[1].RowNumber)

	require.Len(t, res.Invalid, 5)
	reasons := map[int]string{}
	for _, f := range res.Invalid {
		reasons[f.Row.RowNumber] = f.Reason
	}
	assert.Equal(t, "invalid id number", reasons[3])
	assert.Equal(t, "first name is required", reasons[4])
	assert.Equal(t, "duplicate id number in file (first seen on row 2)", reasons[5])
	assert.Equal(t, "invalid email", reasons[6])
	assert.Equal(t, "invalid cell number", reasons[8])

	assert.Equal(t, 7, res.Stats.TotalRows)
	assert.Equal(t, 2, res.Stats.ValidRows)
	assert.Equal(t, 5, res.Stats.InvalidRows)
	assert.Equal(t, 1, res.Stats.DuplicateRows)
}

func TestValidateRowsInvalidDoesNotClaimID(t *testing.T) {
	id := memberID(9)
	rows := []MemberRow{
		{RowNumber: 2, IDNumber: id, FirstName: "", Surname: "Nkosi"},
		{RowNumber: 3, IDNumber: id, FirstName: "Thandi", Surname: "Nkosi"},
	}
	res := NewValidator().Validate(rows)
	require.Len(t, res.Valid, 1)
	assert.Equal(t, 3, res.Valid[0].RowNumber)
}

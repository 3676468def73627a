package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localizer/presence/pkg/core"
)

func TestTableNames(t *testing.T) {
	tests := []struct {
		name     string
		model    interface{ TableName() string }
		expected string
	}{
		{"UserRow", &UserRow{}, "users"},
		{"Revision", &Revision{}, "presence_revisions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.model.TableName())
		})
	}
}

func TestUserRow_ApplyPatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	row := UserRow{ID: "u1", Name: "Ana"}

	err := row.ApplyPatch(core.Patch{
		core.FieldPhone:    "+57 300",
		core.FieldPosition: core.Position{Lat: 4.7, Long: -74.1},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "Ana", row.Name)
	assert.Equal(t, "+57 300", row.Phone)
	require.NotNil(t, row.Lat)
	require.NotNil(t, row.Long)
	assert.Equal(t, 4.7, *row.Lat)
	assert.Equal(t, -74.1, *row.Long)
	assert.Equal(t, now.Format(time.RFC3339Nano), row.WrittenAt[core.FieldPosition])
	assert.NotContains(t, row.WrittenAt, core.FieldName)
}

func TestUserRow_ApplyPatch_RejectedLeavesRow(t *testing.T) {
	row := UserRow{ID: "u1", Name: "Ana"}

	err := row.ApplyPatch(core.Patch{
		core.FieldName: "Bea",
		"avatar":       "x",
	}, time.Now())
	require.ErrorIs(t, err, core.ErrUnknownField)

	assert.Equal(t, "Ana", row.Name)
	assert.Nil(t, row.WrittenAt)
}

func TestUserRow_RecordCopiesAxes(t *testing.T) {
	lat := 1.0
	row := UserRow{ID: "u1", Lat: &lat}

	rec := row.Record()
	require.NotNil(t, rec.Position.Lat)
	assert.Nil(t, rec.Position.Long)

	*rec.Position.Lat = 9
	assert.Equal(t, 1.0, *row.Lat, "record must not alias the row")

	_, ok := rec.Position.Valid()
	assert.False(t, ok, "partial position is not valid")
}

func TestSnapshot_KeepsRowOrder(t *testing.T) {
	snap := Snapshot([]UserRow{{ID: "b", Seq: 1}, {ID: "a", Seq: 2}})
	assert.Equal(t, []string{"b", "a"}, snap.IDs)
	assert.Equal(t, 2, snap.Len())
}

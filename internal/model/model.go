package model

import (
	"time"

	"gorm.io/datatypes"

	"github.com/localizer/presence/pkg/core"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&UserRow{},
	&Revision{},
}

// UserRow is one record of the shared users collection
type UserRow struct {
	ID    string   `json:"id" gorm:"primaryKey;size:127"`
	Name  string   `json:"name" gorm:"size:255"`
	Phone string   `json:"phone" gorm:"size:64"`
	Lat   *float64 `json:"lat"`
	Long  *float64 `json:"long"`
	// WrittenAt maps each field path to the time it was last written
	WrittenAt datatypes.JSONMap `json:"writtenAt"`
	// Seq orders rows by first arrival
	Seq       uint64    `json:"seq" gorm:"index:idx_users_seq"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"index:idx_users_updated_at"`
}

func (*UserRow) TableName() string {
	return core.UsersCollection
}

// Revision is a single-row change counter bumped by every write. Readers in
// other processes poll it to learn that the collection changed.
type Revision struct {
	ID    uint   `gorm:"primaryKey"`
	Value uint64 `json:"value"`
}

func (*Revision) TableName() string {
	return "presence_revisions"
}

// RevisionID is the primary key of the only Revision row
const RevisionID = 1

// Record converts the row into the shared record shape
func (r *UserRow) Record() core.UserRecord {
	rec := core.UserRecord{
		Name:  r.Name,
		Phone: r.Phone,
	}
	if r.Lat != nil {
		lat := *r.Lat
		rec.Position.Lat = &lat
	}
	if r.Long != nil {
		long := *r.Long
		rec.Position.Long = &long
	}
	return rec
}

// ApplyPatch applies patch to the row. Nothing changes when the patch is rejected.
func (r *UserRow) ApplyPatch(patch core.Patch, now time.Time) error {
	rec := r.Record()
	if err := patch.Apply(&rec); err != nil {
		return err
	}
	r.Name = rec.Name
	r.Phone = rec.Phone
	r.Lat = rec.Position.Lat
	r.Long = rec.Position.Long

	if r.WrittenAt == nil {
		r.WrittenAt = datatypes.JSONMap{}
	}
	stamp := now.UTC().Format(time.RFC3339Nano)
	for _, path := range patch.Paths() {
		r.WrittenAt[path] = stamp
	}
	return nil
}

// Snapshot builds a snapshot from rows already sorted by Seq
func Snapshot(rows []UserRow) core.Snapshot {
	snap := core.NewSnapshot()
	for i := range rows {
		snap.Put(rows[i].ID, rows[i].Record())
	}
	return snap
}

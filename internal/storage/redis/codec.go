package redisstorage

import (
	"fmt"
	"strconv"

	"github.com/localizer/presence/pkg/core"
)

// Hash fields of one user record.
const (
	hashName  = "name"
	hashPhone = "phone"
	hashLat   = "lat"
	hashLong  = "long"
)

// keys builds the Redis key layout under one prefix:
//
//	<prefix>user:<id>      hash of one record
//	<prefix>users:order    sorted set of ids scored by first arrival
//	<prefix>users:seq      arrival counter
//	<prefix>users:rev      revision, bumped by every write
//	<prefix>users:changed  pub/sub channel announcing new revisions
type keys struct {
	prefix string
}

func (k keys) user(id string) string { return k.prefix + "user:" + id }
func (k keys) userPrefix() string    { return k.prefix + "user:" }
func (k keys) order() string         { return k.prefix + "users:order" }
func (k keys) seq() string           { return k.prefix + "users:seq" }
func (k keys) revision() string      { return k.prefix + "users:rev" }
func (k keys) channel() string       { return k.prefix + "users:changed" }

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// encodeRecord returns the hash fields to set and the ones to delete.
func encodeRecord(rec core.UserRecord) (set map[string]any, del []string) {
	set = map[string]any{
		hashName:  rec.Name,
		hashPhone: rec.Phone,
	}
	if rec.Position.Lat != nil {
		set[hashLat] = formatFloat(*rec.Position.Lat)
	} else {
		del = append(del, hashLat)
	}
	if rec.Position.Long != nil {
		set[hashLong] = formatFloat(*rec.Position.Long)
	} else {
		del = append(del, hashLong)
	}
	return set, del
}

func decodeRecord(fields map[string]string) (core.UserRecord, error) {
	rec := core.UserRecord{
		Name:  fields[hashName],
		Phone: fields[hashPhone],
	}
	for name, dst := range map[string]**float64{hashLat: &rec.Position.Lat, hashLong: &rec.Position.Long} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return core.UserRecord{}, fmt.Errorf("field %s: %w", name, err)
		}
		*dst = &f
	}
	return rec, nil
}

// decodeSnapshot parses the reply of snapshotScript: the revision followed by
// id, flat field list pairs in arrival order.
func decodeSnapshot(reply any) (uint64, core.Snapshot, error) {
	items, ok := reply.([]any)
	if !ok || len(items) == 0 || len(items)%2 != 1 {
		return 0, core.Snapshot{}, fmt.Errorf("unexpected snapshot reply %T", reply)
	}
	revStr, ok := items[0].(string)
	if !ok {
		return 0, core.Snapshot{}, fmt.Errorf("unexpected revision %T", items[0])
	}
	rev, err := strconv.ParseUint(revStr, 10, 64)
	if err != nil {
		return 0, core.Snapshot{}, fmt.Errorf("revision: %w", err)
	}

	snap := core.NewSnapshot()
	for i := 1; i < len(items); i += 2 {
		id, ok := items[i].(string)
		if !ok {
			return 0, core.Snapshot{}, fmt.Errorf("unexpected id %T", items[i])
		}
		flat, ok := items[i+1].([]any)
		if !ok || len(flat)%2 != 0 {
			return 0, core.Snapshot{}, fmt.Errorf("unexpected fields of %s", id)
		}
		// a hash deleted between ZRANGE and HGETALL cannot happen inside a script,
		// but an order entry without a hash can be left by a crashed writer
		if len(flat) == 0 {
			continue
		}
		fields := make(map[string]string, len(flat)/2)
		for j := 0; j < len(flat); j += 2 {
			k, _ := flat[j].(string)
			v, _ := flat[j+1].(string)
			fields[k] = v
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return 0, core.Snapshot{}, fmt.Errorf("user %s: %w", id, err)
		}
		snap.Put(id, rec)
	}
	return rev, snap, nil
}

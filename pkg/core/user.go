// pkg/core/user.go
package core

// Field paths understood by every presence store.
const (
	FieldName         = "name"
	FieldPhone        = "phone"
	FieldPosition     = "position"
	FieldPositionLat  = "position.lat"
	FieldPositionLong = "position.long"
)

// UsersCollection is the name of the shared presence collection.
const UsersCollection = "users"

// UserRecord is the shared presence record of one registered user.
type UserRecord struct {
	Name     string      `json:"name,omitempty"`
	Phone    string      `json:"phone,omitempty"`
	Position RawPosition `json:"position"`
}

// Patch maps field paths to new values. A store applies a patch atomically.
type Patch map[string]any

// Snapshot is the full presence set at a point in time. IDs keeps the order
// in which users first appeared in the collection.
type Snapshot struct {
	IDs     []string              `json:"ids"`
	Records map[string]UserRecord `json:"records"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{Records: make(map[string]UserRecord)}
}

// Put adds or replaces a record, keeping the original arrival order.
func (s *Snapshot) Put(id string, rec UserRecord) {
	if s.Records == nil {
		s.Records = make(map[string]UserRecord)
	}
	if _, ok := s.Records[id]; !ok {
		s.IDs = append(s.IDs, id)
	}
	s.Records[id] = rec
}

// Delete removes id from the snapshot. Reports whether it was present.
func (s *Snapshot) Delete(id string) bool {
	if _, ok := s.Records[id]; !ok {
		return false
	}
	delete(s.Records, id)
	for i, existing := range s.IDs {
		if existing == id {
			s.IDs = append(s.IDs[:i:i], s.IDs[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the record stored under id.
func (s Snapshot) Get(id string) (UserRecord, bool) {
	rec, ok := s.Records[id]
	return rec, ok
}

// Len returns the number of users in the snapshot.
func (s Snapshot) Len() int {
	return len(s.IDs)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		IDs:     make([]string, len(s.IDs)),
		Records: make(map[string]UserRecord, len(s.Records)),
	}
	copy(out.IDs, s.IDs)
	for id, rec := range s.Records {
		out.Records[id] = rec.clone()
	}
	return out
}

// Equal reports whether two snapshots hold the same records in the same order.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.IDs) != len(other.IDs) {
		return false
	}
	for i, id := range s.IDs {
		if other.IDs[i] != id {
			return false
		}
		if !s.Records[id].equal(other.Records[id]) {
			return false
		}
	}
	return true
}

func (r UserRecord) clone() UserRecord {
	out := UserRecord{Name: r.Name, Phone: r.Phone}
	if r.Position.Lat != nil {
		v := *r.Position.Lat
		out.Position.Lat = &v
	}
	if r.Position.Long != nil {
		v := *r.Position.Long
		out.Position.Long = &v
	}
	return out
}

func (r UserRecord) equal(o UserRecord) bool {
	return r.Name == o.Name && r.Phone == o.Phone &&
		floatPtrEqual(r.Position.Lat, o.Position.Lat) &&
		floatPtrEqual(r.Position.Long, o.Position.Long)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

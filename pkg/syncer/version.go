package syncer

// Ordering is the result of comparing two versions of the same key.
type Ordering int8

const (
	Older Ordering = -1
	Same  Ordering = 0
	Newer Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Older:
		return "older"
	case Newer:
		return "newer"
	default:
		return "same"
	}
}

// Compare reports how a relates to b.
func Compare(a, b int64) Ordering {
	switch {
	case a > b:
		return Newer
	case a < b:
		return Older
	default:
		return Same
	}
}

// VersionTable records the highest version seen per key. It is not safe for
// concurrent use; owners guard it.
type VersionTable struct {
	versions map[Key]int64
}

func NewVersionTable() *VersionTable {
	return &VersionTable{versions: make(map[Key]int64)}
}

func (t *VersionTable) Get(k Key) (int64, bool) {
	v, ok := t.versions[k]
	return v, ok
}

// Accepts reports whether v would be recorded by Observe. Absent keys accept
// any version.
func (t *VersionTable) Accepts(k Key, v int64) bool {
	cur, ok := t.versions[k]
	return !ok || Compare(v, cur) == Newer
}

// Observe records v if it is newer than the current entry and reports
// whether it did.
func (t *VersionTable) Observe(k Key, v int64) bool {
	if !t.Accepts(k, v) {
		return false
	}
	t.versions[k] = v
	return true
}

// Raise sets k to v unless a newer version is already recorded.
func (t *VersionTable) Raise(k Key, v int64) {
	t.Observe(k, v)
}

func (t *VersionTable) Delete(k Key) {
	delete(t.versions, k)
}

func (t *VersionTable) Len() int {
	return len(t.versions)
}

// Snapshot returns a copy of the table.
func (t *VersionTable) Snapshot() map[Key]int64 {
	out := make(map[Key]int64, len(t.versions))
	for k, v := range t.versions {
		out[k] = v
	}
	return out
}

func (t *VersionTable) Reset() {
	clear(t.versions)
}

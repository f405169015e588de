package dirtable

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Entry is one name in a directory. Mode carries the child's type bits so
// listings do not need an attribute fetch per child.
type Entry struct {
	Name string `cbor:"1,keyasint"`
	Mode uint32 `cbor:"2,keyasint"`
}

// record is the stored form of a directory: its entries sorted by name.
type record struct {
	Entries []Entry `cbor:"1,keyasint"`
	Mtime   int64   `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("dirtable: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("dirtable: CBOR decoder initialization failed: " + err.Error())
	}
}

func (r *record) find(name string) (int, bool) {
	i := sort.Search(len(r.Entries), func(i int) bool { return r.Entries[i].Name >= name })
	return i, i < len(r.Entries) && r.Entries[i].Name == name
}

// put inserts or updates name. It reports whether the record changed.
func (r *record) put(name string, mode uint32) bool {
	i, ok := r.find(name)
	if ok {
		if r.Entries[i].Mode == mode {
			return false
		}
		r.Entries[i].Mode = mode
		return true
	}
	r.Entries = append(r.Entries, Entry{})
	copy(r.Entries[i+1:], r.Entries[i:])
	r.Entries[i] = Entry{Name: name, Mode: mode}
	return true
}

// remove deletes name. It reports whether name was present.
func (r *record) remove(name string) bool {
	i, ok := r.find(name)
	if !ok {
		return false
	}
	r.Entries = append(r.Entries[:i], r.Entries[i+1:]...)
	return true
}

func encodeRecord(r *record) ([]byte, error) {
	return encMode.Marshal(r)
}

func decodeRecord(data []byte) (*record, error) {
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

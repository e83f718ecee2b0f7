package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Entry.Value is stored as an interface, and gob requires every concrete
// type ever placed behind an interface to be registered before Encode or
// Decode will touch it. This package registers only the generic container
// shapes it itself might see in a table (plain strings and the map shapes
// item code commonly uses); a stage package that stores its own concrete
// type in a table (*downloader.Request, a spider's own item struct, …) is
// responsible for registering that type from its own init(), the same way
// a caller of net/rpc or encoding/gob anywhere else in the ecosystem would.
func init() {
	gob.Register("")
	gob.Register(map[string]any{})
	gob.Register(map[string]string{})
}

// fileMagic tags the on-disk container so a loader can fail fast on a
// non-table file instead of running gob decode against garbage.
var fileMagic = [4]byte{'s', 'c', 'e', 't'} // "scrapy-engine ets"

const fileFormatVersion = 1

// tableFileName returns "<base>_<role>.ets", the naming scheme used for
// both dump and load.
func tableFileName(base string, role TableRole) string {
	return fmt.Sprintf("%s_%s.ets", base, role)
}

// dumpTable writes role's current contents to <base>_<role>.ets: a header
// (magic, format version, role, payload length in bytes), a gob-encoded entry slice,
// and a trailing SHA-256 over everything before the trailer. No third-party
// hashing library in the corpus is used for data-integrity trailers (the
// only hash-adjacent dependency anywhere in the pack, cespare/xxhash, shows
// up solely as an indirect dependency of golangci-lint's own toolchain, not
// as product code any example imports) so this uses the standard library,
// per DESIGN.md.
func dumpTable(base string, t *SharedTable) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(t.entries()); err != nil {
		return fmt.Errorf("dump %s: encode: %w", t.role, err)
	}

	var buf bytes.Buffer
	buf.Write(fileMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(fileFormatVersion))
	roleBytes := []byte(t.role)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(roleBytes)))
	buf.Write(roleBytes)
	_ = binary.Write(&buf, binary.BigEndian, uint64(body.Len()))
	buf.Write(body.Bytes())

	sum := sha256.Sum256(buf.Bytes())

	path := tableFileName(base, t.role)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dump %s: mkdir: %w", t.role, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dump %s: create: %w", t.role, err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("dump %s: write: %w", t.role, err)
	}
	if _, err := f.Write(sum[:]); err != nil {
		return fmt.Errorf("dump %s: write trailer: %w", t.role, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("dump %s: sync: %w", t.role, err)
	}
	return nil
}

// ErrIntegrity reports a table file that failed its trailer check.
type ErrIntegrity struct {
	File string
}

func (e *ErrIntegrity) Error() string {
	return fmt.Sprintf("table file %q failed integrity check", e.File)
}

// loadTable reads <base>_<role>.ets back into a fresh table. It is the
// exact inverse of dumpTable: same header layout, same trailer placement.
func loadTable(base string, role TableRole) (*SharedTable, error) {
	path := tableFileName(base, role)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", role, err)
	}
	if len(raw) < sha256.Size {
		return nil, &ErrIntegrity{File: path}
	}
	body, trailer := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, &ErrIntegrity{File: path}
	}

	r := bytes.NewReader(body)
	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != fileMagic {
		return nil, &ErrIntegrity{File: path}
	}
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil || version != fileFormatVersion {
		return nil, &ErrIntegrity{File: path}
	}
	var roleLen uint32
	if err := binary.Read(r, binary.BigEndian, &roleLen); err != nil {
		return nil, &ErrIntegrity{File: path}
	}
	roleBytes := make([]byte, roleLen)
	if _, err := r.Read(roleBytes); err != nil {
		return nil, &ErrIntegrity{File: path}
	}
	if TableRole(roleBytes) != role {
		return nil, &ErrIntegrity{File: path}
	}
	var payloadLen uint64
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return nil, &ErrIntegrity{File: path}
	}

	var entries []Entry
	if err := gob.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("load %s: decode: %w", role, err)
	}

	t := NewTable(role)
	t.loadEntries(entries)
	return t, nil
}

// dumpAllTables writes all seven tables under base, in Roles order. It is
// not atomic across files: the suspend-gate in Dump2File is what makes the
// seven-file snapshot a consistent cut.
func dumpAllTables(base string, tables map[TableRole]*SharedTable) error {
	for _, role := range Roles {
		t, ok := tables[role]
		if !ok {
			return fmt.Errorf("dump: missing table for role %s", role)
		}
		if err := dumpTable(base, t); err != nil {
			return err
		}
	}
	return nil
}

// loadAllTables reads all seven tables from base. A failure on any one file
// aborts the whole load and identifies the offending file.
func loadAllTables(base string) (map[TableRole]*SharedTable, error) {
	tables := make(map[TableRole]*SharedTable, len(Roles))
	for _, role := range Roles {
		t, err := loadTable(base, role)
		if err != nil {
			return nil, err
		}
		tables[role] = t
	}
	return tables, nil
}

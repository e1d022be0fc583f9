// Package records implements the on-disk container for named flat float
// arrays: optimizer accumulators are stored as one record per field so a
// checkpoint can be restored by an optimizer with a different field set.
package records

import (
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

const (
	fileMagic   = "shardsync.records"
	fileVersion = 1
)

// Record is one named flat float32 array with its logical shape.
type Record struct {
	Name  string    `cbor:"name"`
	Shape []int64   `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

type container struct {
	Magic   string   `cbor:"magic"`
	Version int      `cbor:"version"`
	Records []Record `cbor:"records"`
}

// Write encodes the records to w.
func Write(w io.Writer, recs []Record) error {
	c := container{
		Magic:   fileMagic,
		Version: fileVersion,
		Records: recs,
	}
	if err := cbor.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("records: failed to encode: %w", err)
	}
	return nil
}

// Read decodes records from r.
func Read(r io.Reader) ([]Record, error) {
	var c container
	if err := cbor.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("records: failed to decode: %w", err)
	}
	if c.Magic != fileMagic {
		return nil, fmt.Errorf("records: bad magic %q", c.Magic)
	}
	if c.Version != fileVersion {
		return nil, fmt.Errorf("records: unsupported version %d", c.Version)
	}
	return c.Records, nil
}

// Save writes the records to path, replacing any existing file only on a
// complete write.
func Save(path string, recs []Record) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("records: failed to create %s: %w", tmp, err)
	}
	if err := Write(f, recs); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("records: failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("records: failed to replace %s: %w", path, err)
	}
	return nil
}

// Load reads the records stored at path.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("records: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Find returns the record with the given name, if present.
func Find(recs []Record, name string) (Record, bool) {
	for _, r := range recs {
		if r.Name == name {
			return r, true
		}
	}
	return Record{}, false
}

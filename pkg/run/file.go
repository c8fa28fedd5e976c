package run

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/dbrumbaugh/sampling-extension/pkg/record"
)

// PersistToFile writes the raw record array to path. The file is a plain
// sequence of fixed-width records, so a reload reproduces the data array
// byte for byte.
func (r *Run) PersistToFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create run file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	var buf [record.Size]byte
	for i := range r.data {
		r.data[i].EncodeTo(buf[:])
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("failed to write run file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush run file: %w", err)
	}
	return nil
}

// LoadFromFile rebuilds a run from a persisted record array, verifying
// sortedness and reconstructing the filter, weights and internal index.
func LoadFromFile(path string, fp FilterParams, rng *rand.Rand) (*Run, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat run file: %w", err)
	}
	if info.Size()%record.Size != 0 {
		return nil, fmt.Errorf("run file %s is not a whole number of records", path)
	}
	n := int(info.Size() / record.Size)

	out := newRun(n, estimateTombstones(n), fp, rng)

	rd := bufio.NewReader(file)
	var buf [record.Size]byte
	var prev record.Record
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(rd, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read run file: %w", err)
		}
		var rec record.Record
		rec.DecodeFrom(buf[:])
		if i > 0 && record.Compare(&prev, &rec) > 0 {
			return nil, ErrSortViolation
		}
		out.push(rec)
		prev = rec
	}

	out.finish()
	return out, nil
}

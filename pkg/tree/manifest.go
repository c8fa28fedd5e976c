package tree

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dbrumbaugh/sampling-extension/pkg/level"
	"github.com/dbrumbaugh/sampling-extension/pkg/run"
)

// The snapshot layout under the manifest directory:
//
//	MANIFEST            one line per level: "level <idx> <level-manifest>"
//	level_<idx>.manifest one line per run:  "memory <file> <records> <tombstones>"
//	run_<uuid>.dat       raw record array for one run
//
// Run files are named by a fresh version token each persist, so a reload
// concurrent with a later persist never reads a half-written file.
const manifestName = "MANIFEST"

// Persist snapshots the tree into dir. The memtable is flushed first so
// the manifest captures every record.
func (t *Tree) Persist(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	if t.mt.RecordCount() > 0 {
		t.flush()
	}

	levels := t.snapshot()
	treeFile, err := os.Create(filepath.Join(dir, manifestName))
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer treeFile.Close()

	tw := bufio.NewWriter(treeFile)
	for i, lvl := range levels {
		levelManifest := fmt.Sprintf("level_%d.manifest", i)
		if err := t.persistLevel(dir, levelManifest, lvl); err != nil {
			return err
		}
		fmt.Fprintf(tw, "level %d %s\n", i, levelManifest)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	t.logger.Info("tree persisted", "dir", dir, "levels", len(levels))
	return nil
}

func (t *Tree) persistLevel(dir, name string, lvl *level.Level) error {
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to create level manifest: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for i := 0; i < lvl.RunCount(); i++ {
		r := lvl.Run(i)
		runFile := fmt.Sprintf("run_%s.dat", uuid.NewString())
		if err := r.PersistToFile(filepath.Join(dir, runFile)); err != nil {
			return err
		}
		fmt.Fprintf(w, "memory %s %d %d\n", runFile, r.RecordCount(), r.TombstoneCount())
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write level manifest: %w", err)
	}
	return nil
}

// Load reconstructs a tree from a manifest directory written by Persist.
// Per-run record and tombstone counts are verified against the manifest.
func Load(rootDir, dir string, opts Options, rng *rand.Rand) (*Tree, error) {
	t, err := New(rootDir, opts, rng)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	levels := make([]*level.Level, 0)
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "level" {
			return nil, fmt.Errorf("malformed manifest line %q", line)
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx != len(levels) {
			return nil, fmt.Errorf("manifest levels out of order at %q", line)
		}
		lvl, err := t.loadLevel(dir, fields[2], idx, rng)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	t.publish(levels)
	t.logger.Info("tree reloaded", "dir", dir, "levels", len(levels), "records", t.RecordCount())
	return t, nil
}

func (t *Tree) loadLevel(dir, name string, idx int, rng *rand.Rand) (*level.Level, error) {
	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open level manifest: %w", err)
	}
	defer file.Close()

	lvl := level.New(idx, t.runCap(), t.levelShape())
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "memory" {
			return nil, fmt.Errorf("malformed run line %q in %s", line, name)
		}
		records, err1 := strconv.Atoi(fields[2])
		tombstones, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("malformed run counts in %q", line)
		}

		r, err := run.LoadFromFile(filepath.Join(dir, fields[1]), t.filterParams(), rng)
		if err != nil {
			return nil, err
		}
		if r.RecordCount() != records || r.TombstoneCount() != tombstones {
			return nil, fmt.Errorf("run %s does not match manifest counts (%d/%d vs %d/%d)",
				fields[1], r.RecordCount(), r.TombstoneCount(), records, tombstones)
		}
		lvl, err = lvl.WithRun(r)
		if err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read level manifest: %w", err)
	}
	return lvl, nil
}

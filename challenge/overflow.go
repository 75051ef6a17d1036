package challenge

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	DefaultMaxOverflowBytes = 256 << 20
	DefaultMinFreeDisk      = 64 << 20
	DefaultMaxPuzzleAge     = 24 * time.Hour

	overflowPrefix  = "pool_"
	overflowSuffix  = ".cbor"
	snapshotVersion = 1
)

var (
	// ErrOverflowFull is returned if dump would exceed a size of the
	// overflow directory.
	ErrOverflowFull = errors.New("overflow directory is full")

	// ErrLowDisk is returned if a disk has less free space than required.
	ErrLowDisk = errors.New("not enough free disk space")
)

type snapshot struct {
	Version int      `cbor:"1,keyasint"`
	Puzzles []Puzzle `cbor:"2,keyasint"`
}

// OverflowOpts defines settings of the overflow storage.
type OverflowOpts struct {
	// Dir is a directory for snapshots.
	//
	// This is a mandatory setting.
	Dir string

	// MaxBytes bounds a total size of snapshots.
	//
	// This is an optional setting.
	MaxBytes int64

	// MinFreeDisk is a free disk space which dump must leave.
	//
	// This is an optional setting.
	MinFreeDisk uint64

	// MaxAge is an age of a puzzle after which it is discarded on load.
	//
	// This is an optional setting.
	MaxAge time.Duration

	// Clock returns current time.
	//
	// This is an optional setting.
	Clock func() time.Time
}

// Overflow is a best-effort disk storage of surplus puzzles. Every dump
// is a separate file; load consumes the oldest file and removes it.
type Overflow struct {
	dir         string
	maxBytes    int64
	minFreeDisk uint64
	maxAge      time.Duration
	now         func() time.Time
	encMode     cbor.EncMode
}

// Dump writes puzzles into a new snapshot file.
func (o *Overflow) Dump(puzzles []Puzzle) error {
	if len(puzzles) == 0 {
		return nil
	}

	data, err := o.encMode.Marshal(snapshot{
		Version: snapshotVersion,
		Puzzles: puzzles,
	})
	if err != nil {
		return fmt.Errorf("cannot encode snapshot: %w", err)
	}

	used, _, err := o.Usage()
	if err != nil {
		return err
	}

	if used+int64(len(data)) > o.maxBytes {
		return ErrOverflowFull
	}

	free, err := freeDiskSpace(o.dir)
	if err != nil {
		return fmt.Errorf("cannot get free disk space: %w", err)
	}

	if free < o.minFreeDisk+uint64(len(data)) {
		return ErrLowDisk
	}

	tmp, err := os.CreateTemp(o.dir, ".tmp-"+overflowPrefix)
	if err != nil {
		return fmt.Errorf("cannot create snapshot file: %w", err)
	}

	defer os.Remove(tmp.Name()) //nolint: errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("cannot write snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), o.freeName()); err != nil {
		return fmt.Errorf("cannot rename snapshot: %w", err)
	}

	return nil
}

// LoadOldest reads the oldest snapshot and removes it. Puzzles older than
// MaxAge are dropped. It returns nil if there are no snapshots.
func (o *Overflow) LoadOldest() ([]Puzzle, error) {
	files, err := o.files()
	if err != nil || len(files) == 0 {
		return nil, err
	}

	path := filepath.Join(o.dir, files[0])

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read snapshot: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("cannot remove snapshot: %w", err)
	}

	snap := snapshot{}
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("cannot decode snapshot %s: %w", files[0], err)
	}

	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	deadline := o.now().Add(-o.maxAge)

	return slices.DeleteFunc(snap.Puzzles, func(p Puzzle) bool {
		return !p.Variant.Valid() || p.GeneratedAt.Before(deadline)
	}), nil
}

// Usage returns a total size and a number of snapshot files.
func (o *Overflow) Usage() (int64, int, error) {
	files, err := o.files()
	if err != nil {
		return 0, 0, err
	}

	var total int64

	for _, name := range files {
		if stat, err := os.Stat(filepath.Join(o.dir, name)); err == nil {
			total += stat.Size()
		}
	}

	return total, len(files), nil
}

// freeName returns a path of a new snapshot. Millis are bumped if a file
// with the same timestamp already exists.
func (o *Overflow) freeName() string {
	stamp := o.now().UnixMilli()

	for {
		path := filepath.Join(o.dir, overflowPrefix+strconv.FormatInt(stamp, 10)+overflowSuffix)

		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}

		stamp++
	}
}

// files returns snapshot names, oldest first.
func (o *Overflow) files() ([]string, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read overflow directory: %w", err)
	}

	names := []string{}

	for _, entry := range entries {
		name := entry.Name()

		if entry.Type().IsRegular() && strings.HasPrefix(name, overflowPrefix) && strings.HasSuffix(name, overflowSuffix) {
			names = append(names, name)
		}
	}

	slices.SortFunc(names, func(a, b string) int {
		return cmp.Compare(snapshotTime(a), snapshotTime(b))
	})

	return names, nil
}

func snapshotTime(name string) int64 {
	value, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, overflowPrefix), overflowSuffix), 10, 64)

	return value
}

// NewOverflow creates an overflow storage. Directory is created if
// missing.
func NewOverflow(opts OverflowOpts) (*Overflow, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("overflow directory is not defined")
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil { //nolint: gomnd
		return nil, fmt.Errorf("cannot create overflow directory: %w", err)
	}

	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cannot build cbor encoder: %w", err)
	}

	overflow := &Overflow{
		dir:         opts.Dir,
		maxBytes:    opts.MaxBytes,
		minFreeDisk: opts.MinFreeDisk,
		maxAge:      opts.MaxAge,
		now:         opts.Clock,
		encMode:     encMode,
	}

	if overflow.maxBytes == 0 {
		overflow.maxBytes = DefaultMaxOverflowBytes
	}

	if overflow.minFreeDisk == 0 {
		overflow.minFreeDisk = DefaultMinFreeDisk
	}

	if overflow.maxAge == 0 {
		overflow.maxAge = DefaultMaxPuzzleAge
	}

	if overflow.now == nil {
		overflow.now = time.Now
	}

	return overflow, nil
}

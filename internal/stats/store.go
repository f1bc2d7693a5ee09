// Package stats keeps per-interface and per-uid traffic counters in
// append-only CSV files and answers windowed byte queries over them.
package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
)

// File names inside the stats directory.
const (
	IfaceFile      = "iface.csv"
	UIDFile        = "uid.csv"
	IfaceStatsFile = "iface_stats.csv"
	UIDStatsFile   = "uid_stats.csv"
)

// Sample is one counter reading.
type Sample struct {
	Time time.Time
	Rx   uint64
	Tx   uint64
}

// Bytes is a byte total over a window.
type Bytes struct {
	Rx uint64 `json:"rx_bytes"`
	Tx uint64 `json:"tx_bytes"`
}

// UIDKey identifies a per-uid series.
type UIDKey struct {
	UID   uint32
	Iface string
}

// Store is the CSV-backed counter store. Every series is also indexed in
// memory, sorted by time.
type Store struct {
	dir    string
	clock  clock.Clock
	logger *logging.Logger

	mu          sync.RWMutex
	ifaces      []string
	uids        []UIDKey
	ifaceSeries map[string][]Sample
	uidSeries   map[UIDKey][]Sample
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock sets the clock used for backup names.
func WithStoreClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *logging.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Open loads the four CSV files under dir, creating dir if needed.
func Open(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:         dir,
		ifaceSeries: make(map[string][]Sample),
		uidSeries:   make(map[UIDKey][]Sample),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	s.logger = logging.OrDefault(s.logger).WithComponent("stats")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "create stats dir %s", dir)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory holding the CSV files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) load() error {
	err := s.readFile(IfaceFile, 1, func(rec []string) error {
		s.addIfaceLocked(rec[0])
		return nil
	})
	if err != nil {
		return err
	}

	err = s.readFile(UIDFile, 2, func(rec []string) error {
		uid, err := parseUID(rec[0])
		if err != nil {
			return err
		}
		s.addUIDLocked(UIDKey{UID: uid, Iface: rec[1]})
		return nil
	})
	if err != nil {
		return err
	}

	err = s.readFile(IfaceStatsFile, 4, func(rec []string) error {
		smp, err := parseSample(rec[1:])
		if err != nil {
			return err
		}
		s.addIfaceLocked(rec[0])
		s.ifaceSeries[rec[0]] = append(s.ifaceSeries[rec[0]], smp)
		return nil
	})
	if err != nil {
		return err
	}

	err = s.readFile(UIDStatsFile, 5, func(rec []string) error {
		uid, err := parseUID(rec[0])
		if err != nil {
			return err
		}
		smp, err := parseSample(rec[2:])
		if err != nil {
			return err
		}
		key := UIDKey{UID: uid, Iface: rec[1]}
		s.addUIDLocked(key)
		s.uidSeries[key] = append(s.uidSeries[key], smp)
		return nil
	})
	if err != nil {
		return err
	}

	for k, series := range s.ifaceSeries {
		s.ifaceSeries[k] = sortSeries(series)
	}
	for k, series := range s.uidSeries {
		s.uidSeries[k] = sortSeries(series)
	}
	return nil
}

// readFile feeds every record with at least fields columns to fn. Malformed
// rows are logged and skipped; a missing file is empty.
func (s *Store) readFile(name string, fields int, fn func([]string) error) error {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			s.logger.Warn("skipping unreadable stats row", "file", name, "line", line, "error", err)
			continue
		}
		if len(rec) < fields {
			s.logger.Warn("skipping short stats row", "file", name, "line", line)
			continue
		}
		if err := fn(rec); err != nil {
			s.logger.Warn("skipping bad stats row", "file", name, "line", line, "error", err)
		}
	}
}

func parseUID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func parseSample(rec []string) (Sample, error) {
	ts, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return Sample{}, err
	}
	rx, err := strconv.ParseUint(rec[1], 10, 64)
	if err != nil {
		return Sample{}, err
	}
	tx, err := strconv.ParseUint(rec[2], 10, 64)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Time: time.Unix(ts, 0), Rx: rx, Tx: tx}, nil
}

func sampleFields(smp Sample) []string {
	return []string{
		strconv.FormatInt(smp.Time.Unix(), 10),
		strconv.FormatUint(smp.Rx, 10),
		strconv.FormatUint(smp.Tx, 10),
	}
}

func sortSeries(series []Sample) []Sample {
	slices.SortStableFunc(series, func(a, b Sample) int { return a.Time.Compare(b.Time) })
	return series
}

func (s *Store) addIfaceLocked(iface string) bool {
	if _, ok := s.ifaceSeries[iface]; ok {
		return false
	}
	s.ifaces = append(s.ifaces, iface)
	s.ifaceSeries[iface] = nil
	return true
}

func (s *Store) addUIDLocked(key UIDKey) bool {
	if _, ok := s.uidSeries[key]; ok {
		return false
	}
	s.uids = append(s.uids, key)
	s.uidSeries[key] = nil
	return true
}

// AddIface registers iface. Registering a known interface is a no-op.
func (s *Store) AddIface(iface string) error {
	if iface == "" {
		return fmt.Errorf("empty interface name: %w", errors.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.addIfaceLocked(iface) {
		return nil
	}
	return s.appendRows(IfaceFile, [][]string{{iface}})
}

// AddUID registers the (uid, iface) series.
func (s *Store) AddUID(uid uint32, iface string) error {
	if iface == "" {
		return fmt.Errorf("empty interface name: %w", errors.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.addUIDLocked(UIDKey{UID: uid, Iface: iface}) {
		return nil
	}
	return s.appendRows(UIDFile, [][]string{{strconv.FormatUint(uint64(uid), 10), iface}})
}

// Ifaces returns the registered interfaces in registration order.
func (s *Store) Ifaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.ifaces)
}

// UIDs returns the registered uid series in registration order.
func (s *Store) UIDs() []UIDKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.uids)
}

// Last returns the newest sample of iface.
func (s *Store) Last(iface string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.ifaceSeries[iface]
	if len(series) == 0 {
		return Sample{}, false
	}
	return series[len(series)-1], true
}

// LastUID returns the newest sample of key.
func (s *Store) LastUID(key UIDKey) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.uidSeries[key]
	if len(series) == 0 {
		return Sample{}, false
	}
	return series[len(series)-1], true
}

// AppendIface appends one sample per interface, registering unknown
// interfaces first.
func (s *Store) AppendIface(samples map[string]Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reg, rows [][]string
	for _, iface := range sortedIfaces(samples) {
		smp := samples[iface]
		if s.addIfaceLocked(iface) {
			reg = append(reg, []string{iface})
		}
		s.ifaceSeries[iface] = insertSample(s.ifaceSeries[iface], smp)
		rows = append(rows, append([]string{iface}, sampleFields(smp)...))
	}
	if err := s.appendRows(IfaceFile, reg); err != nil {
		return err
	}
	return s.appendRows(IfaceStatsFile, rows)
}

// AppendUID appends one sample per uid series.
func (s *Store) AppendUID(samples map[UIDKey]Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]UIDKey, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUIDKey)

	var reg, rows [][]string
	for _, key := range keys {
		smp := samples[key]
		uid := strconv.FormatUint(uint64(key.UID), 10)
		if s.addUIDLocked(key) {
			reg = append(reg, []string{uid, key.Iface})
		}
		s.uidSeries[key] = insertSample(s.uidSeries[key], smp)
		rows = append(rows, append([]string{uid, key.Iface}, sampleFields(smp)...))
	}
	if err := s.appendRows(UIDFile, reg); err != nil {
		return err
	}
	return s.appendRows(UIDStatsFile, rows)
}

func sortedIfaces(m map[string]Sample) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func compareUIDKey(a, b UIDKey) int {
	if a.UID != b.UID {
		if a.UID < b.UID {
			return -1
		}
		return 1
	}
	switch {
	case a.Iface < b.Iface:
		return -1
	case a.Iface > b.Iface:
		return 1
	}
	return 0
}

// insertSample keeps series sorted. Samples normally arrive in order.
func insertSample(series []Sample, smp Sample) []Sample {
	i := len(series)
	for i > 0 && series[i-1].Time.After(smp.Time) {
		i--
	}
	return slices.Insert(series, i, smp)
}

func (s *Store) appendRows(name string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "open %s", path)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return errors.Wrapf(err, errors.KindInternal, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "close %s", path)
	}
	return nil
}

// IfaceBytes sums the traffic of iface between the recorded samples nearest
// to start and end.
func (s *Store) IfaceBytes(iface string, start, end time.Time) (Bytes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.ifaceSeries[iface]
	if !ok {
		return Bytes{}, fmt.Errorf("interface %q: %w", iface, errors.ErrInvalidParameter)
	}
	return windowBytes(series, start, end)
}

// UIDBytes sums the traffic of uid on iface.
func (s *Store) UIDBytes(uid uint32, iface string, start, end time.Time) (Bytes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.uidSeries[UIDKey{UID: uid, Iface: iface}]
	if !ok {
		return Bytes{}, fmt.Errorf("uid %d on %q: %w", uid, iface, errors.ErrInvalidParameter)
	}
	return windowBytes(series, start, end)
}

// UpdateIfacesStats replaces the samples of iface inside the recorded window
// nearest to [start, end] with a zero sample at its start and a sample
// carrying rx and tx at its end. The previous file is kept as a backup.
func (s *Store) UpdateIfacesStats(iface string, start, end time.Time, rx, tx int64) error {
	if rx < 0 || tx < 0 {
		return fmt.Errorf("negative byte count: %w", errors.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.ifaceSeries[iface]
	if !ok {
		return fmt.Errorf("interface %q: %w", iface, errors.ErrInvalidParameter)
	}
	lo, hi, err := resolveWindow(series, start, end)
	if err != nil {
		return err
	}

	updated := make([]Sample, 0, len(series)+2)
	for _, smp := range series {
		if smp.Time.Before(lo) {
			updated = append(updated, smp)
		}
	}
	updated = append(updated,
		Sample{Time: lo},
		Sample{Time: hi, Rx: uint64(rx), Tx: uint64(tx)},
	)
	for _, smp := range series {
		if smp.Time.After(hi) {
			updated = append(updated, smp)
		}
	}

	var rows [][]string
	for _, name := range s.ifaces {
		ss := s.ifaceSeries[name]
		if name == iface {
			ss = updated
		}
		for _, smp := range ss {
			rows = append(rows, append([]string{name}, sampleFields(smp)...))
		}
	}
	backup, err := s.rewrite(IfaceStatsFile, rows)
	if err != nil {
		return err
	}
	s.ifaceSeries[iface] = updated

	s.logger.Audit("update_iface_stats", iface, map[string]any{
		"start":  lo.Unix(),
		"end":    hi.Unix(),
		"rx":     rx,
		"tx":     tx,
		"backup": backup,
	})
	return nil
}

// rewrite replaces name with rows: the new content goes to a temporary file,
// the current file is linked to a backup and the temporary file is renamed
// over it. It returns the backup name.
func (s *Store) rewrite(name string, rows [][]string) (string, error) {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "create %s", tmp)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errors.Wrapf(err, errors.KindInternal, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errors.Wrapf(err, errors.KindInternal, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, errors.KindInternal, "close %s", tmp)
	}

	backup := s.backupName(name)
	if err := linkOrCopy(path, filepath.Join(s.dir, backup)); err != nil && !os.IsNotExist(err) {
		os.Remove(tmp)
		return "", errors.Wrapf(err, errors.KindInternal, "back up %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, errors.KindInternal, "rename %s", tmp)
	}
	return backup, nil
}

// backupName returns "<name>.<stamp>.bak"; the stamp holds no dots so backup
// cleanup can recover the original name.
func (s *Store) backupName(name string) string {
	stamp := s.clock.Now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s.%s-%s.bak", name, stamp, uuid.NewString()[:8])
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil || os.IsNotExist(err) {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

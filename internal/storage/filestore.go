package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balticgrid/estfeed/internal/models"
)

// seriesDocument is the on-disk shape of one (eic, resolution) series.
type seriesDocument struct {
	EIC        string             `json:"eic"`
	Resolution models.Resolution  `json:"resolution"`
	LastFetch  time.Time          `json:"lastFetch"`
	Coverage   []models.TimeRange `json:"coverage"`
	Points     []models.DataPoint `json:"points"`
}

// FileStore persists each series as a JSON document under a directory,
// written atomically via a temp file and rename. It satisfies the
// read-merge-write idempotence contract of HistoryStore without an
// external database.
type FileStore struct {
	dir    string
	logger *logrus.Logger

	mu     sync.Mutex
	series map[string]*seriesDocument // loaded lazily from disk
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		series: make(map[string]*seriesDocument),
	}, nil
}

func seriesKey(eic string, res models.Resolution) string {
	return strings.ToLower(eic + "_" + string(res))
}

func (s *FileStore) path(eic string, res models.Resolution) string {
	return filepath.Join(s.dir, seriesKey(eic, res)+".json")
}

// load returns the in-memory document for the series, reading it from disk
// on first access. Caller holds s.mu.
func (s *FileStore) load(eic string, res models.Resolution) (*seriesDocument, error) {
	key := seriesKey(eic, res)
	if doc, ok := s.series[key]; ok {
		return doc, nil
	}

	doc := &seriesDocument{EIC: eic, Resolution: res}
	data, err := os.ReadFile(s.path(eic, res))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// new series
	case err != nil:
		return nil, &StorageError{Op: "read", Err: err}
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, &StorageError{Op: "read", Err: fmt.Errorf("corrupt series file %s: %w", s.path(eic, res), err)}
		}
		s.logger.WithFields(logrus.Fields{
			"eic":    eic,
			"points": len(doc.Points),
		}).Debug("Loaded cached history from disk")
	}
	s.series[key] = doc
	return doc, nil
}

// save writes the document to disk atomically. Caller holds s.mu.
func (s *FileStore) save(doc *seriesDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &StorageError{Op: "write", Err: err}
	}

	target := s.path(doc.EIC, doc.Resolution)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}

func (s *FileStore) CoveredRanges(ctx context.Context, eic string, res models.Resolution) ([]models.TimeRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(eic, res)
	if err != nil {
		return nil, err
	}
	return MergeRanges(doc.Coverage), nil
}

func (s *FileStore) Query(ctx context.Context, eic string, res models.Resolution, start, end time.Time) ([]models.DataPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(eic, res)
	if err != nil {
		return nil, err
	}

	var out []models.DataPoint
	for _, p := range doc.Points {
		if !p.Timestamp.Before(start) && p.Timestamp.Before(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *FileStore) Merge(ctx context.Context, eic string, res models.Resolution, span models.TimeRange, points []models.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(eic, res)
	if err != nil {
		return err
	}

	// Merge into a copy; the in-memory document only changes once the
	// write lands. Otherwise a failed save would leave coverage claiming
	// data the disk never got.
	merged := make([]models.DataPoint, len(doc.Points), len(doc.Points)+len(points))
	copy(merged, doc.Points)

	// Set-union keyed on (timestamp, field), last write wins on value.
	type pointKey struct {
		ts    int64
		field string
	}
	index := make(map[pointKey]int, len(merged))
	for i, p := range merged {
		index[pointKey{p.Timestamp.UnixNano(), p.Field}] = i
	}

	added := 0
	for _, p := range points {
		key := pointKey{p.Timestamp.UnixNano(), p.Field}
		if i, ok := index[key]; ok {
			merged[i].Value = p.Value
			continue
		}
		index[key] = len(merged)
		merged = append(merged, p)
		added++
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Field < merged[j].Field
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	next := &seriesDocument{
		EIC:        doc.EIC,
		Resolution: doc.Resolution,
		LastFetch:  time.Now().UTC(),
		Coverage:   MergeRanges(append(append([]models.TimeRange(nil), doc.Coverage...), span)),
		Points:     merged,
	}

	if err := s.save(next); err != nil {
		return err
	}
	s.series[seriesKey(eic, res)] = next

	s.logger.WithFields(logrus.Fields{
		"eic":   eic,
		"added": added,
		"total": len(next.Points),
	}).Debug("Merged points into history cache")
	return nil
}

func (s *FileStore) Stats(ctx context.Context, eic string, res models.Resolution) (SeriesStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(eic, res)
	if err != nil {
		return SeriesStats{}, err
	}
	return SeriesStats{Points: len(doc.Points), LastFetch: doc.LastFetch}, nil
}

func (s *FileStore) Clear(ctx context.Context, eic string, res models.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.series, seriesKey(eic, res))
	if err := os.Remove(s.path(eic, res)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

var _ HistoryStore = (*FileStore)(nil)

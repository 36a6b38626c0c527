package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// BadgerStore persists state in an embedded Badger database. Metric samples
// carry a TTL so telemetry history ages out on its own.
type BadgerStore struct {
	db        *badger.DB
	sampleTTL time.Duration
	seq       atomic.Uint64
}

// NewBadgerStore opens or creates the database directory at opts.Path.
func NewBadgerStore(opts Options, logger *slog.Logger) (*BadgerStore, error) {
	if opts.Path == "" {
		return nil, errors.New("badger store path is required")
	}
	if err := os.MkdirAll(opts.Path, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	bopts := badger.DefaultOptions(opts.Path).WithSyncWrites(false)
	if logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	ttl := opts.SampleTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &BadgerStore{db: db, sampleTTL: ttl}, nil
}

// SaveAlert inserts or replaces an alert by id.
func (s *BadgerStore) SaveAlert(_ context.Context, alert models.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	return s.putJSON([]byte("alert/"+alert.ID), alert, 0)
}

// GetAlert fetches one alert by id.
func (s *BadgerStore) GetAlert(_ context.Context, id string) (models.Alert, error) {
	var alert models.Alert
	if err := s.getJSON([]byte("alert/"+id), &alert); err != nil {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, err)
	}
	return alert, nil
}

// ListAlerts returns alerts matching the query, newest first.
func (s *BadgerStore) ListAlerts(_ context.Context, q AlertQuery) ([]models.Alert, error) {
	var out []models.Alert
	err := s.scanPrefix([]byte("alert/"), func(val []byte) error {
		var a models.Alert
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		if q.matches(a) {
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// AppendSamples stores metric samples with the configured TTL.
func (s *BadgerStore) AppendSamples(_ context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, sample := range samples {
			key := fmt.Sprintf("sample/%s/%020d/%d", sample.Name, sample.Timestamp.UnixNano(), s.seq.Add(1))
			data, err := json.Marshal(sample)
			if err != nil {
				return fmt.Errorf("encode sample %s: %w", sample.Name, err)
			}
			if err := txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(s.sampleTTL)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentSamples returns up to limit samples for a series, oldest first.
func (s *BadgerStore) RecentSamples(_ context.Context, name string, limit int) ([]models.MetricSample, error) {
	var out []models.MetricSample
	err := s.scanRecent([]byte("sample/"+name+"/"), limit, func(val []byte) error {
		var sample models.MetricSample
		if err := json.Unmarshal(val, &sample); err != nil {
			return err
		}
		out = append(out, sample)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent samples %s: %w", name, err)
	}
	reverse(out)
	return out, nil
}

// SaveDiagnosis appends a diagnosis record.
func (s *BadgerStore) SaveDiagnosis(_ context.Context, d models.Diagnosis) error {
	key := fmt.Sprintf("diag/%020d/%s", d.CreatedAt.UnixNano(), d.ID)
	return s.putJSON([]byte(key), d, 0)
}

// RecentDiagnoses returns up to limit diagnoses, newest first.
func (s *BadgerStore) RecentDiagnoses(_ context.Context, limit int) ([]models.Diagnosis, error) {
	var out []models.Diagnosis
	err := s.scanRecent([]byte("diag/"), limit, func(val []byte) error {
		var d models.Diagnosis
		if err := json.Unmarshal(val, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent diagnoses: %w", err)
	}
	return out, nil
}

// AppendRepair appends a repair outcome.
func (s *BadgerStore) AppendRepair(_ context.Context, outcome models.RepairOutcome) error {
	key := fmt.Sprintf("repair/%020d/%s", outcome.FinishedAt.UnixNano(), outcome.ID)
	return s.putJSON([]byte(key), outcome, 0)
}

// RecentRepairs returns up to limit repair outcomes, newest first.
func (s *BadgerStore) RecentRepairs(_ context.Context, limit int) ([]models.RepairOutcome, error) {
	var out []models.RepairOutcome
	err := s.scanRecent([]byte("repair/"), limit, func(val []byte) error {
		var o models.RepairOutcome
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent repairs: %w", err)
	}
	return out, nil
}

// UpsertPattern inserts or replaces a learned pattern by hash.
func (s *BadgerStore) UpsertPattern(_ context.Context, p models.Pattern) error {
	if p.Hash == "" {
		return fmt.Errorf("pattern hash is required")
	}
	return s.putJSON([]byte("pattern/"+p.Hash), p, 0)
}

// ListPatterns returns all stored patterns.
func (s *BadgerStore) ListPatterns(_ context.Context) ([]models.Pattern, error) {
	var out []models.Pattern
	err := s.scanPrefix([]byte("pattern/"), func(val []byte) error {
		var p models.Pattern
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeletePattern removes a pattern by hash.
func (s *BadgerStore) DeletePattern(_ context.Context, hash string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("pattern/" + hash))
	})
}

// SavePrediction appends a prediction record.
func (s *BadgerStore) SavePrediction(_ context.Context, p models.Prediction) error {
	key := fmt.Sprintf("prediction/%020d/%s", p.CreatedAt.UnixNano(), p.ID)
	return s.putJSON([]byte(key), p, 0)
}

// RecentPredictions returns up to limit predictions, newest first.
func (s *BadgerStore) RecentPredictions(_ context.Context, limit int) ([]models.Prediction, error) {
	var out []models.Prediction
	err := s.scanRecent([]byte("prediction/"), limit, func(val []byte) error {
		var p models.Prediction
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent predictions: %w", err)
	}
	return out, nil
}

// AppendIncident appends a security incident.
func (s *BadgerStore) AppendIncident(_ context.Context, inc models.SecurityIncident) error {
	key := fmt.Sprintf("incident/%020d/%s", inc.CreatedAt.UnixNano(), inc.ID)
	return s.putJSON([]byte(key), inc, 0)
}

// RecentIncidents returns up to limit incidents, newest first.
func (s *BadgerStore) RecentIncidents(_ context.Context, limit int) ([]models.SecurityIncident, error) {
	var out []models.SecurityIncident
	err := s.scanRecent([]byte("incident/"), limit, func(val []byte) error {
		var inc models.SecurityIncident
		if err := json.Unmarshal(val, &inc); err != nil {
			return err
		}
		out = append(out, inc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent incidents: %w", err)
	}
	return out, nil
}

// SaveHealth stores the latest health summary.
func (s *BadgerStore) SaveHealth(_ context.Context, h models.HealthSummary) error {
	return s.putJSON([]byte("health/latest"), h, 0)
}

// LatestHealth returns the last stored health summary.
func (s *BadgerStore) LatestHealth(_ context.Context) (models.HealthSummary, error) {
	var h models.HealthSummary
	if err := s.getJSON([]byte("health/latest"), &h); err != nil {
		return models.HealthSummary{}, fmt.Errorf("health snapshot: %w", err)
	}
	return h, nil
}

// Ping verifies the database is open and readable.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("health/latest"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Maintain runs value log garbage collection until nothing is left to rewrite.
func (s *BadgerStore) Maintain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) putJSON(key []byte, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if ttl > 0 {
			return txn.SetEntry(badger.NewEntry(key, data).WithTTL(ttl))
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) getJSON(key []byte, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

func (s *BadgerStore) scanPrefix(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// scanRecent walks a time-keyed prefix backwards so callers see newest
// entries first.
func (s *BadgerStore) scanRecent(prefix []byte, limit int, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		opt.Reverse = true
		it := txn.NewIterator(opt)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		count := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && count >= limit {
				return nil
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

package usecase_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// In-memory ports used across the usecase tests. They implement the real
// semantics (ledger dedup, CAS phase advance, single emission) so scenario
// tests exercise the coordination logic, not mock expectations.

type memJobs struct {
	mu     sync.Mutex
	jobs   map[string]domain.Job
	counts map[string]domain.JobCounts
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]domain.Job{}, counts: map[string]domain.JobCounts{}}
}

func (m *memJobs) Create(_ domain.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("op=job.create: %w", domain.ErrConflict)
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (m *memJobs) AdvancePhase(_ domain.Context, id string, from, to domain.JobPhase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Phase != from {
		return false, nil
	}
	j.Phase = to
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return true, nil
}

func (m *memJobs) MarkFailed(_ domain.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
	}
	j.Phase = domain.PhaseFailed
	j.FailureReason = reason
	m.jobs[id] = j
	return nil
}

func (m *memJobs) MarkCancelled(_ domain.Context, id, reason, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
	}
	j.Phase = domain.PhaseCancelled
	j.CancellationReason = reason
	j.CancellationNotes = notes
	j.CancelledAt = &at
	m.jobs[id] = j
	return nil
}

func (m *memJobs) Counts(_ domain.Context, id string) (domain.JobCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[id], nil
}

type memPhaseEvents struct {
	mu    sync.Mutex
	seen  map[string]map[string]string // job -> name -> event id
	total int
}

func newMemPhaseEvents() *memPhaseEvents {
	return &memPhaseEvents{seen: map[string]map[string]string{}}
}

func (m *memPhaseEvents) Record(_ domain.Context, jobID, name, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[jobID] == nil {
		m.seen[jobID] = map[string]string{}
	}
	if _, ok := m.seen[jobID][name]; ok {
		return false, nil
	}
	m.seen[jobID][name] = eventID
	m.total++
	return true, nil
}

func (m *memPhaseEvents) Names(_ domain.Context, jobID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for n := range m.seen[jobID] {
		out[n] = true
	}
	return out, nil
}

type memProgress struct {
	mu     sync.Mutex
	ledger map[string]bool
	rows   map[string]domain.JobProgress
}

func newMemProgress() *memProgress {
	return &memProgress{ledger: map[string]bool{}, rows: map[string]domain.JobProgress{}}
}

func progressKey(jobID string, stage domain.Stage) string { return jobID + "|" + string(stage) }

func (m *memProgress) apply(eventID, consumer, jobID string, stage domain.Stage, mutate func(*domain.JobProgress)) (domain.JobProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey(jobID, stage)
	row := m.rows[key]
	row.JobID, row.Stage = jobID, stage
	if m.ledger[eventID+"|"+consumer] {
		return row, false, nil
	}
	m.ledger[eventID+"|"+consumer] = true
	mutate(&row)
	row.UpdatedAt = time.Now().UTC()
	m.rows[key] = row
	return row, true, nil
}

func (m *memProgress) ApplyTotal(_ domain.Context, eventID, consumer, jobID string, stage domain.Stage, total int, watermarkAt time.Time) (domain.JobProgress, bool, error) {
	return m.apply(eventID, consumer, jobID, stage, func(p *domain.JobProgress) {
		// A total arriving after emission is consumed without mutating the
		// counters, mirroring the guarded upsert.
		if p.CompletionEmitted {
			return
		}
		p.Expected = total
		p.ExpectedKnown = true
		w := watermarkAt
		p.WatermarkExpiresAt = &w
	})
}

func (m *memProgress) ApplyDone(_ domain.Context, eventID, consumer, jobID string, stage domain.Stage, n int) (domain.JobProgress, bool, error) {
	return m.apply(eventID, consumer, jobID, stage, func(p *domain.JobProgress) { p.Done += n })
}

func (m *memProgress) ApplyFailed(_ domain.Context, eventID, consumer, jobID string, stage domain.Stage, n int) (domain.JobProgress, bool, error) {
	return m.apply(eventID, consumer, jobID, stage, func(p *domain.JobProgress) { p.Failed += n })
}

func (m *memProgress) MarkEmitted(_ domain.Context, jobID string, stage domain.Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey(jobID, stage)
	row, ok := m.rows[key]
	if !ok || row.CompletionEmitted {
		return false, nil
	}
	row.CompletionEmitted = true
	m.rows[key] = row
	return true, nil
}

func (m *memProgress) Get(_ domain.Context, jobID string, stage domain.Stage) (domain.JobProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[progressKey(jobID, stage)]
	if !ok {
		return domain.JobProgress{}, fmt.Errorf("op=progress.get: %w", domain.ErrNotFound)
	}
	return row, nil
}

func (m *memProgress) ListExpiredWatermarks(_ domain.Context, now time.Time) ([]domain.JobProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.JobProgress
	for _, row := range m.rows {
		if !row.CompletionEmitted && row.WatermarkExpiresAt != nil && !row.WatermarkExpiresAt.After(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

type memMatches struct {
	mu   sync.Mutex
	rows map[string]domain.Match // id -> match
	keys map[string]string       // job|product|video -> id
}

func newMemMatches() *memMatches {
	return &memMatches{rows: map[string]domain.Match{}, keys: map[string]string{}}
}

func (m *memMatches) Upsert(_ domain.Context, match *domain.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := match.JobID + "|" + match.ProductID + "|" + match.VideoID
	if id, ok := m.keys[key]; ok {
		match.ID = id
	} else {
		m.keys[key] = match.ID
	}
	m.rows[match.ID] = *match
	return nil
}

func (m *memMatches) SetEvidencePath(_ domain.Context, matchID, evidencePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[matchID]
	if !ok {
		return fmt.Errorf("op=match.set_evidence: %w", domain.ErrNotFound)
	}
	row.EvidencePath = evidencePath
	m.rows[matchID] = row
	return nil
}

func (m *memMatches) Get(_ domain.Context, matchID string) (domain.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[matchID]
	if !ok {
		return domain.Match{}, fmt.Errorf("op=match.get: %w", domain.ErrNotFound)
	}
	return row, nil
}

func (m *memMatches) ListByJob(_ domain.Context, jobID string) ([]domain.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Match
	for _, row := range m.rows {
		if row.JobID == jobID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memMatches) CountByJob(_ domain.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.JobID == jobID {
			n++
		}
	}
	return n, nil
}

type published struct {
	Topic  string
	Fields map[string]any
}

type memBus struct {
	mu     sync.Mutex
	events []published
	fail   map[string]error
}

func newMemBus() *memBus { return &memBus{fail: map[string]error{}} }

func (m *memBus) Publish(_ domain.Context, topic string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[topic]; err != nil {
		return err
	}
	m.events = append(m.events, published{Topic: topic, Fields: fields})
	return nil
}

func (m *memBus) byTopic(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, e := range m.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (m *memCache) GetStatus(_ domain.Context, jobID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[jobID]
	return b, ok, nil
}

func (m *memCache) SetStatus(_ domain.Context, jobID string, body []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[jobID] = body
	return nil
}

func (m *memCache) Invalidate(_ domain.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, jobID)
	return nil
}

type memPurger struct {
	mu     sync.Mutex
	purged []string
	old    []string
}

func (m *memPurger) PurgeJob(_ domain.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged = append(m.purged, jobID)
	return nil
}

func (m *memPurger) ListJobsOlderThan(_ domain.Context, _ time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.old...), nil
}

type memVector struct {
	mu      sync.Mutex
	deleted []string
}

func (m *memVector) EnsureCollection(_ domain.Context, _ int) error { return nil }

func (m *memVector) Upsert(_ domain.Context, _ []domain.VectorPoint) error { return nil }

func (m *memVector) SearchByJob(_ domain.Context, _ string, _ []float32, _ int) ([]domain.ScoredPoint, error) {
	return nil, nil
}

func (m *memVector) DeleteByJob(_ domain.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, jobID)
	return nil
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	seq  int
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[string][]byte{}} }

func (m *memBlobs) Put(_ domain.Context, category string, data []byte, ext string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	path := fmt.Sprintf("%s/blob-%d%s", category, m.seq, ext)
	m.data[path] = data
	return path, nil
}

func (m *memBlobs) Get(_ domain.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[path]
	if !ok {
		return nil, fmt.Errorf("op=blob.get: %w", domain.ErrNotFound)
	}
	return b, nil
}

func (m *memBlobs) Delete(_ domain.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, path)
	return nil
}

func (m *memBlobs) URL(path string) string { return "http://files.local/" + path }

package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/models"
)

// In-memory repository doubles shared by the service tests.

type mockMappingRepository struct {
	mu       sync.Mutex
	mappings map[uuid.UUID]*models.EntityMapping
}

func newMockMappingRepository() *mockMappingRepository {
	return &mockMappingRepository{mappings: make(map[uuid.UUID]*models.EntityMapping)}
}

func (m *mockMappingRepository) Create(ctx context.Context, em *models.EntityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if em.ID == uuid.Nil {
		em.ID = uuid.New()
	}
	for _, existing := range m.mappings {
		if existing.Source == em.Source && existing.RemoteModel == em.RemoteModel {
			return apperrors.ErrConflict
		}
	}
	cp := *em
	m.mappings[em.ID] = &cp
	return nil
}

func (m *mockMappingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.mappings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *em
	cp.FieldMappings = append([]models.FieldMapping(nil), em.FieldMappings...)
	return &cp, nil
}

func (m *mockMappingRepository) List(ctx context.Context, source models.Source) ([]*models.EntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EntityMapping
	for _, em := range m.mappings {
		if source == "" || em.Source == source {
			cp := *em
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockMappingRepository) ListEnabled(ctx context.Context) ([]*models.EntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EntityMapping
	for _, em := range m.mappings {
		if em.SyncEnabled {
			cp := *em
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockMappingRepository) ReplaceFieldMappings(ctx context.Context, id uuid.UUID, fieldMappings []models.FieldMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.mappings[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	em.FieldMappings = fieldMappings
	return nil
}

func (m *mockMappingRepository) SetSyncEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.mappings[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	em.SyncEnabled = enabled
	return nil
}

func (m *mockMappingRepository) SetLastSyncAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if em, ok := m.mappings[id]; ok {
		em.LastSyncAt = &at
	}
	return nil
}

func (m *mockMappingRepository) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.mappings)), nil
}

type mockRawRepository struct {
	mu      sync.Mutex
	records []*models.RawRecord
}

func (m *mockRawRepository) InsertBatch(ctx context.Context, records []*models.RawRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *mockRawRepository) ListByRun(ctx context.Context, syncRunID uuid.UUID) ([]*models.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RawRecord
	for _, r := range m.records {
		if r.SyncRunID == syncRunID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRawRepository) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

type mockCanonicalRepository struct {
	mu      sync.Mutex
	records map[string]*models.CanonicalRecord // entity_type|key_value
}

func newMockCanonicalRepository() *mockCanonicalRepository {
	return &mockCanonicalRepository{records: make(map[string]*models.CanonicalRecord)}
}

func canonicalKey(entityType, keyValue string) string {
	return entityType + "|" + keyValue
}

func copyCanonical(rec *models.CanonicalRecord) *models.CanonicalRecord {
	cp := *rec
	cp.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		cp.Fields[k] = v
	}
	cp.Sources = append([]models.SourceRef(nil), rec.Sources...)
	return &cp
}

func (m *mockCanonicalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			return copyCanonical(rec), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCanonicalRepository) GetByKey(ctx context.Context, entityType, keyValue string) (*models.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[canonicalKey(entityType, keyValue)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return copyCanonical(rec), nil
}

func (m *mockCanonicalRepository) FindBySourceRef(ctx context.Context, entityType string, source models.Source, sourceID string) (*models.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.EntityType != entityType {
			continue
		}
		for _, ref := range rec.Sources {
			if ref.Source == source && ref.SourceID == sourceID {
				return copyCanonical(rec), nil
			}
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCanonicalRepository) Upsert(ctx context.Context, rec *models.CanonicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[canonicalKey(rec.EntityType, rec.KeyValue)] = copyCanonical(rec)
	return nil
}

func (m *mockCanonicalRepository) List(ctx context.Context, entityType string, activeOnly bool, limit, offset int) ([]*models.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CanonicalRecord
	for _, rec := range m.records {
		if rec.EntityType != entityType {
			continue
		}
		if activeOnly && !rec.IsActive {
			continue
		}
		out = append(out, copyCanonical(rec))
	}
	return out, nil
}

func (m *mockCanonicalRepository) DeactivateMissing(ctx context.Context, entityType string, source models.Source, seenSourceIDs []string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(seenSourceIDs))
	for _, id := range seenSourceIDs {
		seen[id] = true
	}
	var count int64
	for _, rec := range m.records {
		if rec.EntityType != entityType || !rec.IsActive || len(rec.Sources) != 1 {
			continue
		}
		ref := rec.Sources[0]
		if ref.Source == source && !seen[ref.SourceID] {
			rec.IsActive = false
			rec.DeactivatedAt = &at
			count++
		}
	}
	return count, nil
}

func (m *mockCanonicalRepository) Count(ctx context.Context, entityType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, rec := range m.records {
		if entityType == "" || rec.EntityType == entityType {
			count++
		}
	}
	return count, nil
}

func (m *mockCanonicalRepository) ResolveReference(ctx context.Context, entityType string, source models.Source, sourceID string) (uuid.UUID, bool, error) {
	rec, err := m.FindBySourceRef(ctx, entityType, source, sourceID)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return rec.ID, true, nil
}

type mockSyncLogRepository struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*models.SyncLog
}

func newMockSyncLogRepository() *mockSyncLogRepository {
	return &mockSyncLogRepository{logs: make(map[uuid.UUID]*models.SyncLog)}
}

func (m *mockSyncLogRepository) Create(ctx context.Context, log *models.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	cp := *log
	m.logs[log.ID] = &cp
	return nil
}

func (m *mockSyncLogRepository) Finish(ctx context.Context, log *models.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[log.ID]; !ok {
		return apperrors.ErrNotFound
	}
	cp := *log
	cp.Errors = append([]models.RecordError(nil), log.Errors...)
	m.logs[log.ID] = &cp
	return nil
}

func (m *mockSyncLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *log
	return &cp, nil
}

func (m *mockSyncLogRepository) List(ctx context.Context, source models.Source, limit, offset int) ([]*models.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncLog
	for _, log := range m.logs {
		if source == "" || log.Source == source {
			cp := *log
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSyncLogRepository) LastCompleted(ctx context.Context, entityMappingID uuid.UUID) (*models.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.SyncLog
	for _, log := range m.logs {
		if log.EntityMappingID != entityMappingID {
			continue
		}
		if log.Status != models.SyncStatusSuccess && log.Status != models.SyncStatusPartial {
			continue
		}
		if latest == nil || log.StartedAt.After(latest.StartedAt) {
			latest = log
		}
	}
	if latest == nil {
		return nil, apperrors.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

type mockConflictRepository struct {
	mu        sync.Mutex
	conflicts []models.Conflict
}

func (m *mockConflictRepository) CreateBatch(ctx context.Context, conflicts []models.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = append(m.conflicts, conflicts...)
	return nil
}

func (m *mockConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.conflicts {
		if m.conflicts[i].ID == id {
			cp := m.conflicts[i]
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockConflictRepository) List(ctx context.Context, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Conflict
	for i := range m.conflicts {
		if status == "" || m.conflicts[i].Status == status {
			cp := m.conflicts[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockConflictRepository) Resolve(ctx context.Context, id uuid.UUID, resolution string, at time.Time) (*models.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.conflicts {
		if m.conflicts[i].ID == id {
			if m.conflicts[i].Status == models.ConflictStatusResolved {
				return nil, apperrors.ErrConflict
			}
			m.conflicts[i].Status = models.ConflictStatusResolved
			m.conflicts[i].Resolution = resolution
			m.conflicts[i].ResolvedAt = &at
			cp := m.conflicts[i]
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockConflictRepository) CountOpen(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for i := range m.conflicts {
		if m.conflicts[i].Status == models.ConflictStatusOpen {
			count++
		}
	}
	return count, nil
}

type mockAggregateRepository struct {
	mu         sync.Mutex
	aggregates map[string]*models.ServingAggregate
	refreshes  int
}

func newMockAggregateRepository() *mockAggregateRepository {
	return &mockAggregateRepository{aggregates: make(map[string]*models.ServingAggregate)}
}

func (m *mockAggregateRepository) Upsert(ctx context.Context, agg *models.ServingAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agg
	m.aggregates[agg.Name+"|"+agg.EntityType] = &cp
	return nil
}

func (m *mockAggregateRepository) List(ctx context.Context, entityType string) ([]*models.ServingAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ServingAggregate
	for _, agg := range m.aggregates {
		if entityType == "" || agg.EntityType == entityType {
			cp := *agg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockAggregateRepository) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.aggregates)), nil
}

func (m *mockAggregateRepository) ZoneStats(ctx context.Context) (*models.ZoneStats, error) {
	return &models.ZoneStats{ByEntityType: map[string]int64{}}, nil
}

func (m *mockAggregateRepository) ActivityByEntity(ctx context.Context) (map[string]map[string]int64, error) {
	m.mu.Lock()
	m.refreshes++
	m.mu.Unlock()
	return map[string]map[string]int64{}, nil
}

func (m *mockAggregateRepository) SumByGroup(ctx context.Context, entityType, valueField, groupField string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (m *mockAggregateRepository) ContributionBySource(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

// fakeConnector is a scripted connector double.
type fakeConnector struct {
	mu         sync.Mutex
	records    []connectors.RawPayload
	fetchErr   error
	testResult *connectors.TestResult
	fetchCalls int
	lastOpts   connectors.FetchOptions
	onFetch    func(remoteModel string)
}

func (f *fakeConnector) TestConnection(ctx context.Context, conn *models.Connection) *connectors.TestResult {
	if f.testResult != nil {
		return f.testResult
	}
	return &connectors.TestResult{Success: true, Message: "ok"}
}

func (f *fakeConnector) FetchEntity(ctx context.Context, conn *models.Connection, remoteModel string, opts connectors.FetchOptions) (*connectors.FetchResult, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.lastOpts = opts
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(remoteModel)
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &connectors.FetchResult{Records: f.records, Total: len(f.records)}, nil
}

// fakeProvider hands the same scripted connector to every source.
type fakeProvider struct {
	connector   connectors.Connector
	providerErr error
}

func (f *fakeProvider) Connector(ctx context.Context, source models.Source) (connectors.Connector, *models.Connection, error) {
	if f.providerErr != nil {
		return nil, nil, f.providerErr
	}
	return f.connector, &models.Connection{Source: source, InstanceURL: "https://example.test"}, nil
}

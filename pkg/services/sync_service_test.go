package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/config"
	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/models"
)

type syncFixture struct {
	svc       *SyncService
	mappings  *mockMappingRepository
	raw       *mockRawRepository
	canonical *mockCanonicalRepository
	logs      *mockSyncLogRepository
	conflicts *mockConflictRepository
	agg       *mockAggregateRepository
	connector *fakeConnector
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	f := &syncFixture{
		mappings:  newMockMappingRepository(),
		raw:       &mockRawRepository{},
		canonical: newMockCanonicalRepository(),
		logs:      newMockSyncLogRepository(),
		conflicts: &mockConflictRepository{},
		agg:       newMockAggregateRepository(),
		connector: &fakeConnector{},
	}

	serving := NewServingService(f.agg, nil, time.Minute, zap.NewNop())
	f.svc = NewSyncService(
		&fakeProvider{connector: f.connector},
		f.mappings, f.raw, f.canonical, f.logs, f.conflicts,
		f.canonical, serving,
		config.SyncConfig{
			RunTimeoutMinutes:  1,
			MaxLoggedErrors:    50,
			SyncAllConcurrency: 2,
			FetchPageSize:      100,
		},
		zap.NewNop(),
	)
	return f
}

func dealsMapping(policy models.ConflictPolicy) *models.EntityMapping {
	return &models.EntityMapping{
		Source:          models.SourceHubSpot,
		RemoteModel:     "deals",
		LocalCollection: "opportunities",
		SyncEnabled:     true,
		ConflictPolicy:  policy,
		FieldMappings: []models.FieldMapping{
			{SourceField: "dealname", SourceType: models.FieldTypeString, TargetField: "name", TargetType: models.FieldTypeString, Transform: models.TransformDirect, IsRequired: true, IsKeyField: true, Enabled: true},
			{SourceField: "amount", SourceType: models.FieldTypeString, TargetField: "amount", TargetType: models.FieldTypeNumber, Transform: models.TransformDirect, Enabled: true},
			{SourceField: "dealstage", SourceType: models.FieldTypeString, TargetField: "stage", TargetType: models.FieldTypeString, Transform: models.TransformDirect, Enabled: true},
		},
	}
}

func dealPayload(id, name, amount, stage string) connectors.RawPayload {
	return connectors.RawPayload{
		"id":        id,
		"dealname":  name,
		"amount":    amount,
		"dealstage": stage,
	}
}

func TestSyncService_IdempotentResync(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
		dealPayload("102", "Globex Expansion", "120000", "proposal"),
	}

	first, err := f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, first.Status)
	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 0, first.Updated)

	second, err := f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, second.Status)
	assert.Equal(t, 0, second.Created, "re-syncing unchanged data must not create duplicates")
	assert.Equal(t, 0, second.Updated, "unchanged records are no-ops, not updates")
	assert.Equal(t, 2, second.Processed)

	count, err := f.canonical.Count(context.Background(), "opportunities")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSyncService_CrossSourceMergeIdentity(t *testing.T) {
	f := newSyncFixture(t)

	hubspot := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), hubspot))

	salesforce := &models.EntityMapping{
		Source:          models.SourceSalesforce,
		RemoteModel:     "Opportunity",
		LocalCollection: "opportunities",
		SyncEnabled:     true,
		ConflictPolicy:  models.PolicySourceMaster,
		FieldMappings: []models.FieldMapping{
			{SourceField: "Name", SourceType: models.FieldTypeString, TargetField: "name", TargetType: models.FieldTypeString, Transform: models.TransformDirect, IsRequired: true, IsKeyField: true, Enabled: true},
			{SourceField: "Amount", SourceType: models.FieldTypeNumber, TargetField: "amount", TargetType: models.FieldTypeNumber, Transform: models.TransformDirect, Enabled: true},
		},
	}
	require.NoError(t, f.mappings.Create(context.Background(), salesforce))

	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
	}
	_, err := f.svc.Sync(context.Background(), hubspot.ID, false)
	require.NoError(t, err)

	// Same deal, different source, different key casing.
	f.connector.records = []connectors.RawPayload{
		{"Id": "006XYZ", "Name": "ACME   Renewal", "Amount": 50000.0},
	}
	outcome, err := f.svc.Sync(context.Background(), salesforce.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Created, "matching business key must merge, not duplicate")
	assert.Equal(t, 1, outcome.Updated)

	count, err := f.canonical.Count(context.Background(), "opportunities")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec, err := f.canonical.GetByKey(context.Background(), "opportunities", "acme renewal")
	require.NoError(t, err)
	assert.Len(t, rec.Sources, 2)
	assert.True(t, rec.HasSource(models.SourceHubSpot, "101"))
	assert.True(t, rec.HasSource(models.SourceSalesforce, "006XYZ"))
}

func TestSyncService_SoftDeleteAndReactivation(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
		dealPayload("102", "Globex Expansion", "120000", "proposal"),
	}
	_, err := f.svc.Sync(context.Background(), mapping.ID, true)
	require.NoError(t, err)

	// Record 102 disappears upstream.
	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
	}
	outcome, err := f.svc.Sync(context.Background(), mapping.ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), outcome.Deactivated)

	rec, err := f.canonical.GetByKey(context.Background(), "opportunities", "globex expansion")
	require.NoError(t, err)
	assert.False(t, rec.IsActive, "missing record must be soft-deleted, not removed")
	assert.NotNil(t, rec.DeactivatedAt)

	// It comes back.
	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
		dealPayload("102", "Globex Expansion", "120000", "proposal"),
	}
	_, err = f.svc.Sync(context.Background(), mapping.ID, true)
	require.NoError(t, err)

	rec, err = f.canonical.GetByKey(context.Background(), "opportunities", "globex expansion")
	require.NoError(t, err)
	assert.True(t, rec.IsActive, "a resurfaced record must be reactivated")
	assert.Nil(t, rec.DeactivatedAt)
}

func TestSyncService_ValidationFailuresAreIsolated(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	var records []connectors.RawPayload
	for i := 0; i < 8; i++ {
		records = append(records, dealPayload(
			fmt.Sprintf("%d", 200+i), fmt.Sprintf("Deal %d", i), "1000", "proposal"))
	}
	// Two records missing the required key field.
	records = append(records,
		connectors.RawPayload{"id": "901", "amount": "5"},
		connectors.RawPayload{"id": "902", "amount": "7"},
	)
	f.connector.records = records

	outcome, err := f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusPartial, outcome.Status)
	assert.Equal(t, 10, outcome.Processed)
	assert.Equal(t, 8, outcome.Created)
	assert.Equal(t, 2, outcome.Failed)

	log, err := f.logs.GetByID(context.Background(), outcome.LogID)
	require.NoError(t, err)
	assert.True(t, log.CountsConsistent())
	assert.NotEmpty(t, log.Errors)
}

func TestSyncService_ConnectorFailureShortCircuits(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	f.connector.fetchErr = errors.New("401 unauthorized")

	outcome, err := f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusFailed, outcome.Status)
	assert.Zero(t, outcome.Processed)
	assert.Zero(t, outcome.Created)
	assert.Contains(t, outcome.Message, "401")

	rawCount, err := f.raw.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rawCount, "a failed fetch must leave the raw zone untouched")

	// A failed run must not advance the incremental watermark.
	stored, err := f.mappings.GetByID(context.Background(), mapping.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSyncAt)
}

func TestSyncService_ConcurrentRunsForSamePairRejected(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	started := make(chan struct{})
	release := make(chan struct{})
	f.connector.onFetch = func(string) {
		close(started)
		<-release
	}
	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Sync(context.Background(), mapping.ID, false)
		done <- err
	}()

	<-started
	_, err := f.svc.Sync(context.Background(), mapping.ID, false)
	assert.ErrorIs(t, err, apperrors.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestSyncService_SyncAllSkipsMappingDisabledMidRun(t *testing.T) {
	f := newSyncFixture(t)

	hubspot := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), hubspot))

	odoo := &models.EntityMapping{
		Source:          models.SourceOdoo,
		RemoteModel:     "res.partner",
		LocalCollection: "accounts",
		SyncEnabled:     true,
		ConflictPolicy:  models.PolicySourceMaster,
		FieldMappings: []models.FieldMapping{
			{SourceField: "name", SourceType: models.FieldTypeString, TargetField: "name", TargetType: models.FieldTypeString, Transform: models.TransformDirect, IsRequired: true, IsKeyField: true, Enabled: true},
		},
	}
	require.NoError(t, f.mappings.Create(context.Background(), odoo))

	// Serialize the batch and disable the other mapping while the first
	// entity is mid-fetch: the in-flight run finishes, the pending one is
	// skipped when its turn comes.
	f.svc.cfg.SyncAllConcurrency = 1
	byModel := map[string]uuid.UUID{"deals": odoo.ID, "res.partner": hubspot.ID}
	var disabled bool
	f.connector.onFetch = func(remoteModel string) {
		if !disabled {
			disabled = true
			_ = f.mappings.SetSyncEnabled(context.Background(), byModel[remoteModel], false)
		}
	}
	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme", "1", "open"),
	}

	results := f.svc.SyncAll(context.Background(), false)
	require.Len(t, results, 2)

	var finished, skipped int
	for _, r := range results {
		switch r.Status {
		case models.SyncStatusSuccess:
			finished++
		case models.SyncStatusSkipped:
			assert.Equal(t, "mapping disabled", r.Message)
			skipped++
		}
	}
	assert.Equal(t, 1, finished, "the in-flight entity must finish")
	assert.Equal(t, 1, skipped, "the disabled entity must be skipped, not run")
}

func TestSyncService_IncrementalUsesWatermark(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
	}
	_, err := f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)
	assert.False(t, f.connector.lastOpts.Incremental, "first run has no watermark")

	_, err = f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)
	assert.True(t, f.connector.lastOpts.Incremental)
	require.NotNil(t, f.connector.lastOpts.Since)

	// full=true overrides the watermark.
	_, err = f.svc.Sync(context.Background(), mapping.ID, true)
	require.NoError(t, err)
	assert.False(t, f.connector.lastOpts.Incremental)
}

func TestSyncService_DisabledMappingRejected(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	mapping.SyncEnabled = false
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	_, err := f.svc.Sync(context.Background(), mapping.ID, false)
	assert.ErrorIs(t, err, apperrors.ErrMappingDisabled)
}

func TestSyncService_ServingRefreshedAfterRun(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
	}
	_, err := f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)
	assert.Positive(t, f.agg.refreshes, "serving zone must refresh after a non-failed run")

	refreshes := f.agg.refreshes
	f.connector.fetchErr = errors.New("boom")
	_, err = f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)
	assert.Equal(t, refreshes, f.agg.refreshes, "a failed run must not refresh serving")
}

func TestSyncService_SmartMergeRecordsConflicts(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySmartMerge)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
	}
	_, err := f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)

	// Same record, disagreeing amount.
	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "90000", "negotiation"),
	}
	_, err = f.svc.Sync(context.Background(), mapping.ID, false)
	require.NoError(t, err)

	open, err := f.conflicts.CountOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)

	// Stored value wins under smart_merge.
	rec, err := f.canonical.GetByKey(context.Background(), "opportunities", "acme renewal")
	require.NoError(t, err)
	assert.Equal(t, float64(50000), rec.Fields["amount"])
}

func TestSyncService_PreviewWritesNothing(t *testing.T) {
	f := newSyncFixture(t)
	mapping := dealsMapping(models.PolicySourceMaster)
	require.NoError(t, f.mappings.Create(context.Background(), mapping))

	f.connector.records = []connectors.RawPayload{
		dealPayload("101", "Acme Renewal", "50000", "negotiation"),
		dealPayload("102", "Globex Expansion", "120000", "proposal"),
	}

	previews, err := f.svc.Preview(context.Background(), mapping.ID, 1)
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, "Acme Renewal", previews[0].Fields["name"])
	assert.Equal(t, float64(50000), previews[0].Fields["amount"])

	rawCount, _ := f.raw.Count(context.Background())
	assert.Zero(t, rawCount)
	canCount, _ := f.canonical.Count(context.Background(), "opportunities")
	assert.Zero(t, canCount)

	logs, _ := f.logs.List(context.Background(), "", 100, 0)
	assert.Empty(t, logs, "preview must not log a run")
}

func TestSyncService_ReconcileBackfillsLookups(t *testing.T) {
	f := newSyncFixture(t)

	opps := &models.EntityMapping{
		Source:          models.SourceOdoo,
		RemoteModel:     "crm.lead",
		LocalCollection: "opportunities",
		SyncEnabled:     true,
		ConflictPolicy:  models.PolicySourceMaster,
		FieldMappings: []models.FieldMapping{
			{SourceField: "name", SourceType: models.FieldTypeString, TargetField: "name", TargetType: models.FieldTypeString, Transform: models.TransformDirect, IsRequired: true, IsKeyField: true, Enabled: true},
			{SourceField: "partner_id", SourceType: models.FieldTypeString, TargetField: "account_id", TargetType: models.FieldTypeString, Transform: models.TransformLookup, LookupEntity: "accounts", Enabled: true},
		},
	}
	require.NoError(t, f.mappings.Create(context.Background(), opps))

	// Sync opportunities before any account exists: lookup lands null.
	f.connector.records = []connectors.RawPayload{
		{"id": "7", "name": "Acme Deal", "partner_id": []any{float64(42), "Acme Corp"}},
	}
	_, err := f.svc.Sync(context.Background(), opps.ID, false)
	require.NoError(t, err)

	rec, err := f.canonical.GetByKey(context.Background(), "opportunities", "acme deal")
	require.NoError(t, err)
	assert.Nil(t, rec.Fields["account_id"])

	// The referenced account arrives later.
	account := &models.CanonicalRecord{
		ID:         uuid.New(),
		EntityType: "accounts",
		KeyValue:   "acme corp",
		Fields:     map[string]any{"name": "Acme Corp"},
		IsActive:   true,
	}
	account.TouchSource(models.SourceOdoo, "42", time.Now())
	require.NoError(t, f.canonical.Upsert(context.Background(), account))

	require.NoError(t, f.svc.Reconcile(context.Background()))

	rec, err = f.canonical.GetByKey(context.Background(), "opportunities", "acme deal")
	require.NoError(t, err)
	assert.Equal(t, account.ID.String(), rec.Fields["account_id"],
		"reconciliation must backfill the resolved reference")
}

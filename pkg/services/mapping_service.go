package services

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/repositories"
)

// MappingService manages entity mappings and their field-mapping rule lists.
type MappingService struct {
	repo   repositories.MappingRepository
	logger *zap.Logger
}

// NewMappingService creates a new mapping service.
func NewMappingService(repo repositories.MappingRepository, logger *zap.Logger) *MappingService {
	return &MappingService{repo: repo, logger: logger}
}

func (s *MappingService) List(ctx context.Context, source models.Source) ([]*models.EntityMapping, error) {
	return s.repo.List(ctx, source)
}

func (s *MappingService) Get(ctx context.Context, id uuid.UUID) (*models.EntityMapping, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *MappingService) Create(ctx context.Context, m *models.EntityMapping) error {
	if !models.IsKnownSource(m.Source) {
		return fmt.Errorf("%w: %s", apperrors.ErrConnectorNotRegistered, m.Source)
	}
	if m.LocalCollection == "" {
		m.LocalCollection = inflection.Plural(m.RemoteModel)
	}
	return s.repo.Create(ctx, m)
}

// ReplaceFieldMappings swaps one entity mapping's rule list. System rules
// absent from the submitted list are kept, disabled: they can be switched
// off but never deleted. Submitted rules matching a system rule keep the
// system flag regardless of what the client sent.
func (s *MappingService) ReplaceFieldMappings(ctx context.Context, id uuid.UUID, incoming []models.FieldMapping) (*models.EntityMapping, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	system := make(map[string]models.FieldMapping)
	for _, fm := range m.FieldMappings {
		if fm.IsSystem {
			system[fm.TargetField] = fm
		}
	}

	merged := make([]models.FieldMapping, 0, len(incoming))
	seen := make(map[string]bool, len(incoming))
	for _, fm := range incoming {
		if _, isSystem := system[fm.TargetField]; isSystem {
			fm.IsSystem = true
		}
		merged = append(merged, fm)
		seen[fm.TargetField] = true
	}
	for _, fm := range m.FieldMappings {
		if fm.IsSystem && !seen[fm.TargetField] {
			fm.Enabled = false
			merged = append(merged, fm)
		}
	}

	if err := s.repo.ReplaceFieldMappings(ctx, id, merged); err != nil {
		return nil, err
	}
	m.FieldMappings = merged
	return m, nil
}

func (s *MappingService) SetSyncEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*models.EntityMapping, error) {
	if err := s.repo.SetSyncEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// seedFile is the on-disk shape of the default-mappings YAML.
type seedFile struct {
	Mappings []struct {
		Source          models.Source         `yaml:"source"`
		RemoteModel     string                `yaml:"remote_model"`
		LocalCollection string                `yaml:"local_collection"`
		ConflictPolicy  models.ConflictPolicy `yaml:"conflict_policy"`
		SyncEnabled     bool                  `yaml:"sync_enabled"`
		Fields          []seedField           `yaml:"fields"`
	} `yaml:"mappings"`
}

type seedField struct {
	SourceField  string `yaml:"source_field"`
	SourceType   string `yaml:"source_type"`
	TargetField  string `yaml:"target_field"`
	TargetType   string `yaml:"target_type"`
	Transform    string `yaml:"transform"`
	Format       string `yaml:"format"`
	DefaultValue any    `yaml:"default_value"`
	LookupEntity string `yaml:"lookup_entity"`
	Required     bool   `yaml:"required"`
	KeyField     bool   `yaml:"key_field"`
}

// SeedDefaults loads the shipped default mappings and creates any that do
// not exist yet. Existing mappings are left alone so local edits survive
// restarts. A missing seed file is not an error.
func (s *MappingService) SeedDefaults(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no mapping seed file, skipping", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to read mapping seed file: %w", err)
	}

	var seeds seedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse mapping seed file: %w", err)
	}

	seeded := 0
	for _, seed := range seeds.Mappings {
		collection := seed.LocalCollection
		if collection == "" {
			collection = inflection.Plural(seed.RemoteModel)
		}

		fields := make([]models.FieldMapping, 0, len(seed.Fields))
		for _, f := range seed.Fields {
			fields = append(fields, models.FieldMapping{
				SourceField:  f.SourceField,
				SourceType:   models.FieldType(f.SourceType),
				TargetField:  f.TargetField,
				TargetType:   models.FieldType(f.TargetType),
				Transform:    models.TransformKind(f.Transform),
				Format:       models.FormatKind(f.Format),
				DefaultValue: f.DefaultValue,
				LookupEntity: f.LookupEntity,
				IsRequired:   f.Required,
				IsKeyField:   f.KeyField,
				Enabled:      true,
				IsSystem:     true,
			})
		}

		m := &models.EntityMapping{
			Source:          seed.Source,
			RemoteModel:     seed.RemoteModel,
			LocalCollection: collection,
			SyncEnabled:     seed.SyncEnabled,
			ConflictPolicy:  seed.ConflictPolicy,
			FieldMappings:   fields,
		}
		if err := s.repo.Create(ctx, m); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				continue
			}
			return fmt.Errorf("failed to seed mapping %s/%s: %w", seed.Source, seed.RemoteModel, err)
		}
		seeded++
	}

	if seeded > 0 {
		s.logger.Info("seeded default entity mappings", zap.Int("count", seeded))
	}
	return nil
}

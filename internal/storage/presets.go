package storage

import (
	"context"
	"encoding/json"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// PresetRepository stores reusable producer presets
type PresetRepository struct {
	db DB
}

// NewPresetRepository builds the preset store
func NewPresetRepository(db DB) *PresetRepository {
	return &PresetRepository{db: db}
}

// Get retrieves one preset by name
func (r *PresetRepository) Get(ctx context.Context, name string) (*audit.Preset, error) {
	row := r.db.QueryRow(ctx, `
		SELECT name, action, data_classification, retention_policy, target_resource_type, extensions
		FROM audit_presets WHERE name = $1`, name)
	return scanPreset(row)
}

// List returns every stored preset
func (r *PresetRepository) List(ctx context.Context) ([]*audit.Preset, error) {
	rows, err := r.db.Query(ctx, `
		SELECT name, action, data_classification, retention_policy, target_resource_type, extensions
		FROM audit_presets ORDER BY name`)
	if err != nil {
		return nil, storageErr("list presets", err)
	}
	defer rows.Close()

	var presets []*audit.Preset
	for rows.Next() {
		preset, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		presets = append(presets, preset)
	}
	return presets, rows.Err()
}

// Save upserts a preset
func (r *PresetRepository) Save(ctx context.Context, preset *audit.Preset) error {
	var extensions []byte
	if len(preset.Extensions) > 0 {
		var err error
		extensions, err = json.Marshal(preset.Extensions)
		if err != nil {
			return errors.NewInternalError("marshal preset extensions").WithCause(err)
		}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_presets (name, action, data_classification, retention_policy, target_resource_type, extensions)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET action = EXCLUDED.action,
		    data_classification = EXCLUDED.data_classification,
		    retention_policy = EXCLUDED.retention_policy,
		    target_resource_type = EXCLUDED.target_resource_type,
		    extensions = EXCLUDED.extensions`,
		preset.Name, preset.Action, string(preset.DataClassification),
		preset.RetentionPolicy, preset.TargetResourceType, extensions)
	if err != nil {
		return storageErr("save preset", err)
	}
	return nil
}

func scanPreset(row rowScanner) (*audit.Preset, error) {
	var (
		preset     audit.Preset
		extensions []byte
	)
	err := row.Scan(&preset.Name, &preset.Action, &preset.DataClassification,
		&preset.RetentionPolicy, &preset.TargetResourceType, &extensions)
	if isNoRows(err) {
		return nil, errors.NewNotFoundError("preset")
	}
	if err != nil {
		return nil, storageErr("scan preset", err)
	}
	if len(extensions) > 0 {
		if err := json.Unmarshal(extensions, &preset.Extensions); err != nil {
			return nil, errors.NewInternalError("unmarshal preset extensions").WithCause(err)
		}
	}
	return &preset, nil
}

package storage

import (
	"context"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// PseudonymRepository persists subject-id mappings
type PseudonymRepository struct {
	db DB
}

// NewPseudonymRepository builds the mapping store
func NewPseudonymRepository(db DB) *PseudonymRepository {
	return &PseudonymRepository{db: db}
}

// Create stores a mapping. The original id arrives already KMS-encrypted.
func (r *PseudonymRepository) Create(ctx context.Context, mapping *audit.PseudonymMapping) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO pseudonym_mappings (pseudonym_id, strategy, original_digest, encrypted_original, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		mapping.PseudonymID, string(mapping.Strategy),
		nullable(mapping.OriginalDigest), mapping.EncryptedOriginal,
		mapping.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewDuplicateError("pseudonym mapping already exists")
		}
		return storageErr("create pseudonym mapping", err)
	}
	return nil
}

// FindByOriginalDigest looks up a deterministic mapping by its salted digest
func (r *PseudonymRepository) FindByOriginalDigest(ctx context.Context, digest string) (*audit.PseudonymMapping, error) {
	return r.findOne(ctx,
		"SELECT pseudonym_id, strategy, original_digest, encrypted_original, created_at FROM pseudonym_mappings WHERE original_digest = $1",
		digest)
}

// FindByPseudonym looks up a mapping by its replacement token
func (r *PseudonymRepository) FindByPseudonym(ctx context.Context, pseudonymID string) (*audit.PseudonymMapping, error) {
	return r.findOne(ctx,
		"SELECT pseudonym_id, strategy, original_digest, encrypted_original, created_at FROM pseudonym_mappings WHERE pseudonym_id = $1",
		pseudonymID)
}

func (r *PseudonymRepository) findOne(ctx context.Context, query, arg string) (*audit.PseudonymMapping, error) {
	var (
		m      audit.PseudonymMapping
		digest *string
	)
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&m.PseudonymID, &m.Strategy, &digest, &m.EncryptedOriginal, &m.CreatedAt)
	if isNoRows(err) {
		return nil, errors.NewNotFoundError("pseudonym mapping")
	}
	if err != nil {
		return nil, storageErr("find pseudonym mapping", err)
	}
	m.OriginalDigest = deref(digest)
	return &m, nil
}

// Package repository Molecule 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage"
)

// moleculePayload 分子结构的序列化形式（symbols + geometry）
type moleculePayload struct {
	Symbols  []string  `json:"symbols"`
	Geometry []float64 `json:"geometry"`
}

// AddMolecule 插入或复用分子结构
//
// 与规格相同的内容寻址语义：相同几何只存一份。
func (s *Store) AddMolecule(ctx context.Context, mol *model.Molecule) (int64, error) {
	mol.Canonicalize()
	hash, err := mol.ComputeHash()
	if err != nil {
		return 0, fmt.Errorf("hash molecule: %w", err)
	}

	payload, err := json.Marshal(moleculePayload{Symbols: mol.Symbols, Geometry: mol.Geometry})
	if err != nil {
		return 0, fmt.Errorf("marshal molecule: %w", err)
	}

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO molecules (hash, name, payload, charge, multiplicity, created_on)
		VALUES ($1, $2, $3, $4, $5, %s)
		%s
	`, s.now(), s.dialect.UpsertConflict([]string{"hash"}, nil)))

	if _, err := s.db.ExecContext(ctx, query,
		hash, mol.Name, payload, mol.Charge, mol.Multiplicity); err != nil {
		return 0, fmt.Errorf("insert molecule: %w", err)
	}

	var id int64
	lookup := s.rebind(`SELECT id FROM molecules WHERE hash = $1`)
	if err := s.db.QueryRowContext(ctx, lookup, hash).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup molecule: %w", err)
	}

	mol.ID = id
	mol.Hash = hash

	if s.archiver != nil {
		if _, err := s.archiver.ArchiveMolecule(ctx, mol); err != nil {
			s.logger.Warn("molecule archive failed", "hash", hash, "error", err)
		}
	}
	return id, nil
}

// GetMolecule 按 id 获取分子
func (s *Store) GetMolecule(ctx context.Context, id int64) (*model.Molecule, error) {
	query := s.rebind(`
		SELECT id, hash, name, payload, charge, multiplicity, created_on
		FROM molecules WHERE id = $1
	`)

	mol := &model.Molecule{}
	var name sql.NullString
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&mol.ID, &mol.Hash, &name, &payload, &mol.Charge, &mol.Multiplicity, &mol.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if name.Valid {
		mol.Name = name.String
	}
	var p moleculePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal molecule: %w", err)
	}
	mol.Symbols = p.Symbols
	mol.Geometry = p.Geometry
	return mol, nil
}

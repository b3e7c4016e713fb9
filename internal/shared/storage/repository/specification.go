// Package repository Specification 相关的存储操作
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

// AddSpecification 插入或复用计算规格
//
// 规格按规范化内容哈希去重：已存在时返回已有行的 id 且 isNew 为 false，
// 不存在时插入新行。并发插入同一哈希时通过唯一索引串行化，
// 输掉竞争的一方回读赢家的行。
func (s *Store) AddSpecification(ctx context.Context, spec *model.Specification) (int64, bool, error) {
	canon := spec.Canonicalize()
	hash := spec.ComputeHash()

	keywordsJSON, err := json.Marshal(canon.Keywords)
	if err != nil {
		return 0, false, fmt.Errorf("marshal keywords: %w", err)
	}
	var protocolsJSON []byte
	if canon.Protocols != nil {
		protocolsJSON, err = json.Marshal(canon.Protocols)
		if err != nil {
			return 0, false, fmt.Errorf("marshal protocols: %w", err)
		}
	}

	basis := ""
	if canon.Basis != nil {
		basis = *canon.Basis
	}

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO specifications (hash, program, driver, method, basis, keywords, protocols, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, %s)
		%s
	`, s.now(), s.dialect.UpsertConflict([]string{"hash"}, nil)))

	res, err := s.db.ExecContext(ctx, query,
		hash, canon.Program, canon.Driver, canon.Method, basis, keywordsJSON, protocolsJSON)
	if err != nil {
		return 0, false, fmt.Errorf("insert specification: %w", err)
	}
	// DO NOTHING 撞上已有行时影响行数为 0，以此区分新插入与复用
	inserted, _ := res.RowsAffected()
	isNew := inserted > 0

	// DO NOTHING 不回传 id，统一按哈希回读
	var id int64
	lookup := s.rebind(`SELECT id FROM specifications WHERE hash = $1`)
	if err := s.db.QueryRowContext(ctx, lookup, hash).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup specification: %w", err)
	}

	spec.ID = id
	spec.Hash = hash

	if s.archiver != nil {
		if _, err := s.archiver.ArchiveSpecification(ctx, spec); err != nil {
			s.logger.Warn("specification archive failed", "hash", hash, "error", err)
		}
	}
	return id, isNew, nil
}

// GetSpecification 按 id 获取规格
func (s *Store) GetSpecification(ctx context.Context, id int64) (*model.Specification, error) {
	query := s.rebind(`
		SELECT id, hash, program, driver, method, basis, keywords, protocols, created_on
		FROM specifications WHERE id = $1
	`)

	spec := &model.Specification{}
	var basis string
	var keywordsJSON, protocolsJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&spec.ID, &spec.Hash, &spec.Program, &spec.Driver, &spec.Method,
		&basis, &keywordsJSON, &protocolsJSON, &spec.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	spec.Basis = &basis
	if len(keywordsJSON) > 0 {
		if err := json.Unmarshal(keywordsJSON, &spec.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
	}
	if len(protocolsJSON) > 0 {
		spec.Protocols = &model.Protocols{}
		if err := json.Unmarshal(protocolsJSON, spec.Protocols); err != nil {
			return nil, fmt.Errorf("unmarshal protocols: %w", err)
		}
	}
	return spec, nil
}

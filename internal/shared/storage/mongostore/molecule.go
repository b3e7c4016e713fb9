// Package mongostore Molecule 归档操作
package mongostore

import (
	"context"
	"time"

	"qcfleet/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// moleculeDoc 归档文档：规范化几何 + 哈希
type moleculeDoc struct {
	Hash         string    `bson:"hash"`
	Name         string    `bson:"name,omitempty"`
	Symbols      []string  `bson:"symbols"`
	Geometry     []float64 `bson:"geometry"`
	Charge       int       `bson:"charge"`
	Multiplicity int       `bson:"multiplicity"`
	CreatedOn    time.Time `bson:"created_on"`
}

// ArchiveMolecule 归档分子，按哈希幂等，返回哈希
func (s *Store) ArchiveMolecule(ctx context.Context, mol *model.Molecule) (string, error) {
	mol.Canonicalize()
	hash, err := mol.ComputeHash()
	if err != nil {
		return "", err
	}

	doc := moleculeDoc{
		Hash:         hash,
		Name:         mol.Name,
		Symbols:      mol.Symbols,
		Geometry:     mol.Geometry,
		Charge:       mol.Charge,
		Multiplicity: mol.Multiplicity,
		CreatedOn:    time.Now().UTC(),
	}
	if err := upsertByHash(ctx, s.col(ColMolecules), hash, doc); err != nil {
		return "", err
	}
	return hash, nil
}

// GetMoleculeByHash 按哈希取回归档的分子
func (s *Store) GetMoleculeByHash(ctx context.Context, hash string) (*model.Molecule, error) {
	doc, err := findOne[moleculeDoc](ctx, s.col(ColMolecules), bson.D{{Key: "hash", Value: hash}})
	if err != nil {
		return nil, err
	}
	return &model.Molecule{
		Hash:         doc.Hash,
		Name:         doc.Name,
		Symbols:      doc.Symbols,
		Geometry:     doc.Geometry,
		Charge:       doc.Charge,
		Multiplicity: doc.Multiplicity,
		CreatedOn:    doc.CreatedOn,
	}, nil
}

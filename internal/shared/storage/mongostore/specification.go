// Package mongostore Specification 归档操作
package mongostore

import (
	"context"
	"time"

	"qcfleet/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// specDoc 归档文档：规范化内容 + 哈希
type specDoc struct {
	Hash      string                 `bson:"hash"`
	Program   string                 `bson:"program"`
	Driver    string                 `bson:"driver,omitempty"`
	Method    string                 `bson:"method"`
	Basis     string                 `bson:"basis"`
	Keywords  map[string]interface{} `bson:"keywords"`
	Protocols *model.Protocols       `bson:"protocols,omitempty"`
	CreatedOn time.Time              `bson:"created_on"`
}

// ArchiveSpecification 归档规格，按哈希幂等，返回哈希
func (s *Store) ArchiveSpecification(ctx context.Context, spec *model.Specification) (string, error) {
	canon := spec.Canonicalize()
	hash := spec.ComputeHash()

	basis := ""
	if canon.Basis != nil {
		basis = *canon.Basis
	}
	doc := specDoc{
		Hash:      hash,
		Program:   canon.Program,
		Driver:    canon.Driver,
		Method:    canon.Method,
		Basis:     basis,
		Keywords:  canon.Keywords,
		Protocols: canon.Protocols,
		CreatedOn: time.Now().UTC(),
	}
	if err := upsertByHash(ctx, s.col(ColSpecifications), hash, doc); err != nil {
		return "", err
	}
	return hash, nil
}

// GetSpecificationByHash 按哈希取回归档的规格
func (s *Store) GetSpecificationByHash(ctx context.Context, hash string) (*model.Specification, error) {
	doc, err := findOne[specDoc](ctx, s.col(ColSpecifications), bson.D{{Key: "hash", Value: hash}})
	if err != nil {
		return nil, err
	}
	basis := doc.Basis
	return &model.Specification{
		Hash:      doc.Hash,
		Program:   doc.Program,
		Driver:    doc.Driver,
		Method:    doc.Method,
		Basis:     &basis,
		Keywords:  doc.Keywords,
		Protocols: doc.Protocols,
		CreatedOn: doc.CreatedOn,
	}, nil
}

// ListSpecificationsByProgram 列出指定程序的全部归档规格
func (s *Store) ListSpecificationsByProgram(ctx context.Context, program string) ([]*model.Specification, error) {
	docs, err := findMany[specDoc](ctx, s.col(ColSpecifications), bson.D{{Key: "program", Value: program}})
	if err != nil {
		return nil, err
	}
	specs := make([]*model.Specification, 0, len(docs))
	for _, doc := range docs {
		basis := doc.Basis
		specs = append(specs, &model.Specification{
			Hash:      doc.Hash,
			Program:   doc.Program,
			Driver:    doc.Driver,
			Method:    doc.Method,
			Basis:     &basis,
			Keywords:  doc.Keywords,
			Protocols: doc.Protocols,
			CreatedOn: doc.CreatedOn,
		})
	}
	return specs, nil
}

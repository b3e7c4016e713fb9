// Package model 定义核心数据模型
//
// molecule.go 包含分子结构的数据模型定义。
// 分子与规格类似，按内容哈希去重存储。
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Molecule - 分子结构
// ============================================================================

// Molecule 计算输入的分子结构
//
// 分子是不可变的内容寻址对象：相同几何结构只存一份，
// 多条记录通过 MoleculeID 引用同一行。
type Molecule struct {
	ID   int64  `json:"id" bson:"_id" db:"id"`
	Hash string `json:"hash" bson:"hash" db:"hash"`

	Name string `json:"name,omitempty" bson:"name,omitempty" db:"name"`

	// Symbols 原子符号表，Geometry 为展平的笛卡尔坐标（Bohr）
	Symbols  []string  `json:"symbols" bson:"symbols" db:"-"`
	Geometry []float64 `json:"geometry" bson:"geometry" db:"-"`

	Charge       int `json:"molecular_charge" bson:"molecular_charge" db:"charge"`
	Multiplicity int `json:"molecular_multiplicity" bson:"molecular_multiplicity" db:"multiplicity"`

	CreatedOn time.Time `json:"created_on" bson:"created_on" db:"created_on"`
}

// canonicalMolecule 参与哈希的规范化视图，名称等元数据不参与
type canonicalMolecule struct {
	Symbols      []string  `json:"symbols"`
	Geometry     []float64 `json:"geometry"`
	Charge       int       `json:"charge"`
	Multiplicity int       `json:"multiplicity"`
}

// Canonicalize 规范化分子结构（原子符号统一首字母大写）
func (m *Molecule) Canonicalize() {
	for i, s := range m.Symbols {
		if s == "" {
			continue
		}
		m.Symbols[i] = strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	}
	if m.Multiplicity == 0 {
		m.Multiplicity = 1
	}
}

// ComputeHash 计算规范化后的内容哈希
func (m *Molecule) ComputeHash() (string, error) {
	canonical := canonicalMolecule{
		Symbols:      m.Symbols,
		Geometry:     m.Geometry,
		Charge:       m.Charge,
		Multiplicity: m.Multiplicity,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

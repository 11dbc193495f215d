// Package sqlast defines the typed syntax tree handed over by the SQL parser.
//
// The parser itself lives outside this module. Trees cross the process
// boundary as JSON and are decoded into Node values whose Kind is an explicit
// enumeration, so consumers dispatch on Kind instead of probing attributes.
package sqlast

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind discriminates syntax tree nodes.
type Kind uint8

// Node kinds.
const (
	KindInvalid Kind = iota
	KindStatement
	KindSelect
	KindFrom
	KindJoin
	KindWhere
	KindGroupBy
	KindHaving
	KindOrderBy
	KindLimit
	KindOffset
	KindWith
	KindCTE
	KindSubquery
	KindUnion
	KindIntersect
	KindExcept
	KindTable
	KindColumn
	KindLiteral
	KindComparison
	KindAnd
	KindOr
	KindNot
	KindAggregate
	KindFunction
	KindCase
	KindExpression
	kindCount
)

var kindNames = [kindCount]string{
	KindInvalid:    "invalid",
	KindStatement:  "statement",
	KindSelect:     "select",
	KindFrom:       "from",
	KindJoin:       "join",
	KindWhere:      "where",
	KindGroupBy:    "group_by",
	KindHaving:     "having",
	KindOrderBy:    "order_by",
	KindLimit:      "limit",
	KindOffset:     "offset",
	KindWith:       "with",
	KindCTE:        "cte",
	KindSubquery:   "subquery",
	KindUnion:      "union",
	KindIntersect:  "intersect",
	KindExcept:     "except",
	KindTable:      "table",
	KindColumn:     "column",
	KindLiteral:    "literal",
	KindComparison: "comparison",
	KindAnd:        "and",
	KindOr:         "or",
	KindNot:        "not",
	KindAggregate:  "aggregate",
	KindFunction:   "function",
	KindCase:       "case",
	KindExpression: "expression",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if Kind(k) != KindInvalid {
			m[name] = Kind(k)
		}
	}
	return m
}()

// String returns the lowercase wire name of the kind.
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known, non-invalid kind.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindCount
}

// ParseKind resolves a wire name to a Kind.
func ParseKind(name string) (Kind, error) {
	if k, ok := kindByName[strings.ToLower(name)]; ok {
		return k, nil
	}
	return KindInvalid, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// JoinType qualifies a join node.
type JoinType string

// Join types.
const (
	JoinPlain JoinType = ""
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinFull  JoinType = "full"
	JoinCross JoinType = "cross"
)

// Valid reports whether j is a known join type.
func (j JoinType) Valid() bool {
	switch j {
	case JoinPlain, JoinInner, JoinLeft, JoinRight, JoinFull, JoinCross:
		return true
	}
	return false
}

// Node is one syntax tree node.
type Node struct {
	Kind     Kind     `json:"kind"`
	JoinType JoinType `json:"join_type,omitempty"`
	// Name carries identifiers and function names (table name, aggregate function).
	Name     string  `json:"name,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// New builds a node.
func New(kind Kind, children ...*Node) *Node {
	return &Node{Kind: kind, Children: children}
}

// Named builds a node carrying a name.
func Named(kind Kind, name string, children ...*Node) *Node {
	return &Node{Kind: kind, Name: name, Children: children}
}

// Join builds a join node of the given type.
func Join(jt JoinType, children ...*Node) *Node {
	return &Node{Kind: KindJoin, JoinType: jt, Children: children}
}

// MaxDepth bounds tree depth so hostile input cannot exhaust the stack.
const MaxDepth = 512

var (
	// ErrEmptyTree is returned for a nil tree or empty input.
	ErrEmptyTree = errors.New("empty syntax tree")
	// ErrUnknownKind is returned for a kind outside the enumeration.
	ErrUnknownKind = errors.New("unknown node kind")
	// ErrNilChild is returned when a node lists a nil child.
	ErrNilChild = errors.New("nil child node")
	// ErrTooDeep is returned when the tree exceeds MaxDepth.
	ErrTooDeep = errors.New("syntax tree too deep")
	// ErrBadJoinType is returned for an unknown join type.
	ErrBadJoinType = errors.New("unknown join type")
)

// Validate checks the whole tree is well formed.
func Validate(root *Node) error {
	if root == nil {
		return ErrEmptyTree
	}
	return validate(root, 1)
}

func validate(n *Node, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: exceeds %d levels", ErrTooDeep, MaxDepth)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, n.Kind)
	}
	if !n.JoinType.Valid() {
		return fmt.Errorf("%w: %q", ErrBadJoinType, n.JoinType)
	}
	for i, c := range n.Children {
		if c == nil {
			return fmt.Errorf("%w: child %d of %s", ErrNilChild, i, n.Kind)
		}
		if err := validate(c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads one JSON-encoded tree and validates it.
func Decode(r io.Reader) (*Node, error) {
	var root *Node
	if err := json.NewDecoder(r).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyTree
		}
		return nil, fmt.Errorf("decoding syntax tree: %w", err)
	}
	if err := Validate(root); err != nil {
		return nil, err
	}
	return root, nil
}

// Unmarshal decodes and validates a tree held in memory.
func Unmarshal(data []byte) (*Node, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyTree
	}
	var root *Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decoding syntax tree: %w", err)
	}
	if err := Validate(root); err != nil {
		return nil, err
	}
	return root, nil
}

// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package script

import (
	"encoding/json"
	"fmt"
)

// This file is the canonical AST wire format. It must stay free of any
// import beyond the standard library: the worker subprocess links only
// the lexer, parser, and this serde.
//
// The format is compact JSON, one object per node, discriminated by a
// "kind" field. Field order is fixed by the marshalling structs below
// and is part of the format: serializing the same tree always yields the
// same bytes.

func nonNil(ns []Node) []Node {
	if ns == nil {
		return []Node{}
	}
	return ns
}

// MarshalJSON implements the canonical encoding for Root.
func (n *Root) MarshalJSON() ([]byte, error) {
	type out struct {
		Kind     string `json:"kind"`
		Filename string `json:"filename"`
		Children []Node `json:"children"`
	}
	return json.Marshal(out{KindRoot, n.Filename, nonNil(n.Children)})
}

// MarshalJSON implements the canonical encoding for Block.
func (n *Block) MarshalJSON() ([]byte, error) {
	type out struct {
		Kind     string `json:"kind"`
		Name     string `json:"name"`
		Operator string `json:"operator"`
		Line     int    `json:"line"`
		Column   int    `json:"column"`
		Children []Node `json:"children"`
	}
	return json.Marshal(out{KindBlock, n.Name, n.Operator, n.Line, n.Column, nonNil(n.Children)})
}

// MarshalJSON implements the canonical encoding for Assignment.
func (n *Assignment) MarshalJSON() ([]byte, error) {
	type out struct {
		Kind     string `json:"kind"`
		Key      string `json:"key"`
		Operator string `json:"operator"`
		Line     int    `json:"line"`
		Column   int    `json:"column"`
		Value    Node   `json:"value"`
	}
	return json.Marshal(out{KindAssignment, n.Key, n.Operator, n.Line, n.Column, n.Value})
}

// MarshalJSON implements the canonical encoding for Value.
func (n *Value) MarshalJSON() ([]byte, error) {
	type out struct {
		Kind      string `json:"kind"`
		Value     string `json:"value"`
		ValueType string `json:"value_type"`
		Line      int    `json:"line"`
		Column    int    `json:"column"`
	}
	return json.Marshal(out{KindValue, n.Value, n.ValueType, n.Line, n.Column})
}

// MarshalJSON implements the canonical encoding for List.
func (n *List) MarshalJSON() ([]byte, error) {
	type out struct {
		Kind   string `json:"kind"`
		Line   int    `json:"line"`
		Column int    `json:"column"`
		Items  []Node `json:"items"`
	}
	return json.Marshal(out{KindList, n.Line, n.Column, nonNil(n.Items)})
}

// SerializeAST encodes root as compact canonical JSON bytes.
func SerializeAST(root *Root) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("serialize: nil root")
	}
	return json.Marshal(root)
}

// DeserializeAST is the inverse of SerializeAST:
// DeserializeAST(SerializeAST(x)) is structurally equal to x.
func DeserializeAST(data []byte) (*Root, error) {
	node, err := decodeNode(data)
	if err != nil {
		return nil, err
	}
	root, ok := node.(*Root)
	if !ok {
		return nil, fmt.Errorf("deserialize: top-level node is %q, want %q", node.Kind(), KindRoot)
	}
	return root, nil
}

// CountASTNodes returns the total number of nodes in the tree, including
// the root itself. The count is invariant under serialization.
func CountASTNodes(node Node) int {
	n := 0
	Walk(node, func(Node) bool {
		n++
		return true
	})
	return n
}

// nodeEnvelope carries every possible field; decodeNode dispatches on Kind.
type nodeEnvelope struct {
	Kind      string            `json:"kind"`
	Filename  string            `json:"filename"`
	Name      string            `json:"name"`
	Key       string            `json:"key"`
	Operator  string            `json:"operator"`
	Value     json.RawMessage   `json:"value"`
	ValueType string            `json:"value_type"`
	Line      int               `json:"line"`
	Column    int               `json:"column"`
	Children  []json.RawMessage `json:"children"`
	Items     []json.RawMessage `json:"items"`
}

func decodeNode(data []byte) (Node, error) {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("deserialize: %w", err)
	}

	switch env.Kind {
	case KindRoot:
		children, err := decodeNodes(env.Children)
		if err != nil {
			return nil, err
		}
		return &Root{Filename: env.Filename, Children: children}, nil

	case KindBlock:
		children, err := decodeNodes(env.Children)
		if err != nil {
			return nil, err
		}
		return &Block{Name: env.Name, Operator: env.Operator, Line: env.Line, Column: env.Column, Children: children}, nil

	case KindAssignment:
		if env.Value == nil {
			return nil, fmt.Errorf("deserialize: assignment %q has no value", env.Key)
		}
		value, err := decodeNode(env.Value)
		if err != nil {
			return nil, err
		}
		return &Assignment{Key: env.Key, Operator: env.Operator, Line: env.Line, Column: env.Column, Value: value}, nil

	case KindValue:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return nil, fmt.Errorf("deserialize: value node: %w", err)
		}
		return &Value{Value: s, ValueType: env.ValueType, Line: env.Line, Column: env.Column}, nil

	case KindList:
		items, err := decodeNodes(env.Items)
		if err != nil {
			return nil, err
		}
		return &List{Line: env.Line, Column: env.Column, Items: items}, nil

	default:
		return nil, fmt.Errorf("deserialize: unknown node kind %q", env.Kind)
	}
}

func decodeNodes(raws []json.RawMessage) ([]Node, error) {
	nodes := make([]Node, 0, len(raws))
	for _, raw := range raws {
		n, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

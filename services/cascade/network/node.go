// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// NodeID is the interned integer identity of a node.
type NodeID int32

const (
	// NullID is the reserved "absent" node, used as the leader of cascade roots.
	NullID NodeID = 0

	// DefaultStartNodeName is the conventional root of simulated cascades.
	DefaultStartNodeName = "omega"
)

// NodeTable maps node names to ids and back.
//
// Description:
//
//	A NodeTable is the explicit interning context shared by every component
//	that reads or writes node names. Ids are assigned densely starting at 1
//	in interning order; id 0 is the null node. A new table interns
//	DefaultStartNodeName first, so it always has id 1.
//
// Thread Safety: Safe for concurrent use.
type NodeTable struct {
	mu    sync.RWMutex
	ids   map[string]NodeID
	names []string
}

// NewNodeTable creates a table holding only the default start node.
func NewNodeTable() *NodeTable {
	t := &NodeTable{
		ids:   make(map[string]NodeID),
		names: []string{""},
	}
	t.ids[DefaultStartNodeName] = 1
	t.names = append(t.names, DefaultStartNodeName)
	return t
}

// ValidateName reports whether name can be used as a node name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidNode)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidNode, name)
	}
	return nil
}

// Intern returns the id for name, assigning a new one if needed.
func (t *NodeTable) Intern(name string) (NodeID, error) {
	t.mu.RLock()
	id, ok := t.ids[name]
	t.mu.RUnlock()
	if ok {
		return id, nil
	}
	if err := ValidateName(name); err != nil {
		return NullID, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[name]; ok {
		return id, nil
	}
	id = NodeID(len(t.names))
	t.ids[name] = id
	t.names = append(t.names, name)
	return id, nil
}

// Lookup returns the id of an already interned name.
func (t *NodeTable) Lookup(name string) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[name]
	return id, ok
}

// Name returns the name of id. The null node has the empty name.
func (t *NodeTable) Name(id NodeID) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || int(id) >= len(t.names) {
		return "", fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return t.names[id], nil
}

// MustName is Name for ids known to come from this table.
// Unknown ids render as "#<id>".
func (t *NodeTable) MustName(id NodeID) string {
	name, err := t.Name(id)
	if err != nil {
		return fmt.Sprintf("#%d", id)
	}
	return name
}

// Len returns the number of interned nodes, excluding the null node.
func (t *NodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names) - 1
}

// DefaultStart returns the id of DefaultStartNodeName.
func (t *NodeTable) DefaultStart() NodeID {
	return 1
}

package signal

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/structpb"
)

// a node is never modified once it is in a tree
// changes produce a new node value in a new tree
type Node struct {
	Id Id
	// a node with no parent is a root
	ParentId  Id
	HasParent bool
	Value     *structpb.Value
	// ordered
	ListChildren []Id
	MapChildren  map[string]Id
	// the id of the last command that changed this node
	LastUpdate Id
}

func (self *Node) clone() *Node {
	return &Node{
		Id:           self.Id,
		ParentId:     self.ParentId,
		HasParent:    self.HasParent,
		Value:        self.Value,
		ListChildren: slices.Clone(self.ListChildren),
		MapChildren:  maps.Clone(self.MapChildren),
		LastUpdate:   self.LastUpdate,
	}
}

func (self *Node) ListIndex(childId Id) int {
	return slices.Index(self.ListChildren, childId)
}

// the key of `childId` in the map children, if any
func (self *Node) MapKey(childId Id) (string, bool) {
	for key, id := range self.MapChildren {
		if id == childId {
			return key, true
		}
	}
	return "", false
}

func (self *Node) hasChild(childId Id) bool {
	if 0 <= self.ListIndex(childId) {
		return true
	}
	_, ok := self.MapKey(childId)
	return ok
}

func (self *Node) Equal(b *Node) bool {
	if self == b {
		return true
	}
	if self == nil || b == nil {
		return false
	}
	if self.Id != b.Id || self.ParentId != b.ParentId || self.HasParent != b.HasParent {
		return false
	}
	if self.LastUpdate != b.LastUpdate {
		return false
	}
	if !ValueEqual(self.Value, b.Value) {
		return false
	}
	// nil and empty children are the same
	if len(self.ListChildren) != len(b.ListChildren) || !slices.Equal(self.ListChildren, b.ListChildren) {
		return false
	}
	if len(self.MapChildren) != len(b.MapChildren) || !maps.Equal(self.MapChildren, b.MapChildren) {
		return false
	}
	return true
}

// immutable
// id -> node, rooted at `ZeroId`
type NodeTree struct {
	nodes map[Id]*Node
}

func EmptyNodeTree() *NodeTree {
	return &NodeTree{
		nodes: map[Id]*Node{
			ZeroId: &Node{Id: ZeroId},
		},
	}
}

// the nodes are owned by the tree after this call
func NewNodeTree(nodes map[Id]*Node) (*NodeTree, error) {
	tree := &NodeTree{
		nodes: maps.Clone(nodes),
	}
	if _, ok := tree.nodes[ZeroId]; !ok {
		tree.nodes[ZeroId] = &Node{Id: ZeroId}
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

func (self *NodeTree) Get(id Id) (*Node, bool) {
	node, ok := self.nodes[id]
	return node, ok
}

func (self *NodeTree) Root() *Node {
	return self.nodes[ZeroId]
}

func (self *NodeTree) Len() int {
	return len(self.nodes)
}

// a copy of the id -> node mapping
func (self *NodeTree) Nodes() map[Id]*Node {
	return maps.Clone(self.nodes)
}

func (self *NodeTree) Value(id Id) *structpb.Value {
	if node, ok := self.nodes[id]; ok {
		return node.Value
	}
	return nil
}

func (self *NodeTree) Contains(id Id) bool {
	_, ok := self.nodes[id]
	return ok
}

// true if `ancestorId` is `id` or one of its parents
func (self *NodeTree) IsAncestor(ancestorId Id, id Id) bool {
	for {
		if id == ancestorId {
			return true
		}
		node, ok := self.nodes[id]
		if !ok || !node.HasParent {
			return false
		}
		id = node.ParentId
	}
}

func (self *NodeTree) Equal(b *NodeTree) bool {
	if self == b {
		return true
	}
	if len(self.nodes) != len(b.nodes) {
		return false
	}
	for id, node := range self.nodes {
		if !node.Equal(b.nodes[id]) {
			return false
		}
	}
	return true
}

// checks the tree invariants:
// - every child id exists in the tree
// - a node's parent lists it as a child
// - no node is the child of two parents, or listed twice
func (self *NodeTree) Validate() error {
	childParents := map[Id]Id{}
	addChild := func(parentId Id, childId Id) error {
		if _, ok := self.nodes[childId]; !ok {
			return fmt.Errorf("Node %s has missing child %s.", parentId, childId)
		}
		if otherParentId, ok := childParents[childId]; ok {
			return fmt.Errorf("Node %s is a child of %s and %s.", childId, otherParentId, parentId)
		}
		childParents[childId] = parentId
		return nil
	}
	for id, node := range self.nodes {
		if id != node.Id {
			return fmt.Errorf("Node %s stored under %s.", node.Id, id)
		}
		for _, childId := range node.ListChildren {
			if err := addChild(id, childId); err != nil {
				return err
			}
		}
		for _, childId := range node.MapChildren {
			if err := addChild(id, childId); err != nil {
				return err
			}
		}
	}
	for id, node := range self.nodes {
		parentId, ok := childParents[id]
		if node.HasParent {
			if !ok || parentId != node.ParentId {
				return fmt.Errorf("Node %s is not a child of its parent %s.", id, node.ParentId)
			}
		} else if ok {
			return fmt.Errorf("Root node %s is a child of %s.", id, parentId)
		}
	}
	return nil
}

func (self *NodeTree) String() string {
	return fmt.Sprintf("NodeTree(%d)", len(self.nodes))
}

// a candidate tree for one application
// the node map is copied once and nodes are copied on first write
type treeEdit struct {
	nodes map[Id]*Node
	// ids of nodes already copied in this edit
	owned map[Id]bool
}

func (self *NodeTree) edit() *treeEdit {
	return &treeEdit{
		nodes: maps.Clone(self.nodes),
		owned: map[Id]bool{},
	}
}

func (self *treeEdit) commit() *NodeTree {
	return &NodeTree{
		nodes: self.nodes,
	}
}

func (self *treeEdit) get(id Id) (*Node, bool) {
	node, ok := self.nodes[id]
	return node, ok
}

// returns a node that may be modified in place for the rest of the edit
func (self *treeEdit) mutable(id Id) (*Node, bool) {
	node, ok := self.nodes[id]
	if !ok {
		return nil, false
	}
	if !self.owned[id] {
		node = node.clone()
		self.nodes[id] = node
		self.owned[id] = true
	}
	return node, true
}

func (self *treeEdit) add(node *Node) {
	self.nodes[node.Id] = node
	self.owned[node.Id] = true
}

func (self *treeEdit) isAncestor(ancestorId Id, id Id) bool {
	return (&NodeTree{nodes: self.nodes}).IsAncestor(ancestorId, id)
}

// removes the node and all descendants
// the caller unlinks the node from its parent
func (self *treeEdit) deleteSubtree(id Id) {
	node, ok := self.nodes[id]
	if !ok {
		return
	}
	for _, childId := range node.ListChildren {
		self.deleteSubtree(childId)
	}
	for _, childId := range node.MapChildren {
		self.deleteSubtree(childId)
	}
	delete(self.nodes, id)
	delete(self.owned, id)
}

// removes the link from the node's parent to the node, if any
func (self *treeEdit) unlink(id Id, commandId Id) {
	node, ok := self.nodes[id]
	if !ok || !node.HasParent {
		return
	}
	parent, ok := self.mutable(node.ParentId)
	if !ok {
		return
	}
	if i := parent.ListIndex(id); 0 <= i {
		parent.ListChildren = slices.Delete(parent.ListChildren, i, i+1)
	}
	if key, ok := parent.MapKey(id); ok {
		delete(parent.MapChildren, key)
	}
	parent.LastUpdate = commandId
}

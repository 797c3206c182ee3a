package signal

import (
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/structpb"
)

// Apply is the only place a tree changes.
// It returns the new tree and true, or the unchanged tree and false when the command is rejected.
// Rejection is not an error. Conditions that do not hold, missing nodes, and operands
// of the wrong shape are all rejections so that a transaction can probe any edit.
func Apply(tree *NodeTree, command Command) (*NodeTree, bool) {
	if snapshot, ok := command.(*SnapshotCommand); ok {
		snapshotTree, err := NewNodeTree(snapshot.Nodes)
		if err != nil {
			return tree, false
		}
		return snapshotTree, true
	}

	edit := tree.edit()
	if !applyCommand(edit, command) {
		return tree, false
	}
	return edit.commit(), true
}

// applies a list of commands in order
// returns the tree after the last accepted command and the number of commands applied
func ApplyAll(tree *NodeTree, commands []Command) (*NodeTree, int) {
	n := 0
	for _, command := range commands {
		if next, ok := Apply(tree, command); ok {
			tree = next
			n += 1
		}
	}
	return tree, n
}

func applyCommand(edit *treeEdit, command Command) bool {
	switch v := command.(type) {
	case *TransactionCommand:
		for _, c := range v.Commands {
			if !applyCommand(edit, c) {
				return false
			}
		}
		return true

	case *ValueCondition:
		node, ok := edit.get(v.Target)
		return ok && ValueEqual(node.Value, v.ExpectedValue)

	case *PositionCondition:
		node, ok := edit.get(v.Target)
		return ok && v.Position.matches(node.ListChildren, v.ChildId)

	case *KeyCondition:
		node, ok := edit.get(v.Target)
		if !ok {
			return false
		}
		childId, present := node.MapChildren[v.Key]
		if v.ExpectedChildId == nil {
			return !present
		}
		return present && childId == *v.ExpectedChildId

	case *LastUpdateCondition:
		node, ok := edit.get(v.Target)
		return ok && node.LastUpdate == v.ExpectedLastUpdate

	case *AdoptAsCommand:
		return applyAdoptAs(edit, v)

	case *AdoptAtCommand:
		return applyAdoptAt(edit, v)

	case *IncrementCommand:
		node, ok := edit.get(v.Target)
		if !ok {
			return false
		}
		if node.LastUpdate == v.Id {
			// already applied
			return true
		}
		var current float64
		if !IsNullValue(node.Value) {
			current, ok = NumberOf(node.Value)
			if !ok {
				return false
			}
		}
		node, _ = edit.mutable(v.Target)
		node.Value = NumberValue(current + v.Delta)
		node.LastUpdate = v.Id
		return true

	case *ClearCommand:
		node, ok := edit.mutable(v.Target)
		if !ok {
			return false
		}
		for _, childId := range node.ListChildren {
			edit.deleteSubtree(childId)
		}
		for _, childId := range node.MapChildren {
			edit.deleteSubtree(childId)
		}
		node.Value = nil
		node.ListChildren = nil
		node.MapChildren = nil
		node.LastUpdate = v.Id
		return true

	case *RemoveByKeyCommand:
		node, ok := edit.get(v.Target)
		if !ok {
			return false
		}
		childId, present := node.MapChildren[v.Key]
		if !present {
			return false
		}
		edit.unlink(childId, v.Id)
		edit.deleteSubtree(childId)
		return true

	case *PutCommand:
		node, ok := edit.get(v.Target)
		if !ok {
			return false
		}
		if childId, present := node.MapChildren[v.Key]; present {
			child, _ := edit.mutable(childId)
			child.Value = v.Value
			child.LastUpdate = v.Id
			return true
		}
		return putChild(edit, v.Id, v.Target, v.Key, v.Value)

	case *PutIfAbsentCommand:
		node, ok := edit.get(v.Target)
		if !ok {
			return false
		}
		if _, present := node.MapChildren[v.Key]; present {
			return false
		}
		return putChild(edit, v.Id, v.Target, v.Key, v.Value)

	case *InsertCommand:
		node, ok := edit.get(v.Target)
		if !ok {
			return false
		}
		if _, exists := edit.get(v.Id); exists {
			// already applied
			return false
		}
		index, ok := v.Position.resolve(node.ListChildren)
		if !ok {
			return false
		}
		node, _ = edit.mutable(v.Target)
		node.ListChildren = slices.Insert(node.ListChildren, index, v.Id)
		node.LastUpdate = v.Id
		edit.add(&Node{
			Id:         v.Id,
			ParentId:   v.Target,
			HasParent:  true,
			Value:      v.Value,
			LastUpdate: v.Id,
		})
		return true

	case *SetCommand:
		node, ok := edit.mutable(v.Target)
		if !ok {
			return false
		}
		node.Value = v.Value
		node.LastUpdate = v.Id
		return true

	case *RemoveCommand:
		node, ok := edit.get(v.Target)
		if !ok || !node.HasParent {
			return false
		}
		if v.ExpectedParentId != nil && *v.ExpectedParentId != node.ParentId {
			return false
		}
		edit.unlink(v.Target, v.Id)
		edit.deleteSubtree(v.Target)
		return true

	default:
		// snapshots only apply at the top level
		return false
	}
}

func putChild(edit *treeEdit, childId Id, parentId Id, key string, value *structpb.Value) bool {
	if _, exists := edit.get(childId); exists {
		// already applied
		return false
	}
	node, _ := edit.mutable(parentId)
	if node.MapChildren == nil {
		node.MapChildren = map[string]Id{}
	}
	node.MapChildren[key] = childId
	node.LastUpdate = childId
	edit.add(&Node{
		Id:         childId,
		ParentId:   parentId,
		HasParent:  true,
		Value:      value,
		LastUpdate: childId,
	})
	return true
}

// an existing node can be adopted by the target unless
// it is the root, the target itself, or an ancestor of the target
func canAdopt(edit *treeEdit, targetId Id, childId Id) bool {
	if childId == ZeroId {
		return false
	}
	if _, ok := edit.get(childId); !ok {
		return false
	}
	if _, ok := edit.get(targetId); !ok {
		return false
	}
	return !edit.isAncestor(childId, targetId)
}

func applyAdoptAs(edit *treeEdit, command *AdoptAsCommand) bool {
	if node, ok := edit.get(command.Target); ok && node.LastUpdate == command.Id {
		// already applied
		return true
	}
	if !canAdopt(edit, command.Target, command.ChildId) {
		return false
	}
	node, _ := edit.get(command.Target)
	if _, present := node.MapChildren[command.Key]; present {
		return false
	}

	edit.unlink(command.ChildId, command.Id)
	node, _ = edit.mutable(command.Target)
	if node.MapChildren == nil {
		node.MapChildren = map[string]Id{}
	}
	node.MapChildren[command.Key] = command.ChildId
	node.LastUpdate = command.Id
	child, _ := edit.mutable(command.ChildId)
	child.ParentId = command.Target
	child.HasParent = true
	child.LastUpdate = command.Id
	return true
}

func applyAdoptAt(edit *treeEdit, command *AdoptAtCommand) bool {
	if node, ok := edit.get(command.Target); ok && node.LastUpdate == command.Id {
		// already applied
		return true
	}
	if !canAdopt(edit, command.Target, command.ChildId) {
		return false
	}
	node, _ := edit.get(command.Target)
	if 0 <= node.ListIndex(command.ChildId) {
		return false
	}
	index, ok := command.Position.resolve(node.ListChildren)
	if !ok {
		return false
	}

	edit.unlink(command.ChildId, command.Id)
	node, _ = edit.mutable(command.Target)
	node.ListChildren = slices.Insert(node.ListChildren, index, command.ChildId)
	node.LastUpdate = command.Id
	child, _ := edit.mutable(command.ChildId)
	child.ParentId = command.Target
	child.HasParent = true
	child.LastUpdate = command.Id
	return true
}

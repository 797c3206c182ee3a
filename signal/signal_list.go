package signal

import (
	"github.com/golang/glog"
)

// a list view over the list children of one node
// each item is a value view of its own child node
type ListSignal[T any] struct {
	signal *FullStackSignal
	nodeId Id
}

func NewListSignal[T any](signal *FullStackSignal, nodeId Id) *ListSignal[T] {
	return &ListSignal[T]{
		signal: signal,
		nodeId: nodeId,
	}
}

func (self *ListSignal[T]) NodeId() Id {
	return self.nodeId
}

type InsertOperation[T any] struct {
	*Operation
	// the view of the inserted node
	// the node exists only if the insert is accepted
	Item *ValueSignal[T]
}

func (self *ListSignal[T]) items(tree *NodeTree) []*ValueSignal[T] {
	node, ok := tree.Get(self.nodeId)
	if !ok {
		return []*ValueSignal[T]{}
	}
	items := make([]*ValueSignal[T], 0, len(node.ListChildren))
	for _, childId := range node.ListChildren {
		items = append(items, NewValueSignal[T](self.signal, childId))
	}
	return items
}

func (self *ListSignal[T]) values(tree *NodeTree) ([]T, error) {
	node, ok := tree.Get(self.nodeId)
	if !ok {
		return []T{}, nil
	}
	values := make([]T, 0, len(node.ListChildren))
	for _, childId := range node.ListChildren {
		value, err := FromValue[T](tree.Value(childId))
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// the public items, head to tail
func (self *ListSignal[T]) Items() []*ValueSignal[T] {
	return self.items(self.signal.Tree())
}

// the public values, head to tail
func (self *ListSignal[T]) Values() ([]T, error) {
	return self.values(self.signal.Tree())
}

func (self *ListSignal[T]) InsertFirst(value T) *InsertOperation[T] {
	return self.InsertAt(value, First())
}

func (self *ListSignal[T]) InsertLast(value T) *InsertOperation[T] {
	return self.InsertAt(value, Last())
}

func (self *ListSignal[T]) InsertAt(value T, position ListPosition) *InsertOperation[T] {
	v, err := ToValue(value)
	if err != nil {
		return &InsertOperation[T]{
			Operation: newResolvedOperation(false, err),
		}
	}
	command := NewInsert(self.nodeId, v, position)
	return &InsertOperation[T]{
		Operation: self.signal.Submit(command),
		// inserted nodes take the id of the insert
		Item: NewValueSignal[T](self.signal, command.Id),
	}
}

// removes the item only if it is still in this list
func (self *ListSignal[T]) Remove(item *ValueSignal[T]) *Operation {
	parentId := self.nodeId
	return self.signal.Submit(NewRemove(item.NodeId(), &parentId))
}

// moves an item from another parent to `position` in this list
// an item that is already in this list is rejected
func (self *ListSignal[T]) MoveTo(item *ValueSignal[T], position ListPosition) *Operation {
	return self.signal.Submit(NewAdoptAt(self.nodeId, item.NodeId(), position))
}

func (self *ListSignal[T]) Clear() *Operation {
	return self.signal.Submit(NewClear(self.nodeId))
}

// calls back with the public values, now and on each change
func (self *ListSignal[T]) Observe(callback func(values []T)) (unobserve func()) {
	return self.signal.Observe(func(tree *NodeTree) {
		values, err := self.values(tree)
		if err != nil {
			glog.Infof("[signal]%s %s bad list value = %s\n", self.signal.Id(), self.nodeId, err)
			return
		}
		callback(values)
	})
}

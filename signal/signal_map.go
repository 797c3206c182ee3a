package signal

import (
	"github.com/golang/glog"
)

// a map view over the map children of one node
type MapSignal[T any] struct {
	signal *FullStackSignal
	nodeId Id
}

func NewMapSignal[T any](signal *FullStackSignal, nodeId Id) *MapSignal[T] {
	return &MapSignal[T]{
		signal: signal,
		nodeId: nodeId,
	}
}

func (self *MapSignal[T]) NodeId() Id {
	return self.nodeId
}

func (self *MapSignal[T]) values(tree *NodeTree) (map[string]T, error) {
	values := map[string]T{}
	node, ok := tree.Get(self.nodeId)
	if !ok {
		return values, nil
	}
	for key, childId := range node.MapChildren {
		value, err := FromValue[T](tree.Value(childId))
		if err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, nil
}

// key -> public entry
func (self *MapSignal[T]) Entries() map[string]*ValueSignal[T] {
	entries := map[string]*ValueSignal[T]{}
	node, ok := self.signal.Tree().Get(self.nodeId)
	if !ok {
		return entries
	}
	for key, childId := range node.MapChildren {
		entries[key] = NewValueSignal[T](self.signal, childId)
	}
	return entries
}

func (self *MapSignal[T]) Values() (map[string]T, error) {
	return self.values(self.signal.Tree())
}

// the entry for `key` in the public tree
func (self *MapSignal[T]) Get(key string) (*ValueSignal[T], bool) {
	node, ok := self.signal.Tree().Get(self.nodeId)
	if !ok {
		return nil, false
	}
	childId, ok := node.MapChildren[key]
	if !ok {
		return nil, false
	}
	return NewValueSignal[T](self.signal, childId), true
}

// creates the entry, or sets the value of the existing entry
func (self *MapSignal[T]) Put(key string, value T) *Operation {
	v, err := ToValue(value)
	if err != nil {
		return newResolvedOperation(false, err)
	}
	return self.signal.Submit(NewPut(self.nodeId, key, v))
}

// rejected if `key` is present
func (self *MapSignal[T]) PutIfAbsent(key string, value T) *Operation {
	v, err := ToValue(value)
	if err != nil {
		return newResolvedOperation(false, err)
	}
	return self.signal.Submit(NewPutIfAbsent(self.nodeId, key, v))
}

func (self *MapSignal[T]) Remove(key string) *Operation {
	return self.signal.Submit(NewRemoveByKey(self.nodeId, key))
}

func (self *MapSignal[T]) Clear() *Operation {
	return self.signal.Submit(NewClear(self.nodeId))
}

// calls back with the public values, now and on each change
func (self *MapSignal[T]) Observe(callback func(values map[string]T)) (unobserve func()) {
	return self.signal.Observe(func(tree *NodeTree) {
		values, err := self.values(tree)
		if err != nil {
			glog.Infof("[signal]%s %s bad map value = %s\n", self.signal.Id(), self.nodeId, err)
			return
		}
		callback(values)
	})
}

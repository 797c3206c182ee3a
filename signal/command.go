package signal

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// commands are immutable values
// the set of commands is closed. `Apply` switches over every kind.
type Command interface {
	CommandId() Id
	// the node the command addresses
	TargetId() Id
	isCommand()
}

// position relative to siblings in a list
// `ZeroId` is the edge: `After` the edge is the head, `Before` the edge is the tail
type ListPosition struct {
	After  *Id
	Before *Id
}

func First() ListPosition {
	edge := ZeroId
	return ListPosition{After: &edge}
}

func Last() ListPosition {
	edge := ZeroId
	return ListPosition{Before: &edge}
}

func After(id Id) ListPosition {
	return ListPosition{After: &id}
}

func Before(id Id) ListPosition {
	return ListPosition{Before: &id}
}

func Between(after Id, before Id) ListPosition {
	return ListPosition{After: &after, Before: &before}
}

func (self ListPosition) String() string {
	idString := func(id *Id) string {
		switch {
		case id == nil:
			return "-"
		case *id == ZeroId:
			return "edge"
		default:
			return id.String()
		}
	}
	return fmt.Sprintf("(%s,%s)", idString(self.After), idString(self.Before))
}

// resolves the insertion index into `children`
func (self ListPosition) resolve(children []Id) (int, bool) {
	indexOf := func(id Id) int {
		for i, childId := range children {
			if childId == id {
				return i
			}
		}
		return -1
	}

	afterIndex := -1
	if self.After != nil {
		if *self.After == ZeroId {
			afterIndex = 0
		} else if i := indexOf(*self.After); 0 <= i {
			afterIndex = i + 1
		} else {
			return 0, false
		}
	}
	beforeIndex := -1
	if self.Before != nil {
		if *self.Before == ZeroId {
			beforeIndex = len(children)
		} else if i := indexOf(*self.Before); 0 <= i {
			beforeIndex = i
		} else {
			return 0, false
		}
	}

	switch {
	case 0 <= afterIndex && 0 <= beforeIndex:
		if afterIndex != beforeIndex {
			return 0, false
		}
		return afterIndex, true
	case 0 <= afterIndex:
		return afterIndex, true
	case 0 <= beforeIndex:
		return beforeIndex, true
	default:
		return 0, false
	}
}

// true if `childId` is in `children` at the position
func (self ListPosition) matches(children []Id, childId Id) bool {
	i := -1
	for j, id := range children {
		if id == childId {
			i = j
			break
		}
	}
	if i < 0 {
		return false
	}
	if self.After == nil && self.Before == nil {
		return false
	}
	if self.After != nil {
		if *self.After == ZeroId {
			if i != 0 {
				return false
			}
		} else if i == 0 || children[i-1] != *self.After {
			return false
		}
	}
	if self.Before != nil {
		if *self.Before == ZeroId {
			if i != len(children)-1 {
				return false
			}
		} else if i == len(children)-1 || children[i+1] != *self.Before {
			return false
		}
	}
	return true
}

// applies `Commands` in order, all or nothing
type TransactionCommand struct {
	Id       Id
	Commands []Command
}

// conditions never change the tree

type ValueCondition struct {
	Id            Id
	Target        Id
	ExpectedValue *structpb.Value
}

type PositionCondition struct {
	Id       Id
	Target   Id
	ChildId  Id
	Position ListPosition
}

// a nil `ExpectedChildId` expects the key to be absent
type KeyCondition struct {
	Id              Id
	Target          Id
	Key             string
	ExpectedChildId *Id
}

type LastUpdateCondition struct {
	Id                 Id
	Target             Id
	ExpectedLastUpdate Id
}

// registers an existing node as a map child of the target
type AdoptAsCommand struct {
	Id      Id
	Target  Id
	ChildId Id
	Key     string
}

// registers an existing node as a list child of the target
type AdoptAtCommand struct {
	Id       Id
	Target   Id
	ChildId  Id
	Position ListPosition
}

type IncrementCommand struct {
	Id     Id
	Target Id
	Delta  float64
}

type ClearCommand struct {
	Id     Id
	Target Id
}

type RemoveByKeyCommand struct {
	Id     Id
	Target Id
	Key    string
}

// the created child takes the command id
type PutCommand struct {
	Id     Id
	Target Id
	Key    string
	Value  *structpb.Value
}

type PutIfAbsentCommand struct {
	Id     Id
	Target Id
	Key    string
	Value  *structpb.Value
}

// the created child takes the command id
type InsertCommand struct {
	Id       Id
	Target   Id
	Value    *structpb.Value
	Position ListPosition
}

type SetCommand struct {
	Id     Id
	Target Id
	Value  *structpb.Value
}

// a nil `ExpectedParentId` accepts any parent
type RemoveCommand struct {
	Id               Id
	Target           Id
	ExpectedParentId *Id
}

// the authoritative tree from the server. Replaces the whole tree.
type SnapshotCommand struct {
	Id    Id
	Nodes map[Id]*Node
}

func (self *TransactionCommand) CommandId() Id  { return self.Id }
func (self *ValueCondition) CommandId() Id      { return self.Id }
func (self *PositionCondition) CommandId() Id   { return self.Id }
func (self *KeyCondition) CommandId() Id        { return self.Id }
func (self *LastUpdateCondition) CommandId() Id { return self.Id }
func (self *AdoptAsCommand) CommandId() Id      { return self.Id }
func (self *AdoptAtCommand) CommandId() Id      { return self.Id }
func (self *IncrementCommand) CommandId() Id    { return self.Id }
func (self *ClearCommand) CommandId() Id        { return self.Id }
func (self *RemoveByKeyCommand) CommandId() Id  { return self.Id }
func (self *PutCommand) CommandId() Id          { return self.Id }
func (self *PutIfAbsentCommand) CommandId() Id  { return self.Id }
func (self *InsertCommand) CommandId() Id       { return self.Id }
func (self *SetCommand) CommandId() Id          { return self.Id }
func (self *RemoveCommand) CommandId() Id       { return self.Id }
func (self *SnapshotCommand) CommandId() Id     { return self.Id }

// a transaction addresses the root
func (self *TransactionCommand) TargetId() Id  { return ZeroId }
func (self *ValueCondition) TargetId() Id      { return self.Target }
func (self *PositionCondition) TargetId() Id   { return self.Target }
func (self *KeyCondition) TargetId() Id        { return self.Target }
func (self *LastUpdateCondition) TargetId() Id { return self.Target }
func (self *AdoptAsCommand) TargetId() Id      { return self.Target }
func (self *AdoptAtCommand) TargetId() Id      { return self.Target }
func (self *IncrementCommand) TargetId() Id    { return self.Target }
func (self *ClearCommand) TargetId() Id        { return self.Target }
func (self *RemoveByKeyCommand) TargetId() Id  { return self.Target }
func (self *PutCommand) TargetId() Id          { return self.Target }
func (self *PutIfAbsentCommand) TargetId() Id  { return self.Target }
func (self *InsertCommand) TargetId() Id       { return self.Target }
func (self *SetCommand) TargetId() Id          { return self.Target }
func (self *RemoveCommand) TargetId() Id       { return self.Target }
func (self *SnapshotCommand) TargetId() Id     { return ZeroId }

func (*TransactionCommand) isCommand()  {}
func (*ValueCondition) isCommand()      {}
func (*PositionCondition) isCommand()   {}
func (*KeyCondition) isCommand()        {}
func (*LastUpdateCondition) isCommand() {}
func (*AdoptAsCommand) isCommand()      {}
func (*AdoptAtCommand) isCommand()      {}
func (*IncrementCommand) isCommand()    {}
func (*ClearCommand) isCommand()        {}
func (*RemoveByKeyCommand) isCommand()  {}
func (*PutCommand) isCommand()          {}
func (*PutIfAbsentCommand) isCommand()  {}
func (*InsertCommand) isCommand()       {}
func (*SetCommand) isCommand()          {}
func (*RemoveCommand) isCommand()       {}
func (*SnapshotCommand) isCommand()     {}

// convenience constructors with fresh ids

func NewTransaction(commands ...Command) *TransactionCommand {
	return &TransactionCommand{Id: NewId(), Commands: commands}
}

func NewValueCondition(target Id, expectedValue *structpb.Value) *ValueCondition {
	return &ValueCondition{Id: NewId(), Target: target, ExpectedValue: expectedValue}
}

func NewPositionCondition(target Id, childId Id, position ListPosition) *PositionCondition {
	return &PositionCondition{Id: NewId(), Target: target, ChildId: childId, Position: position}
}

func NewKeyCondition(target Id, key string, expectedChildId *Id) *KeyCondition {
	return &KeyCondition{Id: NewId(), Target: target, Key: key, ExpectedChildId: expectedChildId}
}

func NewLastUpdateCondition(target Id, expectedLastUpdate Id) *LastUpdateCondition {
	return &LastUpdateCondition{Id: NewId(), Target: target, ExpectedLastUpdate: expectedLastUpdate}
}

func NewAdoptAs(target Id, childId Id, key string) *AdoptAsCommand {
	return &AdoptAsCommand{Id: NewId(), Target: target, ChildId: childId, Key: key}
}

func NewAdoptAt(target Id, childId Id, position ListPosition) *AdoptAtCommand {
	return &AdoptAtCommand{Id: NewId(), Target: target, ChildId: childId, Position: position}
}

func NewIncrement(target Id, delta float64) *IncrementCommand {
	return &IncrementCommand{Id: NewId(), Target: target, Delta: delta}
}

func NewClear(target Id) *ClearCommand {
	return &ClearCommand{Id: NewId(), Target: target}
}

func NewRemoveByKey(target Id, key string) *RemoveByKeyCommand {
	return &RemoveByKeyCommand{Id: NewId(), Target: target, Key: key}
}

func NewPut(target Id, key string, value *structpb.Value) *PutCommand {
	return &PutCommand{Id: NewId(), Target: target, Key: key, Value: value}
}

func NewPutIfAbsent(target Id, key string, value *structpb.Value) *PutIfAbsentCommand {
	return &PutIfAbsentCommand{Id: NewId(), Target: target, Key: key, Value: value}
}

func NewInsert(target Id, value *structpb.Value, position ListPosition) *InsertCommand {
	return &InsertCommand{Id: NewId(), Target: target, Value: value, Position: position}
}

func NewSet(target Id, value *structpb.Value) *SetCommand {
	return &SetCommand{Id: NewId(), Target: target, Value: value}
}

func NewRemove(target Id, expectedParentId *Id) *RemoveCommand {
	return &RemoveCommand{Id: NewId(), Target: target, ExpectedParentId: expectedParentId}
}

func NewSnapshot(tree *NodeTree) *SnapshotCommand {
	return &SnapshotCommand{Id: NewId(), Nodes: tree.Nodes()}
}

package signal

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// wire discriminants, the `@type` of a command
const (
	CommandTypeTransaction         = "tx"
	CommandTypeValueCondition      = "value"
	CommandTypePositionCondition   = "position"
	CommandTypeKeyCondition        = "key"
	CommandTypeLastUpdateCondition = "lastUpdate"
	CommandTypeAdoptAs             = "adoptAs"
	CommandTypeAdoptAt             = "adoptAt"
	CommandTypeIncrement           = "inc"
	CommandTypeClear               = "clear"
	CommandTypeRemoveByKey         = "removeByKey"
	CommandTypePut                 = "put"
	CommandTypePutIfAbsent         = "putIfAbsent"
	CommandTypeInsert              = "insert"
	CommandTypeSet                 = "set"
	CommandTypeRemove              = "remove"
	CommandTypeSnapshot            = "snapshot"
)

type commandJson struct {
	Type               string            `json:"@type"`
	CommandId          Id                `json:"commandId"`
	TargetNodeId       *Id               `json:"targetNodeId,omitempty"`
	Value              json.RawMessage   `json:"value,omitempty"`
	ExpectedValue      json.RawMessage   `json:"expectedValue,omitempty"`
	ChildId            *Id               `json:"childId,omitempty"`
	Key                *string           `json:"key,omitempty"`
	ExpectedChildId    *Id               `json:"expectedChildId,omitempty"`
	ExpectedLastUpdate *Id               `json:"expectedLastUpdate,omitempty"`
	ExpectedParentId   *Id               `json:"expectedParentId,omitempty"`
	Delta              *float64          `json:"delta,omitempty"`
	Position           *positionJson     `json:"position,omitempty"`
	Commands           []json.RawMessage `json:"commands,omitempty"`
	Nodes              map[Id]*nodeJson  `json:"nodes,omitempty"`
}

type positionJson struct {
	After  *Id `json:"after,omitempty"`
	Before *Id `json:"before,omitempty"`
}

type nodeJson struct {
	ParentId     *Id             `json:"parent,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	ListChildren []Id            `json:"listChildren,omitempty"`
	MapChildren  map[string]Id   `json:"mapChildren,omitempty"`
	LastUpdate   *Id             `json:"lastUpdate,omitempty"`
}

// values use the protobuf json mapping. An absent value is omitted.
func encodeValue(value *structpb.Value) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	return protojson.Marshal(value)
}

func decodeValue(valueBytes json.RawMessage) (*structpb.Value, error) {
	if len(valueBytes) == 0 {
		return nil, nil
	}
	value := &structpb.Value{}
	if err := protojson.Unmarshal(valueBytes, value); err != nil {
		return nil, err
	}
	return value, nil
}

func MarshalCommand(command Command) ([]byte, error) {
	c, err := toCommandJson(command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func UnmarshalCommand(commandBytes []byte) (Command, error) {
	var c commandJson
	if err := json.Unmarshal(commandBytes, &c); err != nil {
		return nil, err
	}
	return fromCommandJson(&c)
}

func toCommandJson(command Command) (*commandJson, error) {
	id := func(id Id) *Id {
		return &id
	}
	position := func(p ListPosition) *positionJson {
		return &positionJson{After: p.After, Before: p.Before}
	}

	c := &commandJson{
		CommandId: command.CommandId(),
	}
	var err error
	switch v := command.(type) {
	case *TransactionCommand:
		c.Type = CommandTypeTransaction
		c.Commands = make([]json.RawMessage, 0, len(v.Commands))
		for _, sub := range v.Commands {
			subBytes, err := MarshalCommand(sub)
			if err != nil {
				return nil, err
			}
			c.Commands = append(c.Commands, subBytes)
		}
	case *ValueCondition:
		c.Type = CommandTypeValueCondition
		c.TargetNodeId = id(v.Target)
		c.ExpectedValue, err = encodeValue(v.ExpectedValue)
	case *PositionCondition:
		c.Type = CommandTypePositionCondition
		c.TargetNodeId = id(v.Target)
		c.ChildId = id(v.ChildId)
		c.Position = position(v.Position)
	case *KeyCondition:
		c.Type = CommandTypeKeyCondition
		c.TargetNodeId = id(v.Target)
		c.Key = &v.Key
		c.ExpectedChildId = v.ExpectedChildId
	case *LastUpdateCondition:
		c.Type = CommandTypeLastUpdateCondition
		c.TargetNodeId = id(v.Target)
		c.ExpectedLastUpdate = id(v.ExpectedLastUpdate)
	case *AdoptAsCommand:
		c.Type = CommandTypeAdoptAs
		c.TargetNodeId = id(v.Target)
		c.ChildId = id(v.ChildId)
		c.Key = &v.Key
	case *AdoptAtCommand:
		c.Type = CommandTypeAdoptAt
		c.TargetNodeId = id(v.Target)
		c.ChildId = id(v.ChildId)
		c.Position = position(v.Position)
	case *IncrementCommand:
		c.Type = CommandTypeIncrement
		c.TargetNodeId = id(v.Target)
		c.Delta = &v.Delta
	case *ClearCommand:
		c.Type = CommandTypeClear
		c.TargetNodeId = id(v.Target)
	case *RemoveByKeyCommand:
		c.Type = CommandTypeRemoveByKey
		c.TargetNodeId = id(v.Target)
		c.Key = &v.Key
	case *PutCommand:
		c.Type = CommandTypePut
		c.TargetNodeId = id(v.Target)
		c.Key = &v.Key
		c.Value, err = encodeValue(v.Value)
	case *PutIfAbsentCommand:
		c.Type = CommandTypePutIfAbsent
		c.TargetNodeId = id(v.Target)
		c.Key = &v.Key
		c.Value, err = encodeValue(v.Value)
	case *InsertCommand:
		c.Type = CommandTypeInsert
		c.TargetNodeId = id(v.Target)
		c.Value, err = encodeValue(v.Value)
		c.Position = position(v.Position)
	case *SetCommand:
		c.Type = CommandTypeSet
		c.TargetNodeId = id(v.Target)
		c.Value, err = encodeValue(v.Value)
	case *RemoveCommand:
		c.Type = CommandTypeRemove
		c.TargetNodeId = id(v.Target)
		c.ExpectedParentId = v.ExpectedParentId
	case *SnapshotCommand:
		c.Type = CommandTypeSnapshot
		c.Nodes = map[Id]*nodeJson{}
		for nodeId, node := range v.Nodes {
			value, err := encodeValue(node.Value)
			if err != nil {
				return nil, err
			}
			n := &nodeJson{
				Value:        value,
				ListChildren: node.ListChildren,
				MapChildren:  node.MapChildren,
			}
			if node.HasParent {
				n.ParentId = id(node.ParentId)
			}
			if node.LastUpdate != ZeroId {
				n.LastUpdate = id(node.LastUpdate)
			}
			c.Nodes[nodeId] = n
		}
	default:
		return nil, fmt.Errorf("Unknown command type: %T", v)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func fromCommandJson(c *commandJson) (Command, error) {
	target := func() (Id, error) {
		if c.TargetNodeId == nil {
			return Id{}, fmt.Errorf("Command %s (%s) is missing targetNodeId.", c.CommandId, c.Type)
		}
		return *c.TargetNodeId, nil
	}
	require := func(present bool, field string) error {
		if !present {
			return fmt.Errorf("Command %s (%s) is missing %s.", c.CommandId, c.Type, field)
		}
		return nil
	}
	position := func() ListPosition {
		if c.Position == nil {
			return ListPosition{}
		}
		return ListPosition{After: c.Position.After, Before: c.Position.Before}
	}

	if c.Type == CommandTypeTransaction {
		commands := make([]Command, 0, len(c.Commands))
		for _, subBytes := range c.Commands {
			sub, err := UnmarshalCommand(subBytes)
			if err != nil {
				return nil, err
			}
			commands = append(commands, sub)
		}
		return &TransactionCommand{Id: c.CommandId, Commands: commands}, nil
	}
	if c.Type == CommandTypeSnapshot {
		nodes := map[Id]*Node{}
		for nodeId, n := range c.Nodes {
			if n == nil {
				return nil, fmt.Errorf("Snapshot %s has empty node %s.", c.CommandId, nodeId)
			}
			value, err := decodeValue(n.Value)
			if err != nil {
				return nil, err
			}
			node := &Node{
				Id:           nodeId,
				Value:        value,
				ListChildren: n.ListChildren,
				MapChildren:  n.MapChildren,
			}
			if n.ParentId != nil {
				node.ParentId = *n.ParentId
				node.HasParent = true
			}
			if n.LastUpdate != nil {
				node.LastUpdate = *n.LastUpdate
			}
			nodes[nodeId] = node
		}
		return &SnapshotCommand{Id: c.CommandId, Nodes: nodes}, nil
	}

	targetId, err := target()
	if err != nil {
		return nil, err
	}
	value, err := decodeValue(c.Value)
	if err != nil {
		return nil, err
	}
	expectedValue, err := decodeValue(c.ExpectedValue)
	if err != nil {
		return nil, err
	}
	switch c.Type {
	case CommandTypeValueCondition:
		return &ValueCondition{Id: c.CommandId, Target: targetId, ExpectedValue: expectedValue}, nil
	case CommandTypePositionCondition:
		if err := require(c.ChildId != nil, "childId"); err != nil {
			return nil, err
		}
		return &PositionCondition{Id: c.CommandId, Target: targetId, ChildId: *c.ChildId, Position: position()}, nil
	case CommandTypeKeyCondition:
		if err := require(c.Key != nil, "key"); err != nil {
			return nil, err
		}
		return &KeyCondition{Id: c.CommandId, Target: targetId, Key: *c.Key, ExpectedChildId: c.ExpectedChildId}, nil
	case CommandTypeLastUpdateCondition:
		if err := require(c.ExpectedLastUpdate != nil, "expectedLastUpdate"); err != nil {
			return nil, err
		}
		return &LastUpdateCondition{Id: c.CommandId, Target: targetId, ExpectedLastUpdate: *c.ExpectedLastUpdate}, nil
	case CommandTypeAdoptAs:
		if err := require(c.ChildId != nil && c.Key != nil, "childId or key"); err != nil {
			return nil, err
		}
		return &AdoptAsCommand{Id: c.CommandId, Target: targetId, ChildId: *c.ChildId, Key: *c.Key}, nil
	case CommandTypeAdoptAt:
		if err := require(c.ChildId != nil, "childId"); err != nil {
			return nil, err
		}
		return &AdoptAtCommand{Id: c.CommandId, Target: targetId, ChildId: *c.ChildId, Position: position()}, nil
	case CommandTypeIncrement:
		if err := require(c.Delta != nil, "delta"); err != nil {
			return nil, err
		}
		return &IncrementCommand{Id: c.CommandId, Target: targetId, Delta: *c.Delta}, nil
	case CommandTypeClear:
		return &ClearCommand{Id: c.CommandId, Target: targetId}, nil
	case CommandTypeRemoveByKey:
		if err := require(c.Key != nil, "key"); err != nil {
			return nil, err
		}
		return &RemoveByKeyCommand{Id: c.CommandId, Target: targetId, Key: *c.Key}, nil
	case CommandTypePut:
		if err := require(c.Key != nil, "key"); err != nil {
			return nil, err
		}
		return &PutCommand{Id: c.CommandId, Target: targetId, Key: *c.Key, Value: value}, nil
	case CommandTypePutIfAbsent:
		if err := require(c.Key != nil, "key"); err != nil {
			return nil, err
		}
		return &PutIfAbsentCommand{Id: c.CommandId, Target: targetId, Key: *c.Key, Value: value}, nil
	case CommandTypeInsert:
		return &InsertCommand{Id: c.CommandId, Target: targetId, Value: value, Position: position()}, nil
	case CommandTypeSet:
		return &SetCommand{Id: c.CommandId, Target: targetId, Value: value}, nil
	case CommandTypeRemove:
		return &RemoveCommand{Id: c.CommandId, Target: targetId, ExpectedParentId: c.ExpectedParentId}, nil
	default:
		return nil, fmt.Errorf("Unknown command type: %s", c.Type)
	}
}

// a command as delivered by the server, in a call result or a push
type Event struct {
	Accepted bool
	Command  Command
}

type eventJson struct {
	Accepted bool            `json:"accepted"`
	Command  json.RawMessage `json:"command"`
}

func (self *Event) MarshalJSON() ([]byte, error) {
	commandBytes, err := MarshalCommand(self.Command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&eventJson{
		Accepted: self.Accepted,
		Command:  commandBytes,
	})
}

func (self *Event) UnmarshalJSON(src []byte) error {
	var e eventJson
	if err := json.Unmarshal(src, &e); err != nil {
		return err
	}
	if len(e.Command) == 0 {
		return fmt.Errorf("Event is missing a command.")
	}
	command, err := UnmarshalCommand(e.Command)
	if err != nil {
		return err
	}
	self.Accepted = e.Accepted
	self.Command = command
	return nil
}

package crdt

import (
	"fmt"

	"collabsync/internal/clock"
)

// Kind says what an operation does
type Kind uint8

const (
	KindInsert Kind = 1
	KindDelete Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// UnitType tags a content unit. The document never interprets the value.
type UnitType uint8

const (
	UnitChar  UnitType = 1 // a single character
	UnitBlock UnitType = 2 // an opaque block marker, e.g. "heading:2"
)

// Unit is one element of the replicated sequence
type Unit struct {
	Type  UnitType `json:"type"`
	Value string   `json:"value"`
}

// Char builds a character unit
func Char(r rune) Unit {
	return Unit{Type: UnitChar, Value: string(r)}
}

// Block builds an opaque block unit
func Block(marker string) Unit {
	return Unit{Type: UnitBlock, Value: marker}
}

// ID names an operation (and, for inserts, the unit it created)
type ID struct {
	Client clock.ClientID `json:"client"`
	Seq    uint64         `json:"seq"`
}

// Head is the anchor before the first unit of every document
var Head = ID{}

func (id ID) IsHead() bool {
	return id.Client == "" && id.Seq == 0
}

func (id ID) String() string {
	if id.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%s:%d", id.Client, id.Seq)
}

// coveredBy reports whether vc has integrated id
func (id ID) coveredBy(vc clock.VectorClock) bool {
	return id.Seq <= vc.Get(id.Client)
}

// Operation is an immutable edit.
//
// Insert: Origin is the unit the new unit is placed after (Head for the
// start of the document) and Lamport orders concurrent siblings.
// Delete: Origin is the unit being tombstoned.
type Operation struct {
	ID      ID     `json:"id"`
	Kind    Kind   `json:"kind"`
	Origin  ID     `json:"origin"`
	Lamport uint64 `json:"lamport,omitempty"`
	Unit    Unit   `json:"unit,omitempty"`
}

// Valid reports whether op is structurally usable
func (op Operation) Valid() bool {
	if op.ID.Client == "" || op.ID.Seq == 0 {
		return false
	}
	switch op.Kind {
	case KindInsert:
		return op.Lamport > 0 && (op.Unit.Type == UnitChar || op.Unit.Type == UnitBlock)
	case KindDelete:
		return !op.Origin.IsHead()
	default:
		return false
	}
}

// Stats is a point-in-time summary of a document
type Stats struct {
	Units      int `json:"units"`
	Visible    int `json:"visible"`
	Tombstones int `json:"tombstones"`
	Pending    int `json:"pending"`
	History    int `json:"history"`
	Purged     int `json:"purged"`
}

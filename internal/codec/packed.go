// Package codec packs layout coordinates into Discord component ids and
// routing data into button custom ids.
//
// Discord persists a single int32 per component and nothing else, so the id
// carries everything needed to rebuild the layout after a restart:
//
//	bits  0-9   sub-element (0 = family root, n+1 = sub-element n)
//	bits 10-15  layout slot within the message
//	bits 16-23  component family (0 is reserved, ids are never 0)
//	bits 24-27  layout protocol version
//	bits 28-30  unused, always 0
package codec

import (
	"errors"
	"fmt"
)

// Family identifies a logical layout rendered into a message.
type Family uint8

const (
	FamilyInfo     Family = 1
	FamilyStatus   Family = 2
	FamilyShowcase Family = 3
)

func (f Family) String() string {
	switch f {
	case FamilyInfo:
		return "info"
	case FamilyStatus:
		return "status"
	case FamilyShowcase:
		return "showcase"
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// SubElement is the ordinal of a node inside a family's layout.
type SubElement int

// Root addresses the family's own container.
const Root SubElement = -1

// CurrentVersion is the layout protocol version written by this build.
const CurrentVersion = 1

const (
	subBits     = 10
	slotBits    = 6
	familyBits  = 8
	versionBits = 4

	slotShift    = subBits
	familyShift  = slotShift + slotBits
	versionShift = familyShift + familyBits

	subMask     = 1<<subBits - 1
	slotMask    = 1<<slotBits - 1
	familyMask  = 1<<familyBits - 1
	versionMask = 1<<versionBits - 1

	// MaxSlot is the highest layout slot a message can hold.
	MaxSlot = slotMask
	// MaxSubElement is the highest sub-element ordinal.
	MaxSubElement = subMask - 1
	// MaxVersion is the highest protocol version the id can carry.
	MaxVersion = versionMask
)

var (
	// ErrOutOfRange is returned when a coordinate does not fit its bit field.
	ErrOutOfRange = errors.New("codec: value out of range")
	// ErrInvalidID is returned when an id was not produced by Pack.
	ErrInvalidID = errors.New("codec: invalid packed id")
)

// ID is an unpacked component id.
type ID struct {
	Version int
	Family  Family
	Slot    int
	Sub     SubElement
}

// IsRoot reports whether the id addresses a family container.
func (id ID) IsRoot() bool { return id.Sub == Root }

// PackRoot packs the id of a family's container at slot.
func PackRoot(f Family, slot int) (int, error) {
	return PackVersion(CurrentVersion, f, slot, Root)
}

// Pack packs the id of sub-element sub of family f at slot.
func Pack(f Family, slot int, sub SubElement) (int, error) {
	return PackVersion(CurrentVersion, f, slot, sub)
}

// MustPack is Pack for coordinates known at compile time.
func MustPack(f Family, slot int, sub SubElement) int {
	id, err := Pack(f, slot, sub)
	if err != nil {
		panic(err)
	}
	return id
}

// PackVersion packs an id with an explicit protocol version.
func PackVersion(version int, f Family, slot int, sub SubElement) (int, error) {
	if version < 1 || version > MaxVersion {
		return 0, fmt.Errorf("%w: version %d", ErrOutOfRange, version)
	}
	if f == 0 {
		return 0, fmt.Errorf("%w: family 0 is reserved", ErrOutOfRange)
	}
	if slot < 0 || slot > MaxSlot {
		return 0, fmt.Errorf("%w: slot %d (max %d)", ErrOutOfRange, slot, MaxSlot)
	}
	var subField int
	switch {
	case sub == Root:
		subField = 0
	case sub >= 0 && int(sub) <= MaxSubElement:
		subField = int(sub) + 1
	default:
		return 0, fmt.Errorf("%w: sub-element %d (max %d)", ErrOutOfRange, sub, MaxSubElement)
	}
	return version<<versionShift | int(f)<<familyShift | slot<<slotShift | subField, nil
}

// UnpackFamily returns the family bits of id.
func UnpackFamily(id int) Family {
	return Family(id >> familyShift & familyMask)
}

// UnpackSlot returns the layout slot of id.
func UnpackSlot(id int) int {
	return id >> slotShift & slotMask
}

// UnpackSubElement returns the sub-element of id, or Root.
func UnpackSubElement(id int) SubElement {
	field := id & subMask
	if field == 0 {
		return Root
	}
	return SubElement(field - 1)
}

// UnpackVersion returns the protocol version of id.
func UnpackVersion(id int) int {
	return id >> versionShift & versionMask
}

// Unpack decodes id and rejects values Pack could not have produced.
func Unpack(id int) (ID, error) {
	if id <= 0 || id>>(versionShift+versionBits) != 0 {
		return ID{}, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	out := ID{
		Version: UnpackVersion(id),
		Family:  UnpackFamily(id),
		Slot:    UnpackSlot(id),
		Sub:     UnpackSubElement(id),
	}
	if out.Version == 0 || out.Family == 0 {
		return ID{}, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return out, nil
}

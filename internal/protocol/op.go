package protocol

import "strings"

// Op is the set of filesystem operations reported by one event, packed
// into the low five bits. Bit order from most to least significant:
// chmod, rename, remove, write, create.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// opMask covers every defined flag; values above it are invalid on the
// wire.
const opMask = OpCreate | OpWrite | OpRemove | OpRename | OpChmod

// Has reports whether every flag in other is set on op.
func (op Op) Has(other Op) bool {
	return op&other == other
}

// Valid reports whether op uses only defined flag bits.
func (op Op) Valid() bool {
	return op&^opMask == 0
}

func (op Op) String() string {
	if op == 0 {
		return "NONE"
	}

	var parts []string
	if op.Has(OpCreate) {
		parts = append(parts, "CREATE")
	}
	if op.Has(OpWrite) {
		parts = append(parts, "WRITE")
	}
	if op.Has(OpRemove) {
		parts = append(parts, "REMOVE")
	}
	if op.Has(OpRename) {
		parts = append(parts, "RENAME")
	}
	if op.Has(OpChmod) {
		parts = append(parts, "CHMOD")
	}
	if !op.Valid() {
		parts = append(parts, "INVALID")
	}
	return strings.Join(parts, "|")
}

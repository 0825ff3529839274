package mbox

import "github.com/google/uuid"

// uuidLowBits mints a fresh, effectively-unique uid_validity from the
// low 64 bits of a random UUID (spec §9: when no existing value can be
// recovered, a new incarnation identifier must still be "monotonic
// enough" in practice — universally random is sufficient here since
// uid_validity only needs to change across rebuilds, not increase).
func uuidLowBits() uint64 {
	id := uuid.New()
	var v uint64
	for i := 8; i < 16; i++ {
		v = v<<8 | uint64(id[i])
	}
	if v == 0 {
		v = 1
	}
	return v
}

// slot definitions
package common

import (
	"hash/crc32"
)

type SlotId uint16

func GetSlotId(key string, slotCount int) SlotId {
	h := crc32.ChecksumIEEE([]byte(key))
	return SlotId(h % uint32(slotCount))
}

// GrainSlot maps a grain onto one of slotCount partitions.
func GrainSlot(grain GrainId, slotCount int) SlotId {
	return GetSlotId(grain.String(), slotCount)
}

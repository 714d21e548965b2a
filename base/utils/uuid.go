package utils

import (
	"encoding/binary"
	"time"

	"github.com/gofrs/uuid"
)

// RandomUUID returns a new random UUID with optionally provided ns.
func RandomUUID(ns string) uuid.UUID {
	randUUID, err := uuid.NewV4()
	switch {
	case err != nil:
		// fallback
		// should practically never happen
		return uuid.NewV5(uuidFromTime(), ns)
	case ns != "":
		// mix ns into the UUID
		return uuid.NewV5(randUUID, ns)
	default:
		return randUUID
	}
}

func uuidFromTime() uuid.UUID {
	var timeUUID uuid.UUID
	binary.LittleEndian.PutUint64(timeUUID[:], uint64(time.Now().UnixNano()))
	return timeUUID
}

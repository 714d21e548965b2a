package utils

import (
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRandomUUID(t *testing.T) {
	t.Parallel()

	// Plain random IDs are version 4.
	a := RandomUUID("")
	a2 := RandomUUID("")
	assert.NotEqual(t, a.String(), a2.String())
	assert.Equal(t, byte(uuid.V4), a.Version())

	// Unit names are mixed in, which makes them version 5.
	b := RandomUUID("unit-0")
	b2 := RandomUUID("unit-0")
	assert.NotEqual(t, b.String(), b2.String())
	assert.Equal(t, byte(uuid.V5), b.Version())
}

func TestUUIDFromTime(t *testing.T) {
	t.Parallel()

	d := uuidFromTime()
	time.Sleep(2 * time.Nanosecond)
	d2 := uuidFromTime()
	assert.NotEqual(t, d.String(), d2.String())
}

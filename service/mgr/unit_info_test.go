package mgr

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitInfo(t *testing.T) { //nolint:paralleltest
	mgr := New("test", nil)
	g := mgr.NewGroup("waiters", nil)
	mgr.Go("test func one", testFunc1)
	mgr.Go("test func two", testFunc2)
	g.Go("test func three", testFunc3)
	defer mgr.Cancel()

	time.Sleep(100 * time.Millisecond)

	info, err := mgr.UnitInfo(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Waiting, "expected three waiting units")
	require.Len(t, info.Units, 3)
	assert.Equal(t, "main", info.Units[0].Group)
	assert.Equal(t, "waiters", info.Units[2].Group)

	fmt.Println(info.Format())
}

func testFunc1(u *Unit) error {
	select {
	case <-time.After(1 * time.Second):
	case <-u.Ctx().Done():
	}
	return nil
}

func testFunc2(u *Unit) error {
	select {
	case <-time.After(1 * time.Second):
	case <-u.Ctx().Done():
	}
	return nil
}

func testFunc3(u *Unit) error {
	select {
	case <-time.After(1 * time.Second):
	case <-u.Ctx().Done():
	}
	return nil
}

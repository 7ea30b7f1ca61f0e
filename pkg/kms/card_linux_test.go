package kms

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// growStack forces the goroutine stack to be copied.
func growStack(n int) int {
	var buf [1024]byte
	buf[n%len(buf)] = byte(n)
	if n == 0 {
		return int(buf[0])
	}
	return growStack(n-1) + int(buf[n%len(buf)])
}

func TestOutFenceSlot_StartsUnset(t *testing.T) {
	slot := newOutFenceSlot()
	defer slot.release()

	assert.Equal(t, int32(-1), slot.value())
	assert.NotZero(t, slot.addr())
}

func TestOutFenceSlot_AddressSurvivesStackMoves(t *testing.T) {
	slot := newOutFenceSlot()
	defer slot.release()
	addr := slot.addr()

	growStack(256)
	runtime.GC()

	// The kernel writes the fence fd through the integer address.
	*(*int32)(unsafe.Pointer(uintptr(addr))) = 42

	assert.Equal(t, addr, slot.addr())
	assert.Equal(t, int32(42), slot.value())
}

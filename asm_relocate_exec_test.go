package hooking

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests actually execute relocated machine code, rather than just
// inspecting its emitted bytes: relocateInstructions is the piece spec.md
// §8 calls out for architectural equivalence (property 4) and RIP
// effective-address equality (property 5), and byte-shape assertions alone
// don't exercise either.

func TestRelocatedRIPLoadReadsOriginalCell(t *testing.T) {
	var cell int64 = 0x1234567890ABCDEF

	// MOV RAX, [RIP+disp]; RET - disp is filled in once the code's final
	// address is known, same as assembleTrampoline does for its own
	// RIP-relative load.
	raw := []byte{0x48, 0x8B, 0x05, 0, 0, 0, 0, 0xC3}
	info, err := defaultMemoryController.Allocate(len(raw))
	require.NoError(t, err)

	const movLen = 7
	disp := int64(uintptr(unsafe.Pointer(&cell))) - (int64(info.Start) + movLen)
	binary.LittleEndian.PutUint32(raw[3:7], uint32(int32(disp)))
	writeMemory(info.Start, raw)
	_, err = defaultMemoryController.SetProtection(info.Start, info.AllocationSize, ProtReadExecute)
	require.NoError(t, err)

	relocated, err := relocateInstructions(0, info.Start, len(raw), false)
	require.NoError(t, err)

	stubAddr := allocExecutableCode(t, relocated)
	result := callRawFunc(stubAddr)
	assert.Equal(t, uint64(cell), uint64(result))
}

func TestRelocatedShortJccTaken(t *testing.T) {
	// XOR EAX,EAX (ZF=1) ; JE +6 -> offset 10 ; MOV EAX,2 ; RET ; MOV EAX,1 ; RET
	raw := []byte{
		0x31, 0xC0, // 0: XOR EAX,EAX
		0x74, 0x06, // 2: JE +6  (target = 4+6 = 10)
		0xB8, 0x02, 0x00, 0x00, 0x00, // 4: MOV EAX,2
		0xC3,                         // 9: RET
		0xB8, 0x01, 0x00, 0x00, 0x00, // 10: MOV EAX,1
		0xC3, // 15: RET
	}
	origAddr := allocExecutableCode(t, raw)

	relocated, err := relocateInstructions(0, origAddr, len(raw), false)
	require.NoError(t, err)

	stubAddr := allocExecutableCode(t, relocated)
	result := callRawFunc(stubAddr)
	assert.Equal(t, uintptr(1), result, "ZF=1 must take the inverted-and-redirected jump to the original target")
}

func TestRelocatedShortJccNotTaken(t *testing.T) {
	// OR EAX,1 (ZF=0) ; JE +6 -> offset 11 ; MOV EAX,2 ; RET ; MOV EAX,1 ; RET
	raw := []byte{
		0x83, 0xC8, 0x01, // 0: OR EAX,1
		0x74, 0x06, // 3: JE +6  (target = 5+6 = 11)
		0xB8, 0x02, 0x00, 0x00, 0x00, // 5: MOV EAX,2
		0xC3,                         // 10: RET
		0xB8, 0x01, 0x00, 0x00, 0x00, // 11: MOV EAX,1
		0xC3, // 16: RET
	}
	origAddr := allocExecutableCode(t, raw)

	relocated, err := relocateInstructions(0, origAddr, len(raw), false)
	require.NoError(t, err)

	stubAddr := allocExecutableCode(t, relocated)
	result := callRawFunc(stubAddr)
	assert.Equal(t, uintptr(2), result, "ZF=0 must fall through the inverted jump into the relocated copy")
}

package hooking

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addrOf returns the runtime address backing a byte slice, for tests that
// need relocateInstructions to decode "real" memory without going through a
// MemoryController (plain Go slices are ordinary readable memory).
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestRelocateShortJccInverts(t *testing.T) {
	// JE rel8 +0x05
	raw := []byte{0x74, 0x05}
	src := addrOf(raw)

	out, err := relocateInstructions(src, src, len(raw), false)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(out), 2)
	assert.Equal(t, byte(0x75), out[0], "JE must relocate to its inverse, JNE")
	assert.Equal(t, byte(14), out[1], "length byte must cover the absolute-indirect jmp block")

	abs := out[2:]
	require.Len(t, abs, 14)
	assert.Equal(t, []byte{0xFF, 0x25, 0, 0, 0, 0}, abs[:6])

	wantTarget := uint64(src) + 2 + 5
	assert.Equal(t, wantTarget, decodeImm64(abs[6:]))
}

func TestRelocateUnconditionalJmpNotInverted(t *testing.T) {
	// JMP rel8 +0x03
	raw := []byte{0xEB, 0x03}
	src := addrOf(raw)

	out, err := relocateInstructions(src, src, len(raw), false)
	require.NoError(t, err)

	require.Len(t, out, 14)
	assert.Equal(t, []byte{0xFF, 0x25, 0, 0, 0, 0}, out[:6])
	wantTarget := uint64(src) + 2 + 3
	assert.Equal(t, wantTarget, decodeImm64(out[6:]))
}

func TestRelocateRIPRelativeMov(t *testing.T) {
	// REX.W MOV RAX, [RIP+0x10]
	raw := []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}
	src := addrOf(raw)

	out, err := relocateInstructions(src, src, len(raw), false)
	require.NoError(t, err)

	require.Len(t, out, 2+10+3+2)
	assert.Equal(t, []byte{0x41, 0x52}, out[:2], "PUSH R10")
	assert.Equal(t, []byte{0x49, 0xBA}, out[2:4], "MOV R10, imm64 opcode")

	wantTarget := uint64(src) + 7 + 0x10
	assert.Equal(t, wantTarget, decodeImm64(out[4:12]))

	assert.Equal(t, []byte{0x49, 0x8B, 0x02}, out[12:15], "rewritten instruction now addresses [R10]")
	assert.Equal(t, []byte{0x41, 0x5A}, out[15:17], "POP R10")
}

func TestRelocateNonRelativeInstructionCopiedVerbatim(t *testing.T) {
	// ADD EAX, EBX
	raw := []byte{0x01, 0xD8}
	src := addrOf(raw)

	out, err := relocateInstructions(src, src, len(raw), false)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRelocateAppendsTailJump(t *testing.T) {
	raw := []byte{0x01, 0xD8} // ADD EAX, EBX, patchSize == len(raw)
	src := addrOf(raw)

	out, err := relocateInstructions(src, src, len(raw), true)
	require.NoError(t, err)

	require.Len(t, out, 2+5+1)
	assert.Equal(t, raw, out[:2])
	assert.Equal(t, byte(0xE9), out[2])
	assert.Equal(t, byte(0x90), out[len(out)-1])
}

func TestRelocateInvalidBytesFails(t *testing.T) {
	raw := make([]byte, relocateSlack+4)
	for i := range raw {
		raw[i] = 0xD6 // SALC, undefined in 64-bit mode
	}
	src := addrOf(raw)

	_, err := relocateInstructions(src, src, 2, false)
	var asmErr *AssemblyError
	assert.True(t, errors.As(err, &asmErr))
}

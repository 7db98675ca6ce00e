package hooking

import (
	"encoding/binary"
	"math"
)

// Component C (spec.md §4.C): assemblePatch and assembleTrampoline emit the
// two fixed-shape byte sequences spec.md §6 specifies bit-exact; the third
// operation, relocateInstructions, lives in asm_relocate.go since it needs
// the x86_64 decoder.

// assembleRelJmp encodes `JMP rel32` (E9 <rel32>) from eip to dest. This is
// both the patch spec.md §4.C.1 describes and the tail jump relocate
// appends back into the target function.
func assembleRelJmp(eip, dest uintptr) ([]byte, error) {
	rel := int64(dest) - (int64(eip) + 5)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return nil, &AssemblyError{Op: "assemble_rel_jmp", Err: ErrPatchOutOfRange}
	}
	out := make([]byte, 5)
	out[0] = 0xE9
	binary.LittleEndian.PutUint32(out[1:], uint32(int32(rel)))
	return out, nil
}

// assemblePatch emits the 5-byte JMP rel32 written into the target function
// (spec.md §4.C.1). eip must equal the target address so the displacement
// is computed correctly.
func assemblePatch(eip, destination uintptr) ([]byte, error) {
	return assembleRelJmp(eip, destination)
}

// assembleTrampoline emits, in order (spec.md §4.C.2 / §6):
//
//	MOV R10, [RIP + disp]   (REX.W+R  4C 8B 15 <disp32>)   -- loads the call
//	                                                            stub address
//	JMP rel32                                               -- to destinationFn
//	NOP
//
// disp is computed so the load reads callStubSlot, an 8-byte cell the
// HookWriter reserves before emitting the trampoline and fills in once the
// call stub's final address is known (spec.md §9, "self-reference between
// trampoline and call stub").
func assembleTrampoline(eip, destinationFn, callStubSlot uintptr) ([]byte, error) {
	const movLen = 7
	movEnd := eip + movLen
	disp := int64(callStubSlot) - int64(movEnd)
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return nil, &AssemblyError{Op: "assemble_trampoline", Err: ErrPatchOutOfRange}
	}

	out := make([]byte, 0, movLen+5+1)
	mov := []byte{0x4C, 0x8B, 0x15, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(mov[3:], uint32(int32(disp)))
	out = append(out, mov...)

	jmp, err := assembleRelJmp(eip+movLen, destinationFn)
	if err != nil {
		return nil, &AssemblyError{Op: "assemble_trampoline", Err: err}
	}
	out = append(out, jmp...)
	out = append(out, 0x90) // NOP, resynchronizes any disassembler reading past the jump.
	return out, nil
}

// encodeImm64 little-endian encodes v into 8 bytes, used by both the
// MOV R10, imm64 thunk and the inline `dq A` literals relocate emits after
// FF 25/FF 15.
func encodeImm64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// encodeMovR10Imm64 emits `MOV R10, imm64` (REX.W+B  49 BA <imm64>), used
// only inside relocated RIP-relative memory operands to materialize the
// absolute target address into R10 before the original instruction runs
// with R10 substituted for RIP as its base register.
func encodeMovR10Imm64(v uint64) []byte {
	out := make([]byte, 10)
	out[0] = 0x49
	out[1] = 0xBA
	copy(out[2:], encodeImm64(v))
	return out
}

// encodeAbsoluteIndirectJump emits `JMP [RIP+0]` (FF 25 00 00 00 00) followed
// by the inline 64-bit literal `target` (spec.md §6), used to relocate
// unconditional near jumps without being bound by a +-2GiB rel32 reach.
func encodeAbsoluteIndirectJump(target uint64) []byte {
	out := []byte{0xFF, 0x25, 0, 0, 0, 0}
	return append(out, encodeImm64(target)...)
}

// encodeAbsoluteIndirectCall emits `CALL [RIP+0]` (FF 15 00 00 00 00)
// followed by the inline 64-bit literal `target`, used to relocate near
// calls the same way.
func encodeAbsoluteIndirectCall(target uint64) []byte {
	out := []byte{0xFF, 0x15, 0, 0, 0, 0}
	return append(out, encodeImm64(target)...)
}

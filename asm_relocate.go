package hooking

import "golang.org/x/arch/x86/x86asm"

// jccInverse maps each conditional-jump opcode to its logical inverse, per
// spec.md §4.C.3. An unconditional jump is deliberately absent from this
// table - spec.md is explicit that "an unconditional jump maps to an
// unconditional jump (no inversion)", which is handled separately in
// reencodeInstruction.
var jccInverse = map[x86asm.Op]x86asm.Op{
	x86asm.JE:  x86asm.JNE,
	x86asm.JNE: x86asm.JE,
	x86asm.JB:  x86asm.JAE,
	x86asm.JAE: x86asm.JB,
	x86asm.JBE: x86asm.JA,
	x86asm.JA:  x86asm.JBE,
	x86asm.JL:  x86asm.JGE,
	x86asm.JGE: x86asm.JL,
	x86asm.JLE: x86asm.JG,
	x86asm.JG:  x86asm.JLE,
	x86asm.JP:  x86asm.JNP,
	x86asm.JNP: x86asm.JP,
	x86asm.JO:  x86asm.JNO,
	x86asm.JNO: x86asm.JO,
	x86asm.JS:  x86asm.JNS,
	x86asm.JNS: x86asm.JS,
}

// jccShortOpcode is the one-byte short-form (rel8) encoding for each Jcc.
var jccShortOpcode = map[x86asm.Op]byte{
	x86asm.JO:  0x70,
	x86asm.JNO: 0x71,
	x86asm.JB:  0x72,
	x86asm.JAE: 0x73,
	x86asm.JE:  0x74,
	x86asm.JNE: 0x75,
	x86asm.JBE: 0x76,
	x86asm.JA:  0x77,
	x86asm.JS:  0x78,
	x86asm.JNS: 0x79,
	x86asm.JP:  0x7A,
	x86asm.JNP: 0x7B,
	x86asm.JL:  0x7C,
	x86asm.JGE: 0x7D,
	x86asm.JLE: 0x7E,
	x86asm.JG:  0x7F,
}

// relocateSlack is how many bytes past patchSize the decoder is given to
// work with so the last instruction it needs has room to be decoded in
// full, mirroring the teacher's `originalFuncHead := make([]byte, 20)`
// over-read for a patch that is only ever 5 bytes.
const relocateSlack = 16

// relocateInstructions decodes instructions from source until at least
// patchSize bytes have been consumed, re-emitting each at eip with the
// transformations from spec.md §4.C.3, and optionally appends a tail jump
// back to source+consumed (spec.md: "relocate T[0..P] into the heap ...
// call this the call stub").
func relocateInstructions(eip, source uintptr, patchSize int, addJump bool) ([]byte, error) {
	raw := readMemory(source, patchSize+relocateSlack)

	var out []byte
	consumed := 0
	curEip := eip

	for consumed < patchSize {
		if consumed >= len(raw) {
			return nil, &AssemblyError{Op: "relocate_instructions", Err: ErrRelocationFailed}
		}
		inst, err := x86asm.Decode(raw[consumed:], 64)
		if err != nil || inst.Len == 0 {
			return nil, &AssemblyError{Op: "relocate_instructions", Err: ErrRelocationFailed}
		}

		instBytes := raw[consumed : consumed+inst.Len]
		instSourceAddr := source + uintptr(consumed)

		emitted, err := reencodeInstruction(inst, instBytes, instSourceAddr)
		if err != nil {
			return nil, err
		}

		out = append(out, emitted...)
		curEip += uintptr(len(emitted))
		consumed += inst.Len
	}

	if addJump {
		backTarget := source + uintptr(consumed)
		jmp, err := assembleRelJmp(curEip, backTarget)
		if err != nil {
			return nil, &AssemblyError{Op: "relocate_instructions(tail jmp)", Err: err}
		}
		out = append(out, jmp...)
		out = append(out, 0x90) // NOP
	}

	return out, nil
}

// reencodeInstruction implements the per-instruction-kind transform table
// from spec.md §4.C.3.
func reencodeInstruction(inst x86asm.Inst, raw []byte, srcAddr uintptr) ([]byte, error) {
	if inverse, isJcc := jccInverse[inst.Op]; isJcc {
		return reencodeConditionalJump(inst, srcAddr, inverse)
	}

	switch inst.Op {
	case x86asm.JMP:
		if target, ok := relBranchTarget(inst, srcAddr); ok {
			return encodeAbsoluteIndirectJump(target), nil
		}
	case x86asm.CALL:
		if target, ok := relBranchTarget(inst, srcAddr); ok {
			return encodeAbsoluteIndirectCall(target), nil
		}
	}

	if target, ok := ripMemTarget(inst, srcAddr); ok {
		return encodeRIPOperandReplacement(inst, raw, target)
	}

	// Non-relative instruction: bytes don't encode anything IP-dependent,
	// so copying them verbatim to the new address preserves semantics
	// exactly (spec.md §4.C.3: "re-emit unchanged").
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, nil
}

// relBranchTarget returns the absolute target address of a CALL/JMP whose
// operand is a relative displacement (x86asm.Rel), and whether the
// instruction had one (some CALL/JMP forms are indirect through a register
// or memory operand and are left to the "non-relative" fallback, since
// their target does not depend on where the instruction itself sits).
func relBranchTarget(inst x86asm.Inst, srcAddr uintptr) (uint64, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return uint64(int64(srcAddr) + int64(inst.Len) + int64(rel)), true
		}
	}
	return 0, false
}

// ripMemTarget returns the absolute address a RIP-relative memory operand
// refers to, if inst has one.
func ripMemTarget(inst x86asm.Inst, srcAddr uintptr) (uint64, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return uint64(int64(srcAddr) + int64(inst.Len) + mem.Disp), true
		}
	}
	return 0, false
}

func reencodeConditionalJump(inst x86asm.Inst, srcAddr uintptr, inverse x86asm.Op) ([]byte, error) {
	target, ok := relBranchTarget(inst, srcAddr)
	if !ok {
		return nil, &AssemblyError{Op: "relocate_instructions(jcc)", Err: ErrRelocationFailed}
	}
	opcode, ok := jccShortOpcode[inverse]
	if !ok {
		return nil, &AssemblyError{Op: "relocate_instructions(jcc)", Err: ErrRelocationFailed}
	}

	abs := encodeAbsoluteIndirectJump(target)
	out := make([]byte, 0, 2+len(abs))
	out = append(out, opcode, byte(len(abs)))
	out = append(out, abs...)
	return out, nil
}

// encodeRIPOperandReplacement emits, per spec.md §4.C.3:
//
//	PUSH R10
//	MOV R10, imm64 A
//	<original instruction, base changed from RIP to R10, displacement zeroed>
//	POP R10
func encodeRIPOperandReplacement(inst x86asm.Inst, raw []byte, absTarget uint64) ([]byte, error) {
	pcRelOff := inst.PCRelOff
	pcRelLen := inst.PCRel
	if pcRelLen == 0 {
		pcRelLen = 4
	}
	rewritten, err := rewriteRIPOperandToR10(raw, pcRelOff, pcRelLen)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+10+len(rewritten)+2)
	out = append(out, 0x41, 0x52) // PUSH R10
	out = append(out, encodeMovR10Imm64(absTarget)...)
	out = append(out, rewritten...)
	out = append(out, 0x41, 0x5A) // POP R10
	return out, nil
}

var legacyPrefixBytes = map[byte]bool{
	0x66: true, 0x67: true, 0xF0: true, 0xF2: true, 0xF3: true,
	0x2E: true, 0x36: true, 0x3E: true, 0x26: true, 0x64: true, 0x65: true,
}

// locateModRM walks an instruction's raw bytes far enough to find its ModRM
// byte, following the standard legacy-prefix / REX / opcode-escape layout.
// It returns the index of the ModRM byte, the index of a REX prefix if one
// is present, and whether one was found.
func locateModRM(raw []byte) (modRMIdx, rexIdx, prefixEnd int, hasREX bool) {
	i := 0
	for i < len(raw) && legacyPrefixBytes[raw[i]] {
		i++
	}
	prefixEnd = i
	if i < len(raw) && raw[i] >= 0x40 && raw[i] <= 0x4F {
		hasREX = true
		rexIdx = i
		i++
	}
	if i < len(raw) && raw[i] == 0x0F {
		i++
		if i < len(raw) && (raw[i] == 0x38 || raw[i] == 0x3A) {
			i++
		}
		i++
	} else {
		i++
	}
	return i, rexIdx, prefixEnd, hasREX
}

// rewriteRIPOperandToR10 rewrites a RIP-relative memory operand's ModRM
// byte to address [R10] (mod=00, rm=010) instead of [RIP+disp32], inserting
// or patching a REX.B bit so R10 is selected, and drops the now-unused
// disp32 bytes entirely (mod=00,rm=010 has no displacement).
func rewriteRIPOperandToR10(raw []byte, pcRelOff, pcRelLen int) ([]byte, error) {
	modRMIdx, rexIdx, prefixEnd, hasREX := locateModRM(raw)
	if modRMIdx >= len(raw) {
		return nil, &AssemblyError{Op: "relocate_instructions(rip-operand)", Err: ErrRelocationFailed}
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, raw[:prefixEnd]...)
	if hasREX {
		out = append(out, raw[rexIdx]|0x01) // set REX.B to select R8-R15 via rm field
		out = append(out, raw[rexIdx+1:modRMIdx]...)
	} else {
		out = append(out, 0x41) // insert a bare REX.B prefix right before the opcode
		out = append(out, raw[prefixEnd:modRMIdx]...)
	}

	newModRM := (raw[modRMIdx] &^ 0x07) | 0x02
	out = append(out, newModRM)

	afterDisp := pcRelOff + pcRelLen
	if afterDisp < len(raw) {
		out = append(out, raw[afterDisp:]...)
	}
	return out, nil
}

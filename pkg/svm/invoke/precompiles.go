package invoke

import (
	"encoding/binary"

	"golang.org/x/crypto/ed25519"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// Precompile failures, reported to the transaction as custom instruction
// errors carrying these codes.
const (
	PrecompileInvalidPublicKey uint32 = iota
	PrecompileInvalidRecoveryID
	PrecompileInvalidSignature
	PrecompileInvalidDataOffsets
	PrecompileInvalidInstructionDataSize
)

const (
	ed25519OffsetsStart = 2
	ed25519OffsetsSize  = 14
	// ed25519CurrentInstruction selects the data of the verifying instruction itself.
	ed25519CurrentInstruction = 0xffff
)

// IsPrecompile reports whether programID is verified natively instead of
// being dispatched to a program.
func IsPrecompile(programID types.Pubkey) bool {
	return programID == types.Ed25519ProgramAddr
}

func verifyPrecompile(programID types.Pubkey, data []byte, instructionDatas [][]byte) error {
	switch programID {
	case types.Ed25519ProgramAddr:
		if code, ok := verifyEd25519(data, instructionDatas); !ok {
			return &txcontext.CustomError{Code: code}
		}
		return nil
	default:
		return txcontext.ErrUnsupportedProgramID
	}
}

// verifyEd25519 checks every signature described by the offsets table in data.
func verifyEd25519(data []byte, instructionDatas [][]byte) (uint32, bool) {
	if len(data) < ed25519OffsetsStart {
		return PrecompileInvalidInstructionDataSize, false
	}
	count := int(data[0])
	if count == 0 && len(data) > ed25519OffsetsStart {
		return PrecompileInvalidInstructionDataSize, false
	}
	if len(data) < count*ed25519OffsetsSize+ed25519OffsetsStart {
		return PrecompileInvalidInstructionDataSize, false
	}

	for i := 0; i < count; i++ {
		o := data[ed25519OffsetsStart+i*ed25519OffsetsSize:]
		u16 := func(at int) uint16 { return binary.LittleEndian.Uint16(o[at:]) }

		sig, ok := precompileSlice(data, instructionDatas, u16(2), u16(0), ed25519.SignatureSize)
		if !ok {
			return PrecompileInvalidDataOffsets, false
		}
		pub, ok := precompileSlice(data, instructionDatas, u16(6), u16(4), ed25519.PublicKeySize)
		if !ok {
			return PrecompileInvalidDataOffsets, false
		}
		msg, ok := precompileSlice(data, instructionDatas, u16(12), u16(8), int(u16(10)))
		if !ok {
			return PrecompileInvalidDataOffsets, false
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
			return PrecompileInvalidSignature, false
		}
	}
	return 0, true
}

func precompileSlice(data []byte, instructionDatas [][]byte, instructionIndex, offset uint16, size int) ([]byte, bool) {
	source := data
	if instructionIndex != ed25519CurrentInstruction {
		if int(instructionIndex) >= len(instructionDatas) {
			return nil, false
		}
		source = instructionDatas[instructionIndex]
	}
	end := int(offset) + size
	if end > len(source) {
		return nil, false
	}
	return source[offset:end], true
}

package blockstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// Header is the metadata of one block of the host chain.
type Header struct {
	Number     uint64
	Hash       types.Hash
	ParentHash types.Hash
	// Timestamp is the block time in unix milliseconds.
	Timestamp int64
	// AccountsDeltaHash commits to the accounts written in the block.
	AccountsDeltaHash types.Hash
	// SignatureCount is the number of transaction signatures processed.
	SignatureCount uint64
}

// headerSize is the encoded size of Header.
const headerSize = 8 + 32 + 32 + 8 + 32 + 8

// Encode serializes the header.
func (h Header) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerSize))
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint64(h.Number, bin.LE)
	_ = enc.WriteBytes(h.Hash[:], false)
	_ = enc.WriteBytes(h.ParentHash[:], false)
	_ = enc.WriteInt64(h.Timestamp, bin.LE)
	_ = enc.WriteBytes(h.AccountsDeltaHash[:], false)
	_ = enc.WriteUint64(h.SignatureCount, bin.LE)
	return buf.Bytes()
}

// DecodeHeader parses a header written by Encode.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) != headerSize {
		return h, fmt.Errorf("%w: header length %d", ErrCorrupted, len(data))
	}
	d := bin.NewBinDecoder(data)
	h.Number, _ = d.ReadUint64(bin.LE)
	readHash(d, &h.Hash)
	readHash(d, &h.ParentHash)
	h.Timestamp, _ = d.ReadInt64(bin.LE)
	readHash(d, &h.AccountsDeltaHash)
	h.SignatureCount, _ = d.ReadUint64(bin.LE)
	return h, nil
}

// HashInfo is a blockhash queue entry.
type HashInfo struct {
	// LamportsPerSignature is the fee rate in effect when the hash was
	// registered.
	LamportsPerSignature uint64
	// HashIndex is the number of the block whose hash this is.
	HashIndex uint64
	// Timestamp is the registration time in unix milliseconds.
	Timestamp int64
}

const hashInfoSize = 8 + 8 + 8

// Encode serializes the entry.
func (i HashInfo) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, hashInfoSize))
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint64(i.LamportsPerSignature, bin.LE)
	_ = enc.WriteUint64(i.HashIndex, bin.LE)
	_ = enc.WriteInt64(i.Timestamp, bin.LE)
	return buf.Bytes()
}

// DecodeHashInfo parses an entry written by Encode.
func DecodeHashInfo(data []byte) (HashInfo, error) {
	var i HashInfo
	if len(data) != hashInfoSize {
		return i, fmt.Errorf("%w: hash info length %d", ErrCorrupted, len(data))
	}
	d := bin.NewBinDecoder(data)
	i.LamportsPerSignature, _ = d.ReadUint64(bin.LE)
	i.HashIndex, _ = d.ReadUint64(bin.LE)
	i.Timestamp, _ = d.ReadInt64(bin.LE)
	return i, nil
}

// TxStatus records that a transaction was processed.
type TxStatus struct {
	Slot      uint64
	Signature types.Signature
	// Err is the failure message, empty when the transaction succeeded.
	Err string
}

// Encode serializes the status.
func (s TxStatus) Encode() []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint64(s.Slot, bin.LE)
	_ = enc.WriteBytes(s.Signature[:], false)
	_ = enc.WriteUint32(uint32(len(s.Err)), bin.LE)
	_ = enc.WriteBytes([]byte(s.Err), false)
	return buf.Bytes()
}

// DecodeTxStatus parses a status written by Encode.
func DecodeTxStatus(data []byte) (TxStatus, error) {
	var s TxStatus
	d := bin.NewBinDecoder(data)
	var err error
	if s.Slot, err = d.ReadUint64(bin.LE); err != nil {
		return s, fmt.Errorf("%w: status slot: %v", ErrCorrupted, err)
	}
	sig, err := d.ReadBytes(types.SignatureSize)
	if err != nil {
		return s, fmt.Errorf("%w: status signature: %v", ErrCorrupted, err)
	}
	copy(s.Signature[:], sig)
	n, err := d.ReadUint32(bin.LE)
	if err != nil || int(n) != d.Remaining() {
		return s, fmt.Errorf("%w: status error length", ErrCorrupted)
	}
	msg, err := d.ReadBytes(int(n))
	if err != nil {
		return s, fmt.Errorf("%w: status error: %v", ErrCorrupted, err)
	}
	s.Err = string(msg)
	return s, nil
}

func readHash(d *bin.Decoder, out *types.Hash) {
	raw, err := d.ReadBytes(types.HashSize)
	if err == nil {
		copy(out[:], raw)
	}
}

// EncodeNumberKey encodes a block number as a big-endian 8-byte key.
// Big-endian keeps keys in numeric order.
func EncodeNumberKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// DecodeNumberKey decodes a block number from a big-endian 8-byte key.
func DecodeNumberKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

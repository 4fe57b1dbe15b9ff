package ledger

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/holiman/uint256"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

// Snapshot file format version.
const snapshotVersion uint32 = 1

var snapshotMagic = []byte{'S', 'S', 'V', 'M'}

const (
	recordHasMeta byte = 1 << 0
	recordEnd     byte = 0xff
)

var (
	// ErrInvalidSnapshot is returned when a snapshot cannot be parsed.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrSnapshotMismatch is returned when the trailer does not match the
	// imported accounts.
	ErrSnapshotMismatch = errors.New("snapshot hash mismatch")

	// ErrLedgerNotEmpty is returned when importing into a ledger that
	// already holds accounts.
	ErrLedgerNotEmpty = errors.New("ledger not empty")
)

// SnapshotInfo summarizes a snapshot.
type SnapshotInfo struct {
	Accounts  uint64
	StateHash types.Hash
}

// ExportSnapshot writes every account of l to w.
//
// Format:
//   - Magic (4 bytes): "SSVM"
//   - Version (4 bytes, little-endian)
//   - zstd stream of records, each:
//     flags (1) + id (32) + [meta (41) when flags&1] + balance (32, BE) +
//     data length (4, LE) + data
//   - end marker 0xff, account count (8, LE) and state hash (32), still
//     inside the zstd stream
func ExportSnapshot(w io.Writer, l Ledger) (SnapshotInfo, error) {
	var info SnapshotInfo

	var header [8]byte
	copy(header[:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:], snapshotVersion)
	if _, err := w.Write(header[:]); err != nil {
		return info, fmt.Errorf("write header: %w", err)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return info, fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)

	var hashes []types.Hash
	err = l.ForEach(func(id AccountID, entry Entry) error {
		hashes = append(hashes, EntryHash(id, entry))
		info.Accounts++
		return writeRecord(bw, id, entry)
	})
	if err != nil {
		enc.Close()
		return info, fmt.Errorf("write accounts: %w", err)
	}

	info.StateHash = MerkleRoot(hashes)
	var trailer [1 + 8 + 32]byte
	trailer[0] = recordEnd
	binary.LittleEndian.PutUint64(trailer[1:9], info.Accounts)
	copy(trailer[9:], info.StateHash[:])
	if _, err := bw.Write(trailer[:]); err != nil {
		enc.Close()
		return info, err
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return info, err
	}
	if err := enc.Close(); err != nil {
		return info, fmt.Errorf("close zstd: %w", err)
	}
	return info, nil
}

func writeRecord(w io.Writer, id AccountID, entry Entry) error {
	var buf bytes.Buffer
	var flags byte
	if entry.Meta != nil {
		flags |= recordHasMeta
	}
	buf.WriteByte(flags)
	buf.Write(id[:])
	if entry.Meta != nil {
		buf.Write(entry.Meta.Encode())
	}
	var balance [32]byte
	if entry.Balance != nil {
		balance = entry.Balance.Bytes32()
	}
	buf.Write(balance[:])
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(entry.Data)))
	buf.Write(n[:])
	buf.Write(entry.Data)
	_, err := w.Write(buf.Bytes())
	return err
}

// ImportSnapshot loads a snapshot written by ExportSnapshot into l, which
// must be empty. Accounts are staged in memory and only stored once the
// trailer's count and state hash match them, so a rejected snapshot leaves l
// untouched.
func ImportSnapshot(r io.Reader, l Ledger) (SnapshotInfo, error) {
	var info SnapshotInfo

	empty := true
	errStop := errors.New("stop")
	if err := l.ForEach(func(AccountID, Entry) error {
		empty = false
		return errStop
	}); err != nil && !errors.Is(err, errStop) {
		return info, err
	}
	if !empty {
		return info, ErrLedgerNotEmpty
	}

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return info, fmt.Errorf("%w: header: %v", ErrInvalidSnapshot, err)
	}
	if !bytes.Equal(header[:4], snapshotMagic) {
		return info, fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != snapshotVersion {
		return info, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, v)
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return info, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	batch := NewBatch()
	var hashes []types.Hash
	for {
		flags, err := br.ReadByte()
		if err != nil {
			return info, fmt.Errorf("%w: record: %v", ErrInvalidSnapshot, err)
		}
		if flags == recordEnd {
			break
		}
		id, entry, err := readRecord(br, flags)
		if err != nil {
			return info, err
		}
		stageEntry(batch, id, entry)
		hashes = append(hashes, EntryHash(id, entry))
		info.Accounts++
	}

	var trailer [8 + 32]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return info, fmt.Errorf("%w: trailer: %v", ErrInvalidSnapshot, err)
	}
	info.StateHash = MerkleRoot(hashes)
	if binary.LittleEndian.Uint64(trailer[:8]) != info.Accounts || !bytes.Equal(trailer[8:], info.StateHash[:]) {
		return info, ErrSnapshotMismatch
	}
	if err := l.Apply(batch); err != nil {
		return info, fmt.Errorf("store accounts: %w", err)
	}
	return info, nil
}

func readRecord(r io.Reader, flags byte) (AccountID, Entry, error) {
	var id AccountID
	var entry Entry
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, entry, fmt.Errorf("%w: id: %v", ErrInvalidSnapshot, err)
	}
	if flags&recordHasMeta != 0 {
		buf := make([]byte, accounts.AccountMetaSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return id, entry, fmt.Errorf("%w: meta: %v", ErrInvalidSnapshot, err)
		}
		meta, err := accounts.DecodeAccountMeta(buf)
		if err != nil {
			return id, entry, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		entry.Meta = &meta
	}
	var balance [32]byte
	if _, err := io.ReadFull(r, balance[:]); err != nil {
		return id, entry, fmt.Errorf("%w: balance: %v", ErrInvalidSnapshot, err)
	}
	entry.Balance = new(uint256.Int).SetBytes(balance[:])

	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return id, entry, fmt.Errorf("%w: data length: %v", ErrInvalidSnapshot, err)
	}
	if size := binary.LittleEndian.Uint32(n[:]); size > 0 {
		entry.Data = make([]byte, size)
		if _, err := io.ReadFull(r, entry.Data); err != nil {
			return id, entry, fmt.Errorf("%w: data: %v", ErrInvalidSnapshot, err)
		}
	}
	return id, entry, nil
}

func stageEntry(b *Batch, id AccountID, entry Entry) {
	if entry.Meta != nil {
		b.SetAccountMeta(id, *entry.Meta)
	}
	if len(entry.Data) > 0 {
		b.SetAccountData(id, entry.Data)
	}
	if !entry.Balance.IsZero() {
		b.IncreaseBalance(id, entry.Balance)
	}
}

// ExportSnapshotFile writes a snapshot of l to path.
func ExportSnapshotFile(path string, l Ledger) (SnapshotInfo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot file: %w", err)
	}
	info, err := ExportSnapshot(f, l)
	if err != nil {
		f.Close()
		os.Remove(path)
		return info, err
	}
	return info, f.Close()
}

// ImportSnapshotFile loads the snapshot at path into l.
func ImportSnapshotFile(path string, l Ledger) (SnapshotInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return ImportSnapshot(f, l)
}

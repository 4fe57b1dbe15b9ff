package ledger

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

// AccountHash hashes one account as committed by a transaction:
//
//	blake3(native_balance(32, BE) || rent_epoch(8, LE) || data || executable(1) || owner || pubkey)
//
// Accounts with a zero balance and no data hash to the zero hash.
func AccountHash(pubkey types.Pubkey, account *accounts.AccountSharedData) types.Hash {
	if account.LamportsValue().IsZero() && account.DataLen() == 0 {
		return types.Hash{}
	}
	balance := account.LamportsValue().Native().Bytes32()
	return hashFields(balance[:], account.Meta(), account.Data(), pubkey[:])
}

// EntryHash hashes one stored ledger entry. The id takes the place of the
// address, which the ledger does not know.
func EntryHash(id AccountID, entry Entry) types.Hash {
	var meta accounts.AccountMeta
	if entry.Meta != nil {
		meta = *entry.Meta
	}
	var balance [32]byte
	if entry.Balance != nil {
		balance = entry.Balance.Bytes32()
	}
	return hashFields(balance[:], meta, entry.Data, id[:])
}

func hashFields(balance []byte, meta accounts.AccountMeta, data, address []byte) types.Hash {
	h := blake3.New()
	var buf [8]byte
	_, _ = h.Write(balance)
	binary.LittleEndian.PutUint64(buf[:], meta.RentEpoch)
	_, _ = h.Write(buf[:])
	_, _ = h.Write(data)
	if meta.Executable {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(meta.Owner[:])
	_, _ = h.Write(address)

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// StateHash is the merkle root over every entry of l in id order.
func StateHash(l Ledger) (types.Hash, error) {
	var hashes []types.Hash
	err := l.ForEach(func(id AccountID, entry Entry) error {
		hashes = append(hashes, EntryHash(id, entry))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return MerkleRoot(hashes), nil
}

// DeltaEntry is an account written during a block.
type DeltaEntry struct {
	Pubkey types.Pubkey
	Hash   types.Hash
}

// DeltaHash is the merkle root over the written accounts sorted by address.
// The slice is sorted in place.
func DeltaHash(entries []DeltaEntry) types.Hash {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Pubkey.Less(entries[j].Pubkey)
	})
	hashes := make([]types.Hash, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}
	return MerkleRoot(hashes)
}

// MerkleRoot computes a binary merkle root with blake3.
//
//	leaf: blake3(0x00 || hash)
//	node: blake3(0x01 || left || right)
//
// An odd node is paired with the zero hash. The root of nothing is the zero
// hash.
func MerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = leafHash(h)
	}
	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(level[i], right)
		}
		level = next
	}
	return level[0]
}

func leafHash(h types.Hash) types.Hash {
	var buf [1 + 32]byte
	copy(buf[1:], h[:])
	return blake3.Sum256(buf[:])
}

func nodeHash(left, right types.Hash) types.Hash {
	var buf [1 + 32 + 32]byte
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return blake3.Sum256(buf[:])
}

// Package rsync implements the block-signature and binary-patch format
// used by the Copies/Patches stores and the sync pipeline to transfer
// only the changed portions of a file (spec §6.4, §2 data model
// PatchEntry). The algorithm and on-disk archive layout are ported
// directly from the original implementation's Rsync class
// (service/monitor/rsync.py): non-overlapping fixed-size blocks hashed
// with MD5, patches shipped as a tar archive of an "info" JSON member
// and a "data" byte blob.
package rsync

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// BlockSize is the default signature block size, matching the original
// implementation's SIGNATURE_BLOCK_SIZE (1 MiB).
const BlockSize = 1 << 20

// EmptyFileHash is the content hash of a zero-byte file: the canonical
// MD5 of the empty string. No Copies Store row is ever created for it.
const EmptyFileHash = "d41d8cd98f00b204e9800998ecf8427e"

// BlockHash is the MD5 digest of one fixed-size, non-overlapping block
// of a file, at a given byte offset.
type BlockHash struct {
	Offset int64
	Hash   [md5.Size]byte
}

// HexHash returns the lowercase hex encoding of h.Hash, matching the
// string form used in patch archives and the event database.
func (h BlockHash) HexHash() string {
	return hex.EncodeToString(h.Hash[:])
}

// Signature computes the block signature of r, reading it until EOF in
// blockSize chunks.
func Signature(r io.Reader, blockSize int) ([]BlockHash, error) {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	var blocks []BlockHash
	buf := make([]byte, blockSize)
	var offset int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			blocks = append(blocks, BlockHash{
				Offset: offset,
				Hash:   md5.Sum(buf[:n]),
			})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// ContentHash folds a block signature down to a single content hash by
// hashing the concatenation of the blocks' hex-encoded digests, in
// offset order. This is the value stored as FileRecord.content_hash and
// CopyEntry.hash.
func ContentHash(blocks []BlockHash) string {
	h := md5.New()
	for _, b := range blocks {
		hexHash := b.HexHash()
		io.WriteString(h, hexHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether two block signatures describe identical
// content: same block count, offsets and hashes.
func Equal(a, b []BlockHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Offset != b[i].Offset || a[i].Hash != b[i].Hash {
			return false
		}
	}
	return true
}

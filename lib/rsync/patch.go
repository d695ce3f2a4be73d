package rsync

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/chmduquesne/rollinghash/adler32"

	"github.com/pvtsync/pvtsync/lib/perrors"
)

// blockOp describes how to reconstruct one block of the new file: either
// as literal bytes living in the patch's data section, or as a copy of
// a block already known to the reconstructor (a block of the source
// file, or an earlier block of the new file already resolved from
// data). The field names mirror the original implementation's "blocks"
// dict entries so the archive format (§6, patch archive) round-trips
// byte for byte with the original's JSON shape.
type blockOp struct {
	Offset    int64  `json:"offset"`
	Hash      string `json:"hash"`
	New       bool   `json:"new"`
	DataSize  int64  `json:"data_size,omitempty"`
	FromPatch bool   `json:"from_patch,omitempty"`
}

// Info is the JSON-encoded "info" archive member: everything needed to
// reconstruct the new file from "data" plus the pre-patch source file.
type Info struct {
	OldHash    string             `json:"old_hash"`
	NewHash    string             `json:"new_hash"`
	Blocks     map[string]blockOp `json:"blocks"`
	TimeModify int64              `json:"time_modify"`
	Size       int64              `json:"size"`
	BlockSize  int                `json:"blocksize"`
}

// weakIndex buckets known blocks by their Adler-32 rolling checksum, so
// candidate matches for a new block can be found without comparing it
// against every old/prior-new block; the weak hash only narrows
// candidates; the strong (MD5) hash in BlockHash is always the final
// authority before a block is treated as identical content.
type weakIndex map[uint32][]BlockHash

func weakSum(block []byte) uint32 {
	h := adler32.New()
	h.Write(block)
	return h.Sum32()
}

func (idx weakIndex) find(block []byte, hash [16]byte) (BlockHash, bool) {
	for _, cand := range idx[weakSum(block)] {
		if cand.Hash == hash {
			return cand, true
		}
	}
	return BlockHash{}, false
}

func (idx weakIndex) add(b BlockHash, content []byte) {
	w := weakSum(content)
	idx[w] = append(idx[w], b)
}

// CreatePatch synthesizes a binary patch transforming a file whose
// content hash is oldHash (with block signature oldBlocks and bytes
// oldData — both nil if no prior copy exists) into newData, returning
// the archive ready to be written to a Patches Store entry.
//
// It mirrors Rsync.create_patch: each new block is either found
// byte-identical somewhere in the old file or an earlier new block
// (and recorded as a copy), or shipped as literal bytes in the data
// section.
func CreatePatch(newData []byte, oldHash string, oldData []byte, oldBlocks []BlockHash, blockSize int) (archive []byte, info Info, err error) {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	newBlocks, err := Signature(bytes.NewReader(newData), blockSize)
	if err != nil {
		return nil, Info{}, err
	}

	oldIndex := make(weakIndex, len(oldBlocks))
	for _, b := range oldBlocks {
		oldIndex.add(b, blockContent(oldData, b.Offset, blockSize))
	}
	newIndex := make(weakIndex, len(newBlocks))

	blocks := make(map[string]blockOp, len(newBlocks))
	var data bytes.Buffer
	for _, nb := range newBlocks {
		content := blockContent(newData, nb.Offset, blockSize)
		key := strconv.FormatInt(nb.Offset, 10)

		if cand, ok := newIndex.find(content, nb.Hash); ok {
			blocks[key] = blockOp{Offset: cand.Offset, Hash: nb.HexHash(), New: false, FromPatch: true}
		} else if cand, ok := oldIndex.find(content, nb.Hash); ok {
			blocks[key] = blockOp{Offset: cand.Offset, Hash: nb.HexHash(), New: false, FromPatch: false}
		} else {
			dataOffset := int64(data.Len())
			data.Write(content)
			blocks[key] = blockOp{Offset: dataOffset, Hash: nb.HexHash(), New: true, DataSize: int64(len(content))}
			newIndex.add(nb, content)
		}
	}

	info = Info{
		OldHash:    oldHash,
		NewHash:    ContentHash(newBlocks),
		Blocks:     blocks,
		TimeModify: time.Now().Unix(),
		Size:       int64(len(newData)),
		BlockSize:  blockSize,
	}

	archive, err = writeArchive(info, data.Bytes())
	return archive, info, err
}

func blockContent(data []byte, offset int64, blockSize int) []byte {
	end := offset + int64(blockSize)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return data[offset:end]
}

func writeArchive(info Info, data []byte) ([]byte, error) {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "info", Mode: 0o644, Size: int64(len(infoJSON))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(infoJSON); err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(&tar.Header{Name: "data", Mode: 0o644, Size: int64(len(data))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readArchive(archive []byte) (Info, []byte, error) {
	tr := tar.NewReader(bytes.NewReader(archive))

	var infoBytes, data []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Info{}, nil, fmt.Errorf("invalid patch archive: %w", err)
		}
		buf, err := io.ReadAll(tr)
		if err != nil {
			return Info{}, nil, fmt.Errorf("invalid patch archive: %w", err)
		}
		switch hdr.Name {
		case "info":
			infoBytes = buf
		case "data":
			data = buf
		}
	}
	if infoBytes == nil || data == nil {
		return Info{}, nil, fmt.Errorf("invalid patch archive: missing info or data member")
	}

	var info Info
	if err := json.Unmarshal(infoBytes, &info); err != nil {
		return Info{}, nil, fmt.Errorf("invalid patch archive: %w", err)
	}
	return info, data, nil
}

// AcceptPatch reconstructs the new file from a patch archive, reading
// the current content of unpatchedPath as the patch's source file for
// blocks that are neither new nor copied from elsewhere in the patch.
// It mirrors Rsync.accept_patch / _accept_patch.
//
// knownOldHash is the content hash the caller believes unpatchedPath
// currently holds; it is checked against the patch's recorded old_hash
// before anything else happens. If the patch's new_hash already equals
// knownOldHash the patch has already been applied and
// perrors.ErrAlreadyPatched is returned with no other side effects.
func AcceptPatch(archive []byte, unpatchedPath string, knownOldHash string) (newData []byte, blocks []BlockHash, oldHash string, err error) {
	info, data, err := readArchive(archive)
	if err != nil {
		return nil, nil, "", err
	}

	if info.NewHash == knownOldHash {
		return nil, nil, "", perrors.ErrAlreadyPatched
	}
	if info.OldHash != knownOldHash {
		return nil, nil, "", fmt.Errorf("%w: patch expects old hash %s, have %s", perrors.ErrWrongHash, info.OldHash, knownOldHash)
	}

	var source []byte
	if f, serr := os.Open(unpatchedPath); serr == nil {
		source, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, nil, "", err
		}
	}

	offsets := make([]int64, 0, len(info.Blocks))
	for k := range info.Blocks {
		off, perr := strconv.ParseInt(k, 10, 64)
		if perr != nil {
			return nil, nil, "", fmt.Errorf("invalid patch archive: bad block offset %q", k)
		}
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]byte, info.Size)
	hashes := make([]BlockHash, 0, len(offsets))
	for _, offset := range offsets {
		op := info.Blocks[strconv.FormatInt(offset, 10)]
		var content []byte
		switch {
		case op.New:
			content = sliceOrEmpty(data, op.Offset, op.DataSize)
		case op.FromPatch:
			srcOp, ok := info.Blocks[strconv.FormatInt(op.Offset, 10)]
			if !ok {
				return nil, nil, "", fmt.Errorf("invalid patch archive: dangling from_patch reference at offset %d", op.Offset)
			}
			size := srcOp.DataSize
			if size == 0 {
				size = int64(info.BlockSize)
			}
			content = sliceOrEmpty(data, srcOp.Offset, size)
		default:
			if source == nil {
				return nil, nil, "", perrors.ErrFileNotFound
			}
			content = sliceOrEmpty(source, op.Offset, int64(info.BlockSize))
		}
		copy(out[offset:], content)

		hashBytes, herr := hex.DecodeString(op.Hash)
		if herr != nil || len(hashBytes) != 16 {
			return nil, nil, "", fmt.Errorf("invalid patch archive: bad block hash %q", op.Hash)
		}
		var hb [16]byte
		copy(hb[:], hashBytes)
		hashes = append(hashes, BlockHash{Offset: offset, Hash: hb})
	}

	reconstructed, verr := Signature(bytes.NewReader(out), info.BlockSize)
	if verr != nil {
		return nil, nil, "", verr
	}
	if !Equal(reconstructed, hashes) {
		return nil, nil, "", fmt.Errorf("%w: reconstructed signature does not match patch", perrors.ErrWrongHash)
	}

	return out, reconstructed, info.OldHash, nil
}

func sliceOrEmpty(b []byte, offset, size int64) []byte {
	if offset < 0 || offset > int64(len(b)) {
		return nil
	}
	end := offset + size
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return b[offset:end]
}

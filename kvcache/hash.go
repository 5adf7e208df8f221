// Chained block fingerprints. Three algorithms are supported: a fast
// 64-bit xxhash for single-tenant deployments, sha256, and sha256 over a
// deterministic CBOR encoding truncated to 64 bits for cross-process
// reproducibility. The fingerprint of a block is a function of the parent
// fingerprint, the block's tokens, and its extra keys, never of slot ids.

package kvcache

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// HashAlgo selects the fingerprint function for the hash chain.
type HashAlgo string

const (
	HashAlgoBuiltin64    HashAlgo = "builtin64"
	HashAlgoSHA256       HashAlgo = "sha256"
	HashAlgoSHA256CBOR64 HashAlgo = "sha256_cbor_64bit"
)

// hashChain computes per-block fingerprints. The sentinel parent for block 0
// is derived from the chosen algorithm so that switching algorithms cannot
// collide on the first block. The sentinel lives on the instance, not in a
// package global, to keep managers with different algorithms independent.
type hashChain struct {
	algo     HashAlgo
	noneHash string
	cborMode cbor.EncMode
}

func newHashChain(algo HashAlgo) (*hashChain, error) {
	c := &hashChain{algo: algo}
	tag := "kv-block-hash/none/" + string(algo)
	switch algo {
	case HashAlgoBuiltin64:
		c.noneHash = u64Bytes(xxhash.Sum64String(tag))
	case HashAlgoSHA256:
		sum := sha256.Sum256([]byte(tag))
		c.noneHash = string(sum[:])
	case HashAlgoSHA256CBOR64:
		mode, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("building deterministic CBOR mode: %w", err)
		}
		c.cborMode = mode
		enc, err := mode.Marshal(tag)
		if err != nil {
			return nil, fmt.Errorf("encoding hash sentinel: %w", err)
		}
		sum := sha256.Sum256(enc)
		c.noneHash = string(sum[:8])
	default:
		return nil, fmt.Errorf("unknown caching hash algorithm %q", algo)
	}
	return c, nil
}

// HashBlock fingerprints one full block given its parent fingerprint,
// tokens, and extra keys.
func (c *hashChain) HashBlock(parent string, tokens []int64, extras []string) BlockHash {
	h := BlockHash{
		TokenIDs:  append([]int64(nil), tokens...),
		ExtraKeys: append([]string(nil), extras...),
	}
	switch c.algo {
	case HashAlgoBuiltin64:
		d := xxhash.New()
		writePreimage(d, parent, tokens, extras)
		h.Value = u64Bytes(d.Sum64())
	case HashAlgoSHA256:
		d := sha256.New()
		writePreimage(d, parent, tokens, extras)
		h.Value = string(d.Sum(nil))
	case HashAlgoSHA256CBOR64:
		// Deterministic CBOR of the (parent, tokens, extras) triple makes
		// the fingerprint stable across processes and architectures.
		enc, err := c.cborMode.Marshal(cborBlockPreimage{
			Parent: []byte(parent),
			Tokens: tokens,
			Extras: extras,
		})
		if err != nil {
			// Marshalling plain slices cannot fail; treat it as programmer error.
			panic(fmt.Sprintf("CBOR-encoding block preimage: %v", err))
		}
		sum := sha256.Sum256(enc)
		h.Value = string(sum[:8])
	}
	return h
}

// hashRequestBlock fingerprints block index idx of req, deriving the extra
// keys from the request's salt and multimodal placeholders.
func (c *hashChain) hashRequestBlock(req *Request, blockSize, idx int, parent string) BlockHash {
	start := int64(idx) * int64(blockSize)
	end := start + int64(blockSize)
	return c.HashBlock(parent, req.TokenIDs[start:end], blockExtraKeys(req, start, end))
}

// extendRequestHashes grows a request's memoized fingerprint list to cover
// every full block implied by its current token count. Re-derivation is
// O(new blocks) because previously computed entries are reused.
func (c *hashChain) extendRequestHashes(req *Request, blockSize int, hashes *[]BlockHash) {
	numFullBlocks := int(req.NumTokens() / int64(blockSize))
	parent := c.noneHash
	if n := len(*hashes); n > 0 {
		parent = (*hashes)[n-1].Value
	}
	for idx := len(*hashes); idx < numFullBlocks; idx++ {
		h := c.hashRequestBlock(req, blockSize, idx, parent)
		*hashes = append(*hashes, h)
		parent = h.Value
	}
}

type cborBlockPreimage struct {
	Parent []byte   `cbor:"1,keyasint"`
	Tokens []int64  `cbor:"2,keyasint"`
	Extras []string `cbor:"3,keyasint"`
}

// blockExtraKeys collects the extra keys for the block covering token
// positions [start, end): the request's cache salt for the first block, and
// the content hash of every multimodal placeholder whose span intersects
// the block, in order of appearance. A placeholder spanning several blocks
// contributes to each of them.
func blockExtraKeys(req *Request, start, end int64) []string {
	var extras []string
	if start == 0 && req.CacheSalt != "" {
		extras = append(extras, req.CacheSalt)
	}
	for _, p := range req.MMPlaceholders {
		if p.Offset >= end {
			break
		}
		if p.Offset+p.Length > start {
			extras = append(extras, p.Hash)
		}
	}
	return extras
}

type preimageWriter interface {
	Write(p []byte) (int, error)
}

// writePreimage frames parent, tokens, and extras unambiguously: every
// variable-length field is length-prefixed.
func writePreimage(w preimageWriter, parent string, tokens []int64, extras []string) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(parent)))
	w.Write(buf[:])
	w.Write([]byte(parent))
	binary.LittleEndian.PutUint64(buf[:], uint64(len(tokens)))
	w.Write(buf[:])
	for _, t := range tokens {
		binary.LittleEndian.PutUint64(buf[:], uint64(t))
		w.Write(buf[:])
	}
	for _, e := range extras {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(e)))
		w.Write(buf[:])
		w.Write([]byte(e))
	}
}

func u64Bytes(v uint64) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return string(buf[:])
}

package dropbox

import (
	"crypto/sha256"
	"hash"
)

// BlockSize is the chunk size of the Dropbox content hash
const BlockSize = 4 * 1024 * 1024

// contentHash implements the Dropbox content_hash: the SHA-256 of the
// concatenated SHA-256 digests of each 4 MiB block.
type contentHash struct {
	digests  []byte
	block    hash.Hash
	blockLen int
}

// NewContentHash returns a hash.Hash computing Dropbox content hashes
func NewContentHash() hash.Hash {
	return &contentHash{block: sha256.New()}
}

func (h *contentHash) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		if h.blockLen == BlockSize {
			h.digests = h.block.Sum(h.digests)
			h.block.Reset()
			h.blockLen = 0
		}
		chunk := BlockSize - h.blockLen
		if chunk > len(p) {
			chunk = len(p)
		}
		h.block.Write(p[:chunk])
		h.blockLen += chunk
		p = p[chunk:]
	}
	return n, nil
}

func (h *contentHash) Sum(b []byte) []byte {
	overall := sha256.New()
	overall.Write(h.digests)
	if h.blockLen > 0 {
		overall.Write(h.block.Sum(nil))
	}
	return overall.Sum(b)
}

func (h *contentHash) Reset() {
	h.digests = h.digests[:0]
	h.block.Reset()
	h.blockLen = 0
}

func (h *contentHash) Size() int { return sha256.Size }

func (h *contentHash) BlockSize() int { return sha256.BlockSize }

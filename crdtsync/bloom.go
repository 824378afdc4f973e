package crdtsync

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"opdoc/common"
)

// falsePositiveRate bounds the Bloom filter's probability of reporting
// a hash as present when it isn't. A false positive only costs a
// missed change in one sync round (the next round's heads exchange
// catches it), so this favors a compact filter over a larger one. It is
// a wire-format constant: peers that size their filters differently
// still converge, just less efficiently.
const falsePositiveRate = 0.01

// fixedHash adapts a pre-computed 64-bit digest to the hash.Hash64
// interface the Bloom filter library's Add/Contains expect.
type fixedHash uint64

func (h fixedHash) Write(p []byte) (int, error) { return len(p), nil }
func (h fixedHash) Sum(b []byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(h))
	return append(b, buf[:]...)
}
func (h fixedHash) Reset()         {}
func (h fixedHash) Size() int      { return 8 }
func (h fixedHash) BlockSize() int { return 8 }
func (h fixedHash) Sum64() uint64  { return uint64(h) }

func hashOf(h common.ChangeHash) fixedHash {
	return fixedHash(xxhash.Sum64(h[:]))
}

// buildFilter serializes a Bloom filter over the given change hashes,
// sized for them at the package's fixed false-positive rate. The count
// is clamped to at least 1 so an empty hash set still produces a valid
// (match-nothing) filter.
func buildFilter(hashes []common.ChangeHash) ([]byte, error) {
	n := len(hashes)
	if n < 1 {
		n = 1
	}
	filter, err := bloomfilter.NewOptimal(uint64(n), falsePositiveRate)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		filter.Add(hashOf(h))
	}
	return filter.MarshalBinary()
}

// decodeFilter reconstructs a Bloom filter from its serialized form.
func decodeFilter(data []byte) (*bloomfilter.Filter, error) {
	filter := new(bloomfilter.Filter)
	if err := filter.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return filter, nil
}

// Package fec wraps Reed-Solomon erasure coding for the video and audio
// streamers: both split a frame into equal-sized data shards and generate
// parity shards such that any data_shards of the resulting data+parity
// shards reconstruct the original frame.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ShardCount returns how many parity shards to generate for a frame split
// into dataShards pieces, given the configured FEC percentage and the
// stream's minimum guaranteed parity count.
func ShardCount(dataShards, fecPercentage, minimumFECShards int) int {
	computed := (dataShards*fecPercentage + 99) / 100
	if computed < minimumFECShards {
		return minimumFECShards
	}
	return computed
}

// Encoder produces and can later reconstruct Reed-Solomon parity shards for
// equal-sized data shards.
type Encoder struct {
	rs         reedsolomon.Encoder
	dataShards int
	fecShards  int
}

// NewEncoder builds an Encoder for the given data/parity shard counts.
func NewEncoder(dataShards, fecShards int) (*Encoder, error) {
	if dataShards <= 0 {
		return nil, fmt.Errorf("fec: dataShards must be positive, got %d", dataShards)
	}
	if fecShards < 0 {
		return nil, fmt.Errorf("fec: fecShards must not be negative, got %d", fecShards)
	}
	rs, err := reedsolomon.New(dataShards, fecShards)
	if err != nil {
		return nil, fmt.Errorf("fec: construct encoder: %w", err)
	}
	return &Encoder{rs: rs, dataShards: dataShards, fecShards: fecShards}, nil
}

// Encode takes dataShards already-populated, equal-length byte slices and
// fecShards empty slices of the same length appended after them, and fills
// the parity slices in place.
func (e *Encoder) Encode(shards [][]byte) error {
	if len(shards) != e.dataShards+e.fecShards {
		return fmt.Errorf("fec: expected %d shards, got %d", e.dataShards+e.fecShards, len(shards))
	}
	if err := e.rs.Encode(shards); err != nil {
		return fmt.Errorf("fec: encode: %w", err)
	}
	return nil
}

// Reconstruct fills in any nil shards in place, given at least dataShards
// non-nil shards of equal, correct length. Returns an error if reconstruction
// isn't possible (too many shards missing).
func (e *Encoder) Reconstruct(shards [][]byte) error {
	if len(shards) != e.dataShards+e.fecShards {
		return fmt.Errorf("fec: expected %d shards, got %d", e.dataShards+e.fecShards, len(shards))
	}
	if err := e.rs.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}

// SplitPad splits data into dataShards equal-length slices, zero-padding the
// final shard if the data doesn't divide evenly, and allocates fecShards
// empty trailing slices of the same length ready for Encode.
func SplitPad(data []byte, dataShards, fecShards int) ([][]byte, error) {
	if dataShards <= 0 {
		return nil, fmt.Errorf("fec: dataShards must be positive, got %d", dataShards)
	}
	shardSize := (len(data) + dataShards - 1) / dataShards
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, dataShards+fecShards)
	for i := 0; i < dataShards+fecShards; i++ {
		shards[i] = make([]byte, shardSize)
	}
	for i := 0; i < dataShards; i++ {
		start := i * shardSize
		if start >= len(data) {
			break
		}
		end := start + shardSize
		if end > len(data) {
			end = len(data)
		}
		copy(shards[i], data[start:end])
	}
	return shards, nil
}

// Join concatenates the first dataShards shards back into a single buffer of
// outSize bytes, trimming the zero padding SplitPad added.
func Join(shards [][]byte, dataShards, outSize int) ([]byte, error) {
	out := make([]byte, 0, outSize)
	for i := 0; i < dataShards && len(out) < outSize; i++ {
		if shards[i] == nil {
			return nil, fmt.Errorf("fec: shard %d missing, reconstruct before joining", i)
		}
		remaining := outSize - len(out)
		if remaining < len(shards[i]) {
			out = append(out, shards[i][:remaining]...)
		} else {
			out = append(out, shards[i]...)
		}
	}
	return out, nil
}

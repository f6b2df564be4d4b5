package crdt

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/automerge/automerge-go"
)

// every automerge chunk, document or change, starts with these bytes
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument   = 0
	chunkChange     = 1
	chunkCompressed = 2
	// magic, checksum, type
	chunkPrefixSize = 9
)

// change is one encoded change chunk, with the identity fields read from its header.
type change struct {
	hash automerge.ChangeHash
	deps []automerge.ChangeHash
	raw  []byte
}

// splitFragment cuts a fragment into its change chunks. Unlike loading the bytes into a
// document this works whether or not the dependencies of each change are present.
func splitFragment(fragment Fragment) ([]change, error) {
	out := make([]change, 0)
	rest := []byte(fragment)
	for len(rest) > 0 {
		c, n, err := readChunk(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		rest = rest[n:]
	}
	return out, nil
}

func readChunk(b []byte) (change, int, error) {
	if len(b) < chunkPrefixSize || !bytes.HasPrefix(b, chunkMagic) {
		return change{}, 0, ErrInvalidFragment
	}
	checksum := b[4:8]
	kind := b[8]
	length, n := binary.Uvarint(b[chunkPrefixSize:])
	if n <= 0 {
		return change{}, 0, fmt.Errorf("%w: bad chunk length", ErrInvalidFragment)
	}
	start := chunkPrefixSize + n
	if length > uint64(len(b)-start) {
		return change{}, 0, fmt.Errorf("%w: truncated chunk", ErrInvalidFragment)
	}
	end := start + int(length)
	data := b[start:end]

	var hashed []byte
	switch kind {
	case chunkChange:
		hashed = b[8:end]
	case chunkCompressed:
		inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(data)))
		if err != nil {
			return change{}, 0, fmt.Errorf("%w: %v", ErrInvalidFragment, err)
		}
		data = inflated
		hashed = binary.AppendUvarint([]byte{chunkChange}, uint64(len(data)))
		hashed = append(hashed, data...)
	case chunkDocument:
		return change{}, 0, fmt.Errorf("%w: document chunk where a change was expected", ErrInvalidFragment)
	default:
		return change{}, 0, fmt.Errorf("%w: unknown chunk type %d", ErrInvalidFragment, kind)
	}

	c := change{hash: sha256.Sum256(hashed), raw: b[:end]}
	if !bytes.Equal(c.hash[:4], checksum) {
		return change{}, 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidFragment)
	}
	deps, err := readDeps(data)
	if err != nil {
		return change{}, 0, err
	}
	c.deps = deps
	return c, end, nil
}

// readDeps reads the dependency list that opens every change body.
func readDeps(data []byte) ([]automerge.ChangeHash, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count > uint64(len(data)-n)/uint64(hashSize) {
		return nil, fmt.Errorf("%w: bad dependency list", ErrInvalidFragment)
	}
	out := make([]automerge.ChangeHash, count)
	for i := range out {
		copy(out[i][:], data[n+i*hashSize:])
	}
	return out, nil
}

// causalOrder drops duplicate changes and orders the rest so every change follows those of its
// dependencies that are present. Dependencies outside the set do not hold a change back. Ties
// are broken by hash, so the result does not depend on the input order.
func causalOrder(changes []change) []change {
	byHash := make(map[automerge.ChangeHash]change, len(changes))
	for _, c := range changes {
		byHash[c.hash] = c
	}
	waitingOn := make(map[automerge.ChangeHash]int, len(byHash))
	dependents := make(map[automerge.ChangeHash][]automerge.ChangeHash)
	ready := make([]automerge.ChangeHash, 0)
	for h, c := range byHash {
		for _, dep := range c.deps {
			if _, ok := byHash[dep]; ok {
				waitingOn[h]++
				dependents[dep] = append(dependents[dep], h)
			}
		}
		if waitingOn[h] == 0 {
			ready = append(ready, h)
		}
	}

	out := make([]change, 0, len(byHash))
	for len(ready) > 0 {
		sortHashes(ready)
		h := ready[0]
		ready = ready[1:]
		out = append(out, byHash[h])
		for _, d := range dependents[h] {
			if waitingOn[d]--; waitingOn[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return out
}

func joinChanges(changes []change) Fragment {
	out := make(Fragment, 0)
	for _, c := range changes {
		out = append(out, c.raw...)
	}
	return out
}

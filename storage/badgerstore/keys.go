package badgerstore

import (
	"encoding/binary"
	"fmt"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

// Key prefixes for the commit log layout.
const (
	headKey      = "head"
	commitPrefix = "cmt:"
	objectPrefix = "obj:"
)

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// makeCommitKey generates a key for a commit record by sequence number.
// BigEndian keeps lexicographic order equal to numeric order.
func makeCommitKey(seq uint64) []byte {
	buf := make([]byte, len(commitPrefix)+8)
	off := copy(buf, commitPrefix)
	binary.BigEndian.PutUint64(buf[off:], seq)
	return buf
}

// makeObjectKey generates a composite key for one object version.
// Format: prefix:id:seq
func makeObjectKey(id core.ID, seq uint64) []byte {
	buf := make([]byte, len(objectPrefix)+16)
	off := copy(buf, objectPrefix)
	binary.BigEndian.PutUint64(buf[off:], uint64(id))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], seq)
	return buf
}

// makeObjectPrefix generates the partial key covering every version of
// an object.
func makeObjectPrefix(id core.ID) []byte {
	buf := make([]byte, len(objectPrefix)+8)
	off := copy(buf, objectPrefix)
	binary.BigEndian.PutUint64(buf[off:], uint64(id))
	return buf
}

func seqFromObjectKey(key []byte) (uint64, error) {
	if len(key) != len(objectPrefix)+16 {
		return 0, fmt.Errorf("%w: object key has %d bytes", storage.ErrCorruptRecord, len(key))
	}
	return binary.BigEndian.Uint64(key[len(objectPrefix)+8:]), nil
}

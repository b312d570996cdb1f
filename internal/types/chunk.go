// Package types provides shared types used across the shredhound codebase.
package types

import (
	"strings"

	"github.com/ivoronin/shredhound/internal/hasher"
)

// Linenum is an in-memory line number. Line numbers start at 1; the wire
// width (16 or 32 bits) is a property of the catalogue codec, not of this
// type.
type Linenum = uint32

// Chunk flag bits. CCode and ShellCode are mutually exclusive; a chunk with
// neither bit set is uncategorized and exempt from significance filtering.
const (
	FlagInsignificant byte = 1 << 0
	FlagCCode         byte = 1 << 1
	FlagShellCode     byte = 1 << 2

	FlagCategorized = FlagCCode | FlagShellCode
)

// Chunk describes one sliding-window position in a file: the inclusive line
// range it covers and the content hash of its features after normalization.
type Chunk struct {
	Start Linenum
	End   Linenum
	Hash  hasher.Digest
	Flags byte
}

// FileHeader holds per-file metadata. Length is the physical line count,
// filled in once scanning of the file completes. Headers outlive all chunks
// that reference them.
type FileHeader struct {
	Path   string
	Length Linenum
	Tree   string
}

// SortedChunk is a chunk plus the index of its file header in the store.
// The global match array is of this type.
type SortedChunk struct {
	Chunk
	File int32
}

// FileStore owns file headers by stable index. Chunks carry the index, not
// a pointer, so the consolidated arrays stay free of per-element pointers.
type FileStore struct {
	headers []*FileHeader
	index   map[string]int32
}

// NewFileStore creates an empty file-header store.
func NewFileStore() *FileStore {
	return &FileStore{index: make(map[string]int32)}
}

// Intern registers a path under a tree root and returns its stable index.
// Registering an already-known path returns the existing index.
func (s *FileStore) Intern(path, tree string) int32 {
	if i, ok := s.index[path]; ok {
		return i
	}
	i := int32(len(s.headers))
	s.headers = append(s.headers, &FileHeader{Path: path, Tree: tree})
	s.index[path] = i
	return i
}

// Header returns the header at index i.
func (s *FileStore) Header(i int32) *FileHeader { return s.headers[i] }

// Headers returns all registered headers in registration order.
func (s *FileStore) Headers() []*FileHeader { return s.headers }

// Len returns the number of registered headers.
func (s *FileStore) Len() int { return len(s.headers) }

// TreeOf returns the top-level directory component of a path. Two files are
// considered same-tree when their TreeOf values are equal.
func TreeOf(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is
// reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }

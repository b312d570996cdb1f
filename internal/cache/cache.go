// Package cache provides file-based caching of per-file shred lists.
package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/shredhound/internal/hasher"
	"github.com/ivoronin/shredhound/internal/types"
)

const bucketName = "shreds"

// Cache provides persistent caching of shred lists using BoltDB.
// Implements self-cleaning: each run creates a new database, only used
// entries survive, so files removed from the corpus age out on their own.
type Cache struct {
	readDB  *bolt.DB // Existing cache (read-only)
	writeDB *bolt.DB // New cache (write) - BoltDB locks this file
	path    string   // Final path (for atomic swap)
	enabled bool
}

// Key identifies one file's shred list. Any change to the file or to the
// shredding parameters is a cache miss.
type Key struct {
	Path    string
	Size    int64
	ModTime time.Time
	Params  string // Normalization, shred size, hash method, line limit
}

// Entry is a cached shred list plus the file's physical line count.
type Entry struct {
	Lines  types.Linenum
	Chunks []types.Chunk
}

// Open opens an existing cache for reading and creates a new cache for
// writing. BoltDB's built-in file locking on the .new file prevents
// concurrent instances. Returns a disabled cache if path is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}
	var err error

	if _, statErr := os.Stat(path); statErr == nil {
		c.readDB, err = bolt.Open(path, 0o600, &bolt.Options{
			ReadOnly: true,
			Timeout:  1 * time.Second,
		})
		if err != nil {
			// Can't open existing - continue without read cache
			c.readDB = nil
		}
	}

	newPath := path + ".new"
	c.writeDB, err = bolt.Open(newPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces old with new.
// Only replaces if the write database closed successfully.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else {
			if err := os.Rename(c.path+".new", c.path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

const keyVersion byte = 1 // Increment when key or value format changes

// makeKey builds a deterministic byte key for BoltDB lookup.
// Key = ver(1) + path + NUL + params + NUL + size(8) + mtime(8)
func makeKey(k Key) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	buf.WriteString(k.Path)
	buf.WriteByte(0)
	buf.WriteString(k.Params)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, k.Size)
	_ = binary.Write(buf, binary.BigEndian, k.ModTime.UnixNano())
	return buf.Bytes()
}

// encodeEntry serializes an entry: lines(4) + count(4), then per chunk
// start(4) + end(4) + flags(1) + hashlen(1) + hash bytes. Big-endian, like
// every other binary artifact of this tool.
func encodeEntry(e *Entry) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, e.Lines)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(e.Chunks)))
	for _, ch := range e.Chunks {
		_ = binary.Write(buf, binary.BigEndian, ch.Start)
		_ = binary.Write(buf, binary.BigEndian, ch.End)
		buf.WriteByte(ch.Flags)
		buf.WriteByte(byte(len(ch.Hash)))
		buf.Write(ch.Hash)
	}
	return buf.Bytes()
}

func decodeEntry(data []byte) (*Entry, error) {
	r := bytes.NewReader(data)
	var e Entry
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &e.Lines); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	e.Chunks = make([]types.Chunk, count)
	for i := range e.Chunks {
		ch := &e.Chunks[i]
		if err := binary.Read(r, binary.BigEndian, &ch.Start); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &ch.End); err != nil {
			return nil, err
		}
		flags, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		ch.Flags = flags
		hashLen, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		ch.Hash = make(hasher.Digest, hashLen)
		if _, err := io.ReadFull(r, ch.Hash); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// Lookup retrieves a cached shred list. On HIT the entry is copied to the
// new database (self-cleaning). Returns (nil, nil) if not found.
func (c *Cache) Lookup(k Key) (*Entry, error) {
	if !c.enabled || c.readDB == nil {
		return nil, nil
	}

	key := makeKey(k)
	var data []byte

	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	entry, err := decodeEntry(data)
	if err != nil {
		// Corrupt entry; treat as a miss rather than failing the run
		return nil, nil
	}

	// Self-cleaning: copy valid entry to the new database
	_ = c.Store(k, entry)

	return entry, nil
}

// Store saves a shred list to the new database.
func (c *Cache) Store(k Key, e *Entry) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}

	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(k), encodeEntry(e))
	})
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

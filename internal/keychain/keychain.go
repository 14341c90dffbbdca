// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keychain implements C12: the mapping from (block id, container
// local id) to the symmetric key and nonce used to AEAD-encrypt that
// container, persisted as a side file separate from the archive proper.
//
// The on-disk representation reuses the teacher repository's technique of
// an ordered kv.DB (modernc.org/kv) keyed by a fixed-width, big-endian
// marshalled struct — the same approach internal/store used for BLAST
// record keys, here repurposed to a (block, container) key.
package keychain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"modernc.org/kv"

	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// Magic identifies a tachyon keychain side file.
var Magic = [8]byte{'T', 'Y', 'K', 'E', 'Y', 'C', 'H', 'N'}

// Version is the keychain file format version triple.
var Version = [3]byte{1, 0, 0}

// Entry holds the key material for one container's encryption.
type Entry struct {
	Key []byte
	IV  []byte
}

// entryKey is the (block id, local container id) compound key, marshalled
// big-endian so that kv's default byte-lexicographic order groups entries
// by block.
type entryKey struct {
	BlockID int64
	LocalID int32
}

var order = binary.BigEndian

func marshalKey(k entryKey) []byte {
	var buf bytes.Buffer
	var b [8]byte
	order.PutUint64(b[:], uint64(k.BlockID))
	buf.Write(b[:])
	order.PutUint32(b[:4], uint32(k.LocalID))
	buf.Write(b[:4])
	return buf.Bytes()
}

func unmarshalKey(data []byte) entryKey {
	return entryKey{
		BlockID: int64(order.Uint64(data[:8])),
		LocalID: int32(order.Uint32(data[8:12])),
	}
}

func marshalEntry(e Entry) []byte {
	var buf bytes.Buffer
	var b [4]byte
	order.PutUint32(b[:], uint32(len(e.Key)))
	buf.Write(b[:])
	buf.Write(e.Key)
	order.PutUint32(b[:], uint32(len(e.IV)))
	buf.Write(b[:])
	buf.Write(e.IV)
	return buf.Bytes()
}

func unmarshalEntry(data []byte) Entry {
	n := order.Uint32(data[:4])
	data = data[4:]
	key := append([]byte(nil), data[:n]...)
	data = data[n:]
	n = order.Uint32(data[:4])
	data = data[4:]
	iv := append([]byte(nil), data[:n]...)
	return Entry{Key: key, IV: iv}
}

// Keychain is the append-only, mutex-protected map of (block, container)
// to key material built up while an archive is written.
type Keychain struct {
	mu      sync.Mutex
	entries map[entryKey]Entry
}

// New returns an empty Keychain.
func New() *Keychain {
	return &Keychain{entries: make(map[entryKey]Entry)}
}

// Put records the key material for a container. Safe for concurrent use
// by multiple block-builder goroutines.
func (k *Keychain) Put(blockID int64, localID int32, e Entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[entryKey{blockID, localID}] = e
}

// Get retrieves the key material for a container.
func (k *Keychain) Get(blockID int64, localID int32) (Entry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[entryKey{blockID, localID}]
	return e, ok
}

// Save persists the keychain to path as a kv.DB side file.
func (k *Keychain) Save(path string) (err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	_ = os.Remove(path)
	db, err := kv.Create(path, &kv.Options{})
	if err != nil {
		return tachyonerr.New(tachyonerr.IO, "keychain: create %s: %v", path, err)
	}
	defer func() {
		cErr := db.Close()
		if err == nil {
			err = cErr
		}
	}()

	err = db.Set(headerKey(), headerValue())
	if err != nil {
		return tachyonerr.New(tachyonerr.IO, "keychain: write header: %v", err)
	}
	for ek, e := range k.entries {
		err = db.Set(marshalKey(ek), marshalEntry(e))
		if err != nil {
			return tachyonerr.New(tachyonerr.IO, "keychain: write entry: %v", err)
		}
	}
	return nil
}

// Load reads a keychain side file written by Save.
func Load(path string) (*Keychain, error) {
	db, err := kv.Open(path, &kv.Options{})
	if err != nil {
		return nil, tachyonerr.New(tachyonerr.IO, "keychain: open %s: %v", path, err)
	}
	defer db.Close()

	hv, err := db.Get(nil, headerKey())
	if err != nil {
		return nil, tachyonerr.New(tachyonerr.IO, "keychain: read header: %v", err)
	}
	if !bytes.Equal(hv, headerValue()) {
		return nil, tachyonerr.New(tachyonerr.Unsupported, "keychain: bad or missing magic/version")
	}

	kc := New()
	it, err := db.SeekFirst()
	if err != nil {
		if err == io.EOF {
			return kc, nil
		}
		return nil, tachyonerr.New(tachyonerr.IO, "keychain: seek: %v", err)
	}
	for {
		key, val, err := it.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, tachyonerr.New(tachyonerr.IO, "keychain: iterate: %v", err)
		}
		if bytes.Equal(key, headerKey()) {
			continue
		}
		ek := unmarshalKey(key)
		kc.entries[ek] = unmarshalEntry(val)
	}
	return kc, nil
}

// headerKey is a sentinel kv key: at 23 bytes it is longer than every
// real entryKey (always 12 bytes), so the two can never collide.
func headerKey() []byte { return []byte("tachyon-keychain-header") }

func headerValue() []byte {
	buf := make([]byte, 0, 11)
	buf = append(buf, Magic[:]...)
	buf = append(buf, Version[:]...)
	return buf
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{Key: %d bytes, IV: %d bytes}", len(e.Key), len(e.IV))
}

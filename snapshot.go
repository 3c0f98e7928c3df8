package evcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/evcache/blobstore"
	"github.com/hupe1980/evcache/codec"
	"github.com/hupe1980/evcache/resource"
)

// Snapshot compression schemes.
const (
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// snapshotMagic identifies the snapshot container format.
var snapshotMagic = [4]byte{'E', 'V', 'C', 'S'}

const snapshotVersion = 1

// maxSnapshotBodyBytes bounds the allocation driven by a snapshot's declared
// body length, so a corrupt header cannot trigger an arbitrarily large make.
const maxSnapshotBodyBytes = 1 << 30

// snapshotFile is the codec-encoded snapshot body.
type snapshotFile struct {
	Entries []*Entry `json:"entries"`
}

// Snapshot serializes all live entries to w. Entries already expired at the
// time of the call are not written. The container records the codec and
// compression scheme so Restore is self-describing.
func (m *Manager) Snapshot(ctx context.Context, w io.Writer) error {
	start := time.Now()
	entries, err := m.snapshot(ctx, w)
	m.metrics.RecordSnapshot(entries, time.Since(start), err)
	m.logger.LogSnapshot(ctx, entries, time.Since(start), err)
	return err
}

func (m *Manager) snapshot(ctx context.Context, w io.Writer) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	now := m.nowFn()

	m.mu.RLock()
	file := snapshotFile{Entries: make([]*Entry, 0, len(m.entries))}
	for _, e := range m.entries {
		if e.ExpiredAt(now) {
			continue
		}
		file.Entries = append(file.Entries, e.clone())
	}
	m.mu.RUnlock()

	body, err := m.opts.codec.Marshal(file)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	if err := writeSnapshotHeader(w, m.opts.codec.Name(), m.opts.snapshotCompression); err != nil {
		return 0, err
	}
	if err := writeCompressed(w, body, m.opts.snapshotCompression); err != nil {
		return 0, err
	}

	return len(file.Entries), nil
}

// Restore replaces the cache contents with the entries from a snapshot.
// Entries already expired at load time are dropped; entries with embeddings
// rejoin the index. On error the previous contents stay intact.
func (m *Manager) Restore(ctx context.Context, r io.Reader) error {
	restored, skipped, err := m.restore(ctx, r)
	m.logger.LogRestore(ctx, restored, skipped, err)
	return err
}

func (m *Manager) restore(ctx context.Context, r io.Reader) (restored, skipped int, err error) {
	if m.closed.Load() {
		return 0, 0, ErrClosed
	}

	codecName, compression, err := readSnapshotHeader(r)
	if err != nil {
		return 0, 0, err
	}

	c, ok := codec.ByName(codecName)
	if !ok {
		return 0, 0, fmt.Errorf("unknown snapshot codec %q", codecName)
	}

	body, err := readCompressed(r, compression)
	if err != nil {
		return 0, 0, err
	}

	var file snapshotFile
	if err := c.Unmarshal(body, &file); err != nil {
		return 0, 0, fmt.Errorf("decode snapshot: %w", err)
	}

	now := m.nowFn()

	entries := make(map[string]*Entry, len(file.Entries))
	ids := make([]string, 0, len(file.Entries))
	vectors := make([][]float32, 0, len(file.Entries))
	var total int64
	for _, e := range file.Entries {
		if e.ExpiredAt(now) {
			skipped++
			continue
		}
		if e.Embedding != nil && len(e.Embedding) != m.dimension {
			return 0, skipped, &ErrDimensionMismatch{Expected: m.dimension, Actual: len(e.Embedding)}
		}

		entries[e.ID] = e
		total += e.sizeEstimate()
		if e.Embedding != nil {
			ids = append(ids, e.ID)
			vectors = append(vectors, e.Embedding)
		}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// Reserve the restored set up front: a snapshot that does not fit the
	// memory budget fails here with the prior contents intact. The prior
	// reservation is released only after the swap.
	if !m.controller.TryAcquireMemory(total) {
		m.metrics.RecordPressureReject()
		return 0, skipped, ErrResourceExhausted
	}

	if err := m.idx.Reset(ctx, vectors); err != nil {
		m.controller.ReleaseMemory(total)
		return 0, skipped, translateError(err)
	}

	newIDToSlot := make(map[string]uint32, len(ids))
	newSlotToID := make(map[uint32]string, len(ids))
	newLive := roaring.New()
	for i, id := range ids {
		slot := uint32(i)
		newIDToSlot[id] = slot
		newSlotToID[slot] = id
		newLive.Add(slot)
	}

	m.mu.Lock()
	var freed int64
	for _, e := range m.entries {
		freed += e.sizeEstimate()
	}
	m.entries = entries
	m.idToSlot = newIDToSlot
	m.slotToID = newSlotToID
	m.live = newLive
	m.mu.Unlock()

	m.controller.ReleaseMemory(freed)
	m.metrics.SetEntryCount(len(entries))
	m.metrics.SetMemoryBytes(m.controller.MemoryUsage())

	return len(entries), skipped, nil
}

// SaveSnapshot writes a snapshot blob to the given store. The write is
// throttled by the manager's IO limit when one is configured.
func (m *Manager) SaveSnapshot(ctx context.Context, store blobstore.BlobStore, name string) error {
	blob, err := store.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("create snapshot blob: %w", err)
	}

	// A failed write must not publish a truncated snapshot over a good one.
	if err := m.Snapshot(ctx, resource.NewRateLimitedWriter(ctx, blob, m.controller)); err != nil {
		blob.Abort()
		return err
	}
	if err := blob.Sync(); err != nil {
		blob.Abort()
		return fmt.Errorf("sync snapshot blob: %w", err)
	}
	return blob.Close()
}

// LoadSnapshot restores the cache from a snapshot blob in the given store.
func (m *Manager) LoadSnapshot(ctx context.Context, store blobstore.BlobStore, name string) error {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("open snapshot blob: %w", err)
	}
	defer blob.Close()

	return m.Restore(ctx, resource.NewRateLimitedReader(ctx, blob, m.controller))
}

func writeSnapshotHeader(w io.Writer, codecName, compression string) error {
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := w.Write([]byte{snapshotVersion}); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := writeLenString(w, codecName); err != nil {
		return err
	}
	return writeLenString(w, compression)
}

func readSnapshotHeader(r io.Reader) (codecName, compression string, err error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return "", "", fmt.Errorf("read snapshot header: %w", err)
	}
	if magic != snapshotMagic {
		return "", "", fmt.Errorf("not a snapshot: bad magic %q", magic[:])
	}

	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return "", "", fmt.Errorf("read snapshot header: %w", err)
	}
	if version[0] != snapshotVersion {
		return "", "", fmt.Errorf("unsupported snapshot version %d", version[0])
	}

	if codecName, err = readLenString(r); err != nil {
		return "", "", err
	}
	if compression, err = readLenString(r); err != nil {
		return "", "", err
	}
	return codecName, compression, nil
}

func writeLenString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("snapshot header field too long: %d bytes", len(s))
	}
	if _, err := w.Write([]byte{byte(len(s))}); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	return nil
}

func readLenString(r io.Reader) (string, error) {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", fmt.Errorf("read snapshot header: %w", err)
	}
	buf := make([]byte, n[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read snapshot header: %w", err)
	}
	return string(buf), nil
}

func writeCompressed(w io.Writer, body []byte, compression string) error {
	switch compression {
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		if _, err := zw.Write(body); err != nil {
			zw.Close()
			return fmt.Errorf("compress snapshot: %w", err)
		}
		return zw.Close()
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		if _, err := lw.Write(body); err != nil {
			lw.Close()
			return fmt.Errorf("compress snapshot: %w", err)
		}
		return lw.Close()
	case CompressionNone:
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], uint64(len(body)))
		if _, err := w.Write(size[:]); err != nil {
			return fmt.Errorf("write snapshot body: %w", err)
		}
		_, err := w.Write(body)
		return err
	default:
		return fmt.Errorf("unknown snapshot compression %q", compression)
	}
}

func readCompressed(r io.Reader, compression string) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(r))
	case CompressionNone:
		var size [8]byte
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return nil, fmt.Errorf("read snapshot body: %w", err)
		}
		n := binary.LittleEndian.Uint64(size[:])
		if n > maxSnapshotBodyBytes {
			return nil, fmt.Errorf("snapshot body too large: %d bytes", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("read snapshot body: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unknown snapshot compression %q", compression)
	}
}

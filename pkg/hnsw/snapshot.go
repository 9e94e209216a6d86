package hnsw

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/mnemos/mnemos/pkg/dberr"
	"github.com/mnemos/mnemos/pkg/storage"
)

var magic = [4]byte{'M', 'N', 'H', 'S'}

const snapshotVersion uint32 = 1

var ErrCorruptSnapshot = dberr.New(component, dberr.CorruptSnapshot, "hnsw snapshot failed integrity check")

// Snapshot serializes the live graph into a single opaque blob: a header
// (magic, version, dimension, M, node count, entry point id), one record per
// node (id, layer, and a length-prefixed neighbor id list per layer), and a
// trailing CRC-32 of everything preceding it.
func (h *Index) Snapshot() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var body bytes.Buffer
	writeUint32(&body, uint32(h.dimensions))
	writeUint32(&body, uint32(h.config.M))
	writeUint32(&body, uint32(len(h.nodes)))
	writeString(&body, string(h.entryPoint))

	for _, n := range h.nodes {
		n.mu.RLock()
		writeString(&body, string(n.id))
		writeUint32(&body, uint32(n.level))
		if n.tombstone {
			body.WriteByte(1)
		} else {
			body.WriteByte(0)
		}
		writeUint32(&body, uint32(len(n.neighbors)))
		for _, layer := range n.neighbors {
			writeUint32(&body, uint32(len(layer)))
			for _, nb := range layer {
				writeString(&body, string(nb))
			}
		}
		n.mu.RUnlock()
	}

	var out bytes.Buffer
	out.Write(magic[:])
	writeUint32(&out, snapshotVersion)
	out.Write(body.Bytes())

	sum := crc32.ChecksumIEEE(out.Bytes())
	writeUint32(&out, sum)
	return out.Bytes(), nil
}

// LoadSnapshot replaces the index's contents with the graph encoded in data,
// verifying the trailing CRC-32 before touching any state. A corrupt blob
// leaves the index untouched and returns ErrCorruptSnapshot, signalling the
// caller to rebuild from the entity store instead.
func (h *Index) LoadSnapshot(data []byte) error {
	if len(data) < len(magic)+4+4 {
		return ErrCorruptSnapshot
	}
	body, sum := data[:len(data)-4], data[len(data)-4:]
	want := binary.LittleEndian.Uint32(sum)
	if crc32.ChecksumIEEE(body) != want {
		return ErrCorruptSnapshot
	}
	if !bytes.Equal(body[:4], magic[:]) {
		return ErrCorruptSnapshot
	}
	r := bytes.NewReader(body[4:])

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return ErrCorruptSnapshot
	}
	if version != snapshotVersion {
		return ErrCorruptSnapshot
	}

	dims, err := readUint32(r)
	if err != nil {
		return ErrCorruptSnapshot
	}
	m, err := readUint32(r)
	if err != nil {
		return ErrCorruptSnapshot
	}
	nodeCount, err := readUint32(r)
	if err != nil {
		return ErrCorruptSnapshot
	}
	entryPoint, err := readString(r)
	if err != nil {
		return ErrCorruptSnapshot
	}

	nodes := make(map[storage.EntityID]*node, nodeCount)
	maxLevel := 0
	for i := uint32(0); i < nodeCount; i++ {
		id, err := readString(r)
		if err != nil {
			return ErrCorruptSnapshot
		}
		level, err := readUint32(r)
		if err != nil {
			return ErrCorruptSnapshot
		}
		tombByte := make([]byte, 1)
		if _, err := r.Read(tombByte); err != nil {
			return ErrCorruptSnapshot
		}
		layerCount, err := readUint32(r)
		if err != nil {
			return ErrCorruptSnapshot
		}
		neighbors := make([][]storage.EntityID, layerCount)
		for l := uint32(0); l < layerCount; l++ {
			count, err := readUint32(r)
			if err != nil {
				return ErrCorruptSnapshot
			}
			layer := make([]storage.EntityID, count)
			for j := uint32(0); j < count; j++ {
				nbID, err := readString(r)
				if err != nil {
					return ErrCorruptSnapshot
				}
				layer[j] = storage.EntityID(nbID)
			}
			neighbors[l] = layer
		}

		n := &node{
			id:        storage.EntityID(id),
			level:     int(level),
			neighbors: neighbors,
			tombstone: tombByte[0] == 1,
		}
		nodes[n.id] = n
		if n.level > maxLevel {
			maxLevel = n.level
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.dimensions = int(dims)
	h.config.M = int(m)
	h.nodes = nodes
	h.entryPoint = storage.EntityID(entryPoint)
	h.maxLevel = maxLevel
	live := 0
	for _, n := range nodes {
		if !n.tombstone {
			live++
		}
	}
	h.liveCount = live
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

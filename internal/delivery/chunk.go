package delivery

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zlib"

	"github.com/mschirtzinger/filewatchd/internal/model"
)

// ChunkStatus is the delivery state of a single chunk.
type ChunkStatus int

const (
	ChunkAvailable ChunkStatus = iota
	ChunkInFlight
	ChunkAcked
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkAvailable:
		return "AVAILABLE"
	case ChunkInFlight:
		return "IN_FLIGHT"
	case ChunkAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// Chunk is one POST worth of encoded change entries.
type Chunk struct {
	// Index is zero-based; the wire uses Index+1.
	Index   int
	Total   int
	Payload string
	Status  ChunkStatus
}

// ChunkGroup holds the chunks of one flushed batch.
type ChunkGroup struct {
	ProjectID string
	Timestamp int64
	Chunks    []*Chunk

	seq uint64
}

// Complete reports whether every chunk has been acknowledged.
func (g *ChunkGroup) Complete() bool {
	for _, c := range g.Chunks {
		if c.Status != ChunkAcked {
			return false
		}
	}
	return true
}

// next returns the first available chunk, or nil.
func (g *ChunkGroup) next() *Chunk {
	for _, c := range g.Chunks {
		if c.Status == ChunkAvailable {
			return c
		}
	}
	return nil
}

// before orders groups by timestamp, then by arrival.
func (g *ChunkGroup) before(other *ChunkGroup) bool {
	if g.Timestamp != other.Timestamp {
		return g.Timestamp < other.Timestamp
	}
	return g.seq < other.seq
}

// EncodeChunks splits events into payloads of at most size entries. events
// are expected most recent first and are consumed from the tail, so the
// first chunk carries the oldest changes.
func EncodeChunks(events []model.ChangeEvent, size int) ([]string, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var payloads []string
	batch := make([]model.ChangeEvent, 0, min(size, len(events)))
	for i := len(events) - 1; i >= 0; i-- {
		batch = append(batch, events[i])
		if len(batch) == size || i == 0 {
			p, err := encodeChunk(batch)
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, p)
			batch = batch[:0]
		}
	}
	return payloads, nil
}

// encodeChunk renders entries as base64(zlib(json)).
func encodeChunk(entries []model.ChangeEvent) (string, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chunk: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("failed to compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress chunk: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeChunk reverses encodeChunk.
func DecodeChunk(payload string) ([]model.ChangeEvent, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk: %w", err)
	}
	defer zr.Close()

	var entries []model.ChangeEvent
	if err := json.NewDecoder(zr).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk: %w", err)
	}
	return entries, nil
}

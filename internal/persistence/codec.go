package persistence

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/aristath/spider/internal/taskgraph"
)

// Graphs are stored as positional msgpack compressed with zstd. EncodeAll and
// DecodeAll are safe for concurrent use.
var (
	graphEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	graphDecoder, _ = zstd.NewReader(nil)
)

func encodeGraph(g *taskgraph.TaskGraph) (blob []byte, fingerprint string, err error) {
	raw, err := g.ToMsgpack(false)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode graph: %w", err)
	}
	fp, err := g.Fingerprint()
	if err != nil {
		return nil, "", fmt.Errorf("failed to fingerprint graph: %w", err)
	}
	return graphEncoder.EncodeAll(raw, nil), fmt.Sprintf("%016x", fp), nil
}

func decodeGraph(blob []byte) (*taskgraph.TaskGraph, error) {
	raw, err := graphDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress graph: %w", err)
	}
	return taskgraph.FromMsgpack(raw)
}

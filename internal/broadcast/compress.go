package broadcast

import (
	"bytes"
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/flate"

	"github.com/quantpulse/streamcore/internal/schema"
)

// encodeFrame serializes a published message into its wire frame exactly once
// per publish. Compression is applied only when the raw frame exceeds the
// threshold and deflate actually shrinks it by at least 10%; small or
// incompressible payloads go out raw rather than burning CPU for nothing.
func encodeFrame(msg *schema.StreamMessage, threshold int) ([]byte, bool, error) {
	raw, err := json.Marshal(schema.StreamDataFrame{
		Type:      schema.FrameStreamData,
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		Timestamp: schema.UnixSeconds(msg.ProducedAt),
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode stream frame: %w", err)
	}
	if threshold <= 0 || len(raw) <= threshold {
		return raw, false, nil
	}

	deflated, err := deflate(msg.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("deflate payload: %w", err)
	}
	compressed, err := json.Marshal(schema.CompressedDataFrame{
		Type:    schema.FrameCompressedData,
		Topic:   msg.Topic,
		Payload: base64.StdEncoding.EncodeToString(deflated),
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode compressed frame: %w", err)
	}
	if len(compressed)*10 > len(raw)*9 {
		return raw, false, nil
	}
	return compressed, true, nil
}

func deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Write(payload); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

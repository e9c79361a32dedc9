package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// Snapshots above this size travel gzipped and base64-wrapped inside the
// initial_state frame.
const CompressThreshold = 10 << 10

const previewRunes = 1000

// InitialStateFrame wraps a serialized sequence for transfer, compressing
// it past the threshold. text rides along for cheap first paint; when the
// payload is compressed only a preview is included.
func InitialStateFrame(docID, site string, snapshot []byte, text string, checksum uint64, roster []Presence) (Frame, error) {
	f := Frame{
		Type:       FrameInitialState,
		DocumentID: docID,
		Site:       site,
		Checksum:   checksum,
		Roster:     roster,
	}
	if len(snapshot) <= CompressThreshold {
		f.State = snapshot
		f.Text = text
		return f, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(snapshot); err != nil {
		return Frame{}, fmt.Errorf("protocol: compress state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Frame{}, fmt.Errorf("protocol: compress state: %w", err)
	}
	f.Compressed = true
	f.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
	if r := []rune(text); len(r) > previewRunes {
		f.Text = string(r[:previewRunes])
	} else {
		f.Text = text
	}
	return f, nil
}

// StateSnapshot returns the serialized sequence carried by an initial_state
// frame, undoing the compression wrapping if present.
func (f *Frame) StateSnapshot() ([]byte, error) {
	if f.Type != FrameInitialState {
		return nil, fmt.Errorf("%w: %s frame has no state", ErrMalformedFrame, f.Type)
	}
	if !f.Compressed {
		return f.State, nil
	}
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad state encoding: %v", ErrMalformedFrame, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: bad state compression: %v", ErrMalformedFrame, err)
	}
	defer zr.Close()
	snapshot, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad state compression: %v", ErrMalformedFrame, err)
	}
	return snapshot, nil
}

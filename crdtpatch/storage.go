package crdtpatch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"opdoc/common"
)

// compressionThreshold is the minimum column size, in bytes, before
// Save bothers DEFLATE-compressing it. Below this a column is stored
// raw: flate's framing overhead would erase any savings on a handful
// of changes, which is the common case for an incrementally-synced
// document.
const compressionThreshold = 256

// column wire format: 1 byte flag (0 = raw, 1 = deflate), uint32
// length-prefixed payload.
const (
	columnRaw     byte = 0
	columnDeflate byte = 1
)

// Container framing: every Save payload starts with a fixed header
// (magic, format version, chunk type, then the uint32 body length)
// so Load can reject foreign or truncated bytes before touching the
// columns.
var saveMagic = [4]byte{'O', 'P', 'D', 'C'}

const (
	formatVersion byte = 1

	chunkTypeDocument byte = 1
)

// metaRecord is every Change field except Ops, stored in its own
// column so that bulk loads that only need causal metadata (e.g. to
// compute heads) don't have to inflate the (usually much larger) ops
// column.
type metaRecord struct {
	Actor   [16]byte `json:"actor"`
	Seq     uint64   `json:"seq"`
	StartOp uint64   `json:"startOp"`
	Time    int64    `json:"time"`
	Message string   `json:"message,omitempty"`
	Deps    []string `json:"deps,omitempty"`
}

// Save serializes every change in the log into a compact binary
// container with two independently compressed columns: change metadata
// (actor/seq/time/message/deps) and operation bodies. This is the
// bulk persisted format a crdtstorage snapshot writes to its adapter.
func (l *OpLog) Save() ([]byte, error) {
	changes := l.GetChanges()

	metas := make([]metaRecord, 0, len(changes))
	opsByChange := make([][]byte, 0, len(changes))
	for _, c := range changes {
		deps := make([]string, len(c.Deps))
		for i, d := range c.Deps {
			deps[i] = d.String()
		}
		metas = append(metas, metaRecord{
			Actor:   [16]byte(c.Actor),
			Seq:     c.Seq,
			StartOp: c.StartOp,
			Time:    c.Time,
			Message: c.Message,
			Deps:    deps,
		})
		opsJSON, err := json.Marshal(c.Ops)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling ops column")
		}
		opsByChange = append(opsByChange, opsJSON)
	}

	metaCol, err := json.Marshal(metas)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling meta column")
	}
	opsCol, err := json.Marshal(opsByChange)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling ops column")
	}

	var body bytes.Buffer
	if err := writeColumn(&body, metaCol); err != nil {
		return nil, err
	}
	if err := writeColumn(&body, opsCol); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(saveMagic[:])
	out.WriteByte(formatVersion)
	out.WriteByte(chunkTypeDocument)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Load replaces this log's contents by replaying a container written
// by Save. The log must be empty; callers that want to merge into an
// existing log should Load into a fresh OpLog and Merge it in.
func (l *OpLog) Load(data []byte) error {
	body, err := readHeader(data)
	if err != nil {
		return err
	}
	r := bytes.NewReader(body)
	metaCol, err := readColumn(r)
	if err != nil {
		return errors.Wrap(err, "reading meta column")
	}
	opsCol, err := readColumn(r)
	if err != nil {
		return errors.Wrap(err, "reading ops column")
	}

	var metas []metaRecord
	if err := json.Unmarshal(metaCol, &metas); err != nil {
		return errors.Wrap(err, "decoding meta column")
	}
	var opsByChange [][]byte
	if err := json.Unmarshal(opsCol, &opsByChange); err != nil {
		return errors.Wrap(err, "decoding ops column")
	}
	if len(metas) != len(opsByChange) {
		return errors.New("meta/ops column length mismatch")
	}

	for i, m := range metas {
		c, err := m.toChange(opsByChange[i])
		if err != nil {
			return err
		}
		if err := l.ApplyChange(c); err != nil {
			return err
		}
	}
	return nil
}

func (m metaRecord) toChange(opsJSON []byte) (*Change, error) {
	deps, err := decodeHashes(m.Deps)
	if err != nil {
		return nil, err
	}
	c := &Change{
		Actor:   actorFromBytes(m.Actor),
		Seq:     m.Seq,
		StartOp: m.StartOp,
		Time:    m.Time,
		Message: m.Message,
		Deps:    deps,
	}
	if err := json.Unmarshal(opsJSON, &c.Ops); err != nil {
		return nil, errors.Wrap(err, "decoding change ops")
	}
	return c, nil
}

func actorFromBytes(b [16]byte) common.ActorID {
	return common.ActorID(b)
}

func decodeHashes(hexes []string) ([]common.ChangeHash, error) {
	if len(hexes) == 0 {
		return nil, nil
	}
	out := make([]common.ChangeHash, len(hexes))
	for i, h := range hexes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != 32 {
			return nil, errors.Errorf("invalid change hash %q", h)
		}
		copy(out[i][:], raw)
	}
	return out, nil
}

// readHeader validates the container framing and returns the body.
func readHeader(data []byte) ([]byte, error) {
	const headerLen = 4 + 1 + 1 + 4
	if len(data) < headerLen {
		return nil, common.ErrDecodeError{Message: "document container truncated"}
	}
	if !bytes.Equal(data[:4], saveMagic[:]) {
		return nil, common.ErrDecodeError{Message: "bad document container magic"}
	}
	if data[4] != formatVersion {
		return nil, common.ErrDecodeError{Message: "unsupported document format version"}
	}
	if data[5] != chunkTypeDocument {
		return nil, common.ErrDecodeError{Message: "unexpected chunk type"}
	}
	bodyLen := binary.BigEndian.Uint32(data[6:10])
	body := data[headerLen:]
	if uint32(len(body)) != bodyLen {
		return nil, common.ErrDecodeError{Message: "document container length mismatch"}
	}
	return body, nil
}

func writeColumn(w io.Writer, raw []byte) error {
	if len(raw) < compressionThreshold {
		if _, err := w.Write([]byte{columnRaw}); err != nil {
			return err
		}
		return writeLengthPrefixed(w, raw)
	}

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.BestSpeed)
	if err != nil {
		return errors.Wrap(err, "creating deflate writer")
	}
	if _, err := fw.Write(raw); err != nil {
		return errors.Wrap(err, "compressing column")
	}
	if err := fw.Close(); err != nil {
		return errors.Wrap(err, "closing deflate writer")
	}
	if _, err := w.Write([]byte{columnDeflate}); err != nil {
		return err
	}
	return writeLengthPrefixed(w, compressed.Bytes())
}

func readColumn(r io.Reader) ([]byte, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}
	payload, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	switch flag[0] {
	case columnRaw:
		return payload, nil
	case columnDeflate:
		fr := flate.NewReader(bytes.NewReader(payload))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return nil, errors.Errorf("unknown column encoding flag %d", flag[0])
	}
}

func writeLengthPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

package crdtsync

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"opdoc/common"
	"opdoc/crdtpatch"
)

// Sync message wire format (§6): magic, version, then the message
// sections in a fixed order: heads, need, have entries, changes. Hash
// lists are counted runs of raw 32-byte values; Bloom filters and
// change bodies are length-prefixed blobs.
var syncMagic = [4]byte{'O', 'P', 'S', 'Y'}

const syncFormatVersion byte = 1

// EncodeSyncMessage renders msg in the binary wire format.
func EncodeSyncMessage(msg *SyncMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(syncMagic[:])
	buf.WriteByte(syncFormatVersion)

	writeHashes(&buf, msg.Heads)
	writeHashes(&buf, msg.Need)

	writeUint32(&buf, uint32(len(msg.Have)))
	for _, have := range msg.Have {
		writeHashes(&buf, have.LastSync)
		writeBlob(&buf, have.Bloom)
	}

	writeUint32(&buf, uint32(len(msg.Changes)))
	for _, c := range msg.Changes {
		body, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		writeBlob(&buf, body)
	}
	return buf.Bytes(), nil
}

// DecodeSyncMessage parses the binary wire format back into a
// SyncMessage, failing with common.ErrDecodeError on anything
// malformed.
func DecodeSyncMessage(data []byte) (*SyncMessage, error) {
	if len(data) < 5 {
		return nil, common.ErrDecodeError{Message: "sync message truncated"}
	}
	if !bytes.Equal(data[:4], syncMagic[:]) {
		return nil, common.ErrDecodeError{Message: "bad sync message magic"}
	}
	if data[4] != syncFormatVersion {
		return nil, common.ErrDecodeError{Message: "unsupported sync message version"}
	}
	r := bytes.NewReader(data[5:])

	msg := &SyncMessage{}
	var err error
	if msg.Heads, err = readHashes(r); err != nil {
		return nil, err
	}
	if msg.Need, err = readHashes(r); err != nil {
		return nil, err
	}

	nHave, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nHave; i++ {
		var have HaveEntry
		if have.LastSync, err = readHashes(r); err != nil {
			return nil, err
		}
		if have.Bloom, err = readBlob(r); err != nil {
			return nil, err
		}
		msg.Have = append(msg.Have, have)
	}

	nChanges, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nChanges; i++ {
		body, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		var c crdtpatch.Change
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, common.ErrDecodeError{Message: "malformed change in sync message"}
		}
		msg.Changes = append(msg.Changes, &c)
	}
	if r.Len() != 0 {
		return nil, common.ErrDecodeError{Message: "trailing bytes after sync message"}
	}
	return msg, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, common.ErrDecodeError{Message: "sync message truncated"}
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeHashes(buf *bytes.Buffer, hashes []common.ChangeHash) {
	writeUint32(buf, uint32(len(hashes)))
	for _, h := range hashes {
		buf.Write(h[:])
	}
}

func readHashes(r *bytes.Reader) ([]common.ChangeHash, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]common.ChangeHash, 0, n)
	for i := uint32(0); i < n; i++ {
		var h common.ChangeHash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return nil, common.ErrDecodeError{Message: "sync message truncated"}
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if uint32(r.Len()) < n {
		return nil, common.ErrDecodeError{Message: "sync message truncated"}
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, common.ErrDecodeError{Message: "sync message truncated"}
	}
	return out, nil
}

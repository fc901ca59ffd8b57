package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the raw slice size per chunk before base64.
	DefaultChunkSize = 16 * 1024

	// DefaultMaxTransferBytes caps one in-flight reassembly buffer.
	DefaultMaxTransferBytes = 64 << 20
)

var (
	ErrTransferTooLarge = errors.New("transfer exceeds size limit")
	ErrChunkMismatch    = errors.New("chunk does not match buffered data")
	ErrIncomplete       = errors.New("transfer incomplete")
)

// AttachmentRequest asks the owner of an attachment to stream it back.
type AttachmentRequest struct {
	NoteID       string `msgpack:"noteId" json:"noteId"`
	AttachmentID string `msgpack:"attachmentId" json:"attachmentId"`
}

// AttachmentErrorReply tells the requester the transfer will not happen.
type AttachmentErrorReply struct {
	NoteID       string `msgpack:"noteId" json:"noteId"`
	AttachmentID string `msgpack:"attachmentId" json:"attachmentId"`
	Error        string `msgpack:"error" json:"error"`
}

// AttachmentChunk is one slice of an attachment. Index starts at 0 and
// increases strictly; Data is base64 of a fixed-size slice; the last chunk
// carries Finished=true. Concatenating Data in index order reconstructs the
// full payload.
type AttachmentChunk struct {
	Index        int    `msgpack:"i" json:"i"`
	NoteID       string `msgpack:"noteId" json:"noteId"`
	AttachmentID string `msgpack:"attachmentId" json:"attachmentId"`
	Data         string `msgpack:"chunk" json:"chunk"`
	Finished     bool   `msgpack:"finished" json:"finished"`
}

// SplitChunks slices content into base64 chunks of size raw bytes each.
// Empty content still yields one finished chunk so the receiver completes.
func SplitChunks(noteID, attachmentID string, content []byte, size int) []AttachmentChunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	n := (len(content) + size - 1) / size
	if n == 0 {
		n = 1
	}
	chunks := make([]AttachmentChunk, 0, n)
	for i := 0; i < n; i++ {
		lo := i * size
		hi := lo + size
		if hi > len(content) {
			hi = len(content)
		}
		chunks = append(chunks, AttachmentChunk{
			Index:        i,
			NoteID:       noteID,
			AttachmentID: attachmentID,
			Data:         base64.StdEncoding.EncodeToString(content[lo:hi]),
			Finished:     i == n-1,
		})
	}
	return chunks
}

// Assembler reassembles one attachment from chunks. Storage is
// order-independent and idempotent per index; Bytes concatenates in index
// order. Total buffered size is capped.
type Assembler struct {
	parts    map[int][]byte
	total    int64
	maxBytes int64
	final    int // index of the Finished chunk, -1 until seen
}

func NewAssembler(maxBytes int64) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTransferBytes
	}
	return &Assembler{
		parts:    make(map[int][]byte),
		maxBytes: maxBytes,
		final:    -1,
	}
}

// Add buffers one chunk. A repeated index must carry identical data.
func (a *Assembler) Add(c AttachmentChunk) error {
	if c.Index < 0 {
		return fmt.Errorf("chunk index %d: %w", c.Index, ErrChunkMismatch)
	}
	raw, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return fmt.Errorf("decode chunk %d: %w", c.Index, err)
	}
	if prev, ok := a.parts[c.Index]; ok {
		if string(prev) != string(raw) {
			return fmt.Errorf("chunk %d re-sent with different data: %w", c.Index, ErrChunkMismatch)
		}
		return nil
	}
	if a.total+int64(len(raw)) > a.maxBytes {
		return fmt.Errorf("chunk %d: %w", c.Index, ErrTransferTooLarge)
	}
	a.parts[c.Index] = raw
	a.total += int64(len(raw))
	if c.Finished {
		a.final = c.Index
	}
	return nil
}

// Complete reports whether the finished chunk and everything before it have
// arrived.
func (a *Assembler) Complete() bool {
	if a.final < 0 {
		return false
	}
	for i := 0; i <= a.final; i++ {
		if _, ok := a.parts[i]; !ok {
			return false
		}
	}
	return true
}

// Bytes concatenates buffered chunks in index order.
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.Complete() {
		return nil, ErrIncomplete
	}
	out := make([]byte, 0, a.total)
	for i := 0; i <= a.final; i++ {
		out = append(out, a.parts[i]...)
	}
	return out, nil
}

// Received returns the number of buffered bytes so far.
func (a *Assembler) Received() int64 { return a.total }

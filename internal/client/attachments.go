package client

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

type AttachmentStatus int

const (
	// AttachmentLocal: owned here, fully in memory.
	AttachmentLocal AttachmentStatus = iota
	// AttachmentPlaceholder: known to exist on a remote peer, not fetched.
	AttachmentPlaceholder
	AttachmentDownloading
	AttachmentDownloaded
	AttachmentFailed
)

func (s AttachmentStatus) String() string {
	switch s {
	case AttachmentLocal:
		return "local"
	case AttachmentPlaceholder:
		return "placeholder"
	case AttachmentDownloading:
		return "downloading"
	case AttachmentDownloaded:
		return "downloaded"
	case AttachmentFailed:
		return "failed"
	}
	return "unknown"
}

// AttachmentMeta is what peers learn about an attachment before fetching it.
type AttachmentMeta struct {
	Name string `msgpack:"name" json:"name"`
	MIME string `msgpack:"mime" json:"mime"`
	Size int64  `msgpack:"size" json:"size"`
}

// Attachment is one binary blob attached to a note on the shared surface.
type Attachment struct {
	ID      string
	NoteID  string
	Meta    AttachmentMeta
	Status  AttachmentStatus
	Content []byte

	assembler *protocol.Assembler
}

// MessageSender is the slice of the orchestrator the store needs.
type MessageSender interface {
	SendTo(id domain.ConnectionID, event string, payload any) error
}

// AttachmentStore tracks local and remote attachments and speaks the
// chunked-transfer sub-protocol: it serves download requests for local
// content and reassembles inbound chunk streams.
type AttachmentStore struct {
	mu       sync.Mutex
	byID     map[string]*Attachment
	sender   MessageSender
	chunkSz  int
	maxBytes int64

	// OnStatus, when set, observes every status change. Called without the
	// store lock held.
	OnStatus func(att Attachment)
}

func NewAttachmentStore(sender MessageSender, chunkSize int, maxBytes int64) *AttachmentStore {
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	if maxBytes <= 0 {
		maxBytes = protocol.DefaultMaxTransferBytes
	}
	return &AttachmentStore{
		byID:     make(map[string]*Attachment),
		sender:   sender,
		chunkSz:  chunkSize,
		maxBytes: maxBytes,
	}
}

// Bind subscribes the store's handlers on the bus and returns a function
// detaching all of them.
func (s *AttachmentStore) Bind(bus *Bus) func() {
	offReq := bus.Subscribe(protocol.EventDownloadAttachment, s.onDownloadRequest)
	offChunk := bus.Subscribe(protocol.EventAttachmentChunk, s.onChunk)
	offErr := bus.Subscribe(protocol.EventAttachmentError, s.onError)
	return func() {
		offReq()
		offChunk()
		offErr()
	}
}

// AddLocal registers content owned by this client.
func (s *AttachmentStore) AddLocal(noteID, id string, meta AttachmentMeta, content []byte) {
	s.put(&Attachment{
		ID:      id,
		NoteID:  noteID,
		Meta:    meta,
		Status:  AttachmentLocal,
		Content: content,
	})
}

// AddPlaceholder registers an attachment a remote peer announced.
func (s *AttachmentStore) AddPlaceholder(noteID, id string, meta AttachmentMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; ok {
		// Already known, local or fetched; never downgrade.
		return
	}
	att := &Attachment{
		ID:     id,
		NoteID: noteID,
		Meta:   meta,
		Status: AttachmentPlaceholder,
	}
	s.byID[id] = att
	s.changedLocked(att)
}

// Request asks owner to stream the attachment back.
func (s *AttachmentStore) Request(owner domain.ConnectionID, id string) error {
	s.mu.Lock()
	att, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("attachment %s: %w", id, domain.ErrNotFound)
	}
	noteID := att.NoteID
	s.mu.Unlock()

	return s.sender.SendTo(owner, protocol.EventDownloadAttachment, protocol.AttachmentRequest{
		NoteID:       noteID,
		AttachmentID: id,
	})
}

// Get returns a copy of the attachment record.
func (s *AttachmentStore) Get(id string) (Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.byID[id]
	if !ok {
		return Attachment{}, false
	}
	return *att, true
}

func (s *AttachmentStore) onDownloadRequest(from domain.ConnectionID, payload msgpack.RawMessage) {
	var req protocol.AttachmentRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		log.Warn().Err(err).Str("module", "client.attachments").Msg("bad download request")
		return
	}

	s.mu.Lock()
	att, ok := s.byID[req.AttachmentID]
	var content []byte
	if ok && (att.Status == AttachmentLocal || att.Status == AttachmentDownloaded) {
		content = att.Content
	}
	s.mu.Unlock()

	if content == nil {
		_ = s.sender.SendTo(from, protocol.EventAttachmentError, protocol.AttachmentErrorReply{
			NoteID:       req.NoteID,
			AttachmentID: req.AttachmentID,
			Error:        "attachment not available",
		})
		return
	}

	for _, chunk := range protocol.SplitChunks(req.NoteID, req.AttachmentID, content, s.chunkSz) {
		if err := s.sender.SendTo(from, protocol.EventAttachmentChunk, chunk); err != nil {
			log.Warn().Err(err).Str("module", "client.attachments").Str("attachment", req.AttachmentID).Msg("chunk send failed")
			return
		}
	}
	log.Info().
		Str("module", "client.attachments").
		Str("attachment", req.AttachmentID).
		Str("to", string(from)).
		Int("bytes", len(content)).
		Msg("attachment served")
}

func (s *AttachmentStore) onChunk(from domain.ConnectionID, payload msgpack.RawMessage) {
	var chunk protocol.AttachmentChunk
	if err := msgpack.Unmarshal(payload, &chunk); err != nil {
		log.Warn().Err(err).Str("module", "client.attachments").Msg("bad chunk")
		return
	}

	s.mu.Lock()
	att, ok := s.byID[chunk.AttachmentID]
	if !ok || att.Status == AttachmentLocal || att.Status == AttachmentDownloaded || att.Status == AttachmentFailed {
		s.mu.Unlock()
		return
	}
	if att.Status == AttachmentPlaceholder {
		att.Status = AttachmentDownloading
		att.assembler = protocol.NewAssembler(s.maxBytes)
		s.changedLocked(att)
	}
	if att.assembler == nil {
		att.assembler = protocol.NewAssembler(s.maxBytes)
	}

	if err := att.assembler.Add(chunk); err != nil {
		att.Status = AttachmentFailed
		att.assembler = nil
		s.changedLocked(att)
		s.mu.Unlock()
		log.Warn().Err(err).Str("module", "client.attachments").Str("attachment", chunk.AttachmentID).Msg("transfer aborted")
		return
	}

	if att.assembler.Complete() {
		content, err := att.assembler.Bytes()
		if err != nil {
			att.Status = AttachmentFailed
		} else {
			att.Content = content
			att.Status = AttachmentDownloaded
		}
		att.assembler = nil
		s.changedLocked(att)
	}
	s.mu.Unlock()
}

func (s *AttachmentStore) onError(from domain.ConnectionID, payload msgpack.RawMessage) {
	var reply protocol.AttachmentErrorReply
	if err := msgpack.Unmarshal(payload, &reply); err != nil {
		log.Warn().Err(err).Str("module", "client.attachments").Msg("bad error reply")
		return
	}
	s.mu.Lock()
	att, ok := s.byID[reply.AttachmentID]
	if ok && att.Status != AttachmentLocal && att.Status != AttachmentDownloaded {
		att.Status = AttachmentFailed
		att.assembler = nil
		s.changedLocked(att)
	}
	s.mu.Unlock()
	log.Warn().
		Str("module", "client.attachments").
		Str("attachment", reply.AttachmentID).
		Str("from", string(from)).
		Str("error", reply.Error).
		Msg("download refused")
}

func (s *AttachmentStore) put(att *Attachment) {
	s.mu.Lock()
	s.byID[att.ID] = att
	s.changedLocked(att)
	s.mu.Unlock()
}

// changedLocked snapshots the record and schedules the observer outside the
// lock.
func (s *AttachmentStore) changedLocked(att *Attachment) {
	if s.OnStatus == nil {
		return
	}
	snapshot := *att
	snapshot.assembler = nil
	go s.OnStatus(snapshot)
}

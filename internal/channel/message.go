package channel

import (
	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/vmm"
)

// AttachmentKind tags the payload of one Attachment (§3 "Message").
type AttachmentKind int

const (
	// AttachKindChannel transfers ownership of a channel endpoint.
	AttachKindChannel AttachmentKind = iota
	// AttachKindMapping transfers ownership of a vmm.Mapping reference.
	AttachKindMapping
	// AttachKindDataCopied carries bytes owned by the message itself.
	AttachKindDataCopied
	// AttachKindDataShared carries bytes backed by a retained mapping.
	AttachKindDataShared
)

// Attachment is one item riding along with a Message. Exactly one of the
// fields matching Kind is meaningful.
type Attachment struct {
	Kind AttachmentKind

	Endpoint *Endpoint    // AttachKindChannel
	Mapping  *vmm.Mapping // AttachKindMapping, AttachKindDataShared
	Data     []byte       // AttachKindDataCopied

	released bool
}

// release drops this attachment's ownership. A channel/mapping attachment
// releases its underlying reference; a copied-data attachment simply
// forgets its buffer, a shared-data attachment releases the mapping
// reference it was holding. Idempotent, matching §4.5 message-destroy
// semantics ("releases every attachment according to its tag").
func (a *Attachment) release() {
	if a.released {
		return
	}

	a.released = true

	switch a.Kind {
	case AttachKindChannel:
		if a.Endpoint != nil {
			a.Endpoint.Release()
		}
	case AttachKindMapping, AttachKindDataShared:
		if a.Mapping != nil {
			a.Mapping.Release()
		}
	case AttachKindDataCopied:
		a.Data = nil
	}
}

// Message is one linear value in a channel's ring: body bytes plus
// attachments, a conversation id, and a message id (§3 "Message"). Once
// sent, the sender no longer owns it; exactly one Destroy call is
// expected across its lifetime.
type Message struct {
	Body           []byte
	Attachments    []Attachment
	ConversationID uint64
	MessageID      uint64

	destroyed bool
}

// NewMessage creates a message with the given body and no attachments.
// Attach* helpers append attachments before the message is sent.
func NewMessage(body []byte) *Message {
	return &Message{Body: body}
}

// AttachChannel transfers ownership of endpoint to the message.
func (m *Message) AttachChannel(endpoint *Endpoint) {
	m.Attachments = append(m.Attachments, Attachment{Kind: AttachKindChannel, Endpoint: endpoint})
}

// AttachMapping transfers ownership of one reference on mapping to the
// message.
func (m *Message) AttachMapping(mapping *vmm.Mapping) {
	m.Attachments = append(m.Attachments, Attachment{Kind: AttachKindMapping, Mapping: mapping})
}

// AttachDataCopied copies data into a buffer owned by the message.
func (m *Message) AttachDataCopied(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.Attachments = append(m.Attachments, Attachment{Kind: AttachKindDataCopied, Data: buf})
}

// AttachDataShared retains mapping and attaches it as shared-backing data.
func (m *Message) AttachDataShared(mapping *vmm.Mapping) {
	mapping.Retain()
	m.Attachments = append(m.Attachments, Attachment{Kind: AttachKindDataShared, Mapping: mapping})
}

// Destroy releases every attachment. Safe to call more than once; only the
// first call has effect. If destruction is interrupted partway (it isn't,
// here, since release never fails) remaining attachments must still be
// destroyed rather than leaked or double-released, per §9.
func (m *Message) Destroy() {
	if m.destroyed {
		return
	}

	m.destroyed = true

	for i := range m.Attachments {
		m.Attachments[i].release()
	}
}

// validateAttachments is a placeholder hook for future descriptor-bound
// validation; for now it only guards against a nil endpoint/mapping under
// a kind that requires one, which would otherwise panic deep in release().
func validateAttachments(atts []Attachment) error {
	for _, a := range atts {
		switch a.Kind {
		case AttachKindChannel:
			if a.Endpoint == nil {
				return errs.New(errs.InvalidArgument, "channel.validate_attachments")
			}
		case AttachKindMapping, AttachKindDataShared:
			if a.Mapping == nil {
				return errs.New(errs.InvalidArgument, "channel.validate_attachments")
			}
		}
	}

	return nil
}

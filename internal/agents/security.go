package agents

import (
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/security"
)

// securityEnvelope projects a parsed package onto the security layer's
// envelope shape.
func securityEnvelope(msg *message.AS4Message) security.Envelope {
	env := security.Envelope{XML: msg.RawEnvelope}
	for _, att := range msg.Attachments {
		env.Attachments = append(env.Attachments, security.Attachment{
			ContentID: att.ContentID,
			MimeType:  att.ContentType,
			Data:      att.Bytes(),
		})
	}
	return env
}

// applySecurityResult writes the processed envelope and attachment
// contents back into the package.
func applySecurityResult(msg *message.AS4Message, env security.Envelope) {
	msg.RawEnvelope = env.XML
	for _, sec := range env.Attachments {
		for _, att := range msg.Attachments {
			if att.ContentID == sec.ContentID {
				att.Replace(sec.MimeType, sec.Data)
				break
			}
		}
	}
}

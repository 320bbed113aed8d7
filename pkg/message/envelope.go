package message

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Namespace constants for the SOAP 1.2 / ebMS3 envelope.
const (
	NsSOAPEnv = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsWSSE    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSU     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsDS      = "http://www.w3.org/2000/09/xmldsig#"
	NsXENC    = "http://www.w3.org/2001/04/xmlenc#"
)

// Envelope is the SOAP 1.2 envelope projection of an AS4 package.
type Envelope struct {
	XMLName xml.Name `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  *Header  `xml:"Header"`
	Body    *Body    `xml:"Body"`
}

// Header holds the ebMS3 Messaging header and, when secured, the
// WS-Security header.
type Header struct {
	Messaging *XMLMessaging `xml:"http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/ Messaging"`
	Security  *XMLSecurity  `xml:"http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd Security,omitempty"`
}

// Body is the SOAP body. AS4 payloads travel as MIME attachments, so the
// body is empty apart from an optional wsu:Id used for signing.
type Body struct {
	XMLName xml.Name `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
	WsuID   string   `xml:"http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd Id,attr,omitempty"`
}

// XMLMessaging is the eb:Messaging header element.
type XMLMessaging struct {
	XMLName        xml.Name           `xml:"http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/ Messaging"`
	SignalMessages []XMLSignalMessage `xml:"SignalMessage,omitempty"`
	UserMessages   []XMLUserMessage   `xml:"UserMessage,omitempty"`
}

// XMLUserMessage mirrors eb:UserMessage on the wire.
type XMLUserMessage struct {
	MPC               string                `xml:"mpc,attr,omitempty"`
	MessageInfo       XMLMessageInfo        `xml:"MessageInfo"`
	PartyInfo         XMLPartyInfo          `xml:"PartyInfo"`
	CollaborationInfo XMLCollaborationInfo  `xml:"CollaborationInfo"`
	MessageProperties *XMLMessageProperties `xml:"MessageProperties,omitempty"`
	PayloadInfo       *XMLPayloadInfo       `xml:"PayloadInfo,omitempty"`
}

// XMLSignalMessage mirrors eb:SignalMessage on the wire.
type XMLSignalMessage struct {
	MessageInfo XMLMessageInfo  `xml:"MessageInfo"`
	Receipt     *XMLReceipt     `xml:"Receipt,omitempty"`
	Errors      []XMLError      `xml:"Error,omitempty"`
	PullRequest *XMLPullRequest `xml:"PullRequest,omitempty"`
}

// XMLMessageInfo carries identity and timestamp.
type XMLMessageInfo struct {
	Timestamp      time.Time `xml:"Timestamp"`
	MessageID      string    `xml:"MessageId"`
	RefToMessageID string    `xml:"RefToMessageId,omitempty"`
}

// XMLPartyInfo carries the From/To parties.
type XMLPartyInfo struct {
	From XMLParty `xml:"From"`
	To   XMLParty `xml:"To"`
}

// XMLParty is one party with its identifiers and role.
type XMLParty struct {
	PartyIDs []XMLPartyID `xml:"PartyId"`
	Role     string       `xml:"Role"`
}

// XMLPartyID is a single typed party identifier.
type XMLPartyID struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// XMLCollaborationInfo carries agreement, service, action and conversation.
type XMLCollaborationInfo struct {
	AgreementRef   *XMLAgreementRef `xml:"AgreementRef,omitempty"`
	Service        XMLService       `xml:"Service"`
	Action         string           `xml:"Action"`
	ConversationID string           `xml:"ConversationId"`
}

// XMLAgreementRef references the governing agreement and PMode.
type XMLAgreementRef struct {
	Type  string `xml:"type,attr,omitempty"`
	PMode string `xml:"pmode,attr,omitempty"`
	Value string `xml:",chardata"`
}

// XMLService is the typed service element.
type XMLService struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// XMLMessageProperties wraps eb:Property elements.
type XMLMessageProperties struct {
	Properties []XMLProperty `xml:"Property"`
}

// XMLProperty is one named property.
type XMLProperty struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// XMLPayloadInfo wraps eb:PartInfo references.
type XMLPayloadInfo struct {
	PartInfos []XMLPartInfo `xml:"PartInfo"`
}

// XMLPartInfo references one payload part.
type XMLPartInfo struct {
	Href           string             `xml:"href,attr,omitempty"`
	PartProperties *XMLPartProperties `xml:"PartProperties,omitempty"`
}

// XMLPartProperties wraps part-level properties.
type XMLPartProperties struct {
	Properties []XMLProperty `xml:"Property"`
}

// XMLReceipt carries receipt content (NonRepudiationInformation or empty).
type XMLReceipt struct {
	InnerXML []byte `xml:",innerxml"`
}

// XMLError mirrors eb:Error on the wire.
type XMLError struct {
	ErrorCode        string `xml:"errorCode,attr"`
	Severity         string `xml:"severity,attr"`
	Category         string `xml:"category,attr,omitempty"`
	ShortDescription string `xml:"shortDescription,attr,omitempty"`
	RefToMessage     string `xml:"refToMessageInError,attr,omitempty"`
	ErrorDetail      string `xml:"ErrorDetail,omitempty"`
}

// XMLPullRequest mirrors eb:PullRequest on the wire.
type XMLPullRequest struct {
	MPC string `xml:"mpc,attr,omitempty"`
}

// XMLSecurity is the wsse:Security header. Its contents are produced and
// consumed by the security strategies; the envelope model only carries the
// raw element.
type XMLSecurity struct {
	XMLName  xml.Name `xml:"http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd Security"`
	InnerXML []byte   `xml:",innerxml"`
}

// ToEnvelope projects the message package onto the SOAP envelope model.
func (m *AS4Message) ToEnvelope() *Envelope {
	messaging := &XMLMessaging{}
	for _, s := range m.SignalMessages {
		messaging.SignalMessages = append(messaging.SignalMessages, signalToXML(s))
	}
	for _, um := range m.UserMessages {
		messaging.UserMessages = append(messaging.UserMessages, userMessageToXML(um))
	}
	return &Envelope{
		Header: &Header{Messaging: messaging},
		Body:   &Body{},
	}
}

// Serialize marshals the package's envelope to XML bytes.
func (m *AS4Message) Serialize() ([]byte, error) {
	data, err := xml.Marshal(m.ToEnvelope())
	if err != nil {
		return nil, fmt.Errorf("marshaling SOAP envelope: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// ParseEnvelope unmarshals XML bytes into a message package. Attachments
// are added separately by the MIME layer.
func ParseEnvelope(data []byte) (*AS4Message, error) {
	var env Envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling SOAP envelope: %w", err)
	}
	if env.Header == nil || env.Header.Messaging == nil {
		return nil, fmt.Errorf("envelope carries no eb:Messaging header")
	}

	msg := NewAS4Message()
	for _, xu := range env.Header.Messaging.UserMessages {
		um, err := userMessageFromXML(xu)
		if err != nil {
			return nil, err
		}
		msg.UserMessages = append(msg.UserMessages, um)
	}
	for _, xs := range env.Header.Messaging.SignalMessages {
		s, err := signalFromXML(xs)
		if err != nil {
			return nil, err
		}
		msg.SignalMessages = append(msg.SignalMessages, s)
	}
	msg.RawEnvelope = data
	return msg, nil
}

func userMessageToXML(um *UserMessage) XMLUserMessage {
	x := XMLUserMessage{
		MPC: um.MPC,
		MessageInfo: XMLMessageInfo{
			Timestamp:      um.Timestamp,
			MessageID:      um.MessageID(),
			RefToMessageID: um.RefToMessageID(),
		},
		PartyInfo: XMLPartyInfo{
			From: partyToXML(um.Sender),
			To:   partyToXML(um.Receiver),
		},
		CollaborationInfo: XMLCollaborationInfo{
			Service: XMLService{
				Value: um.Collaboration.Service.Value,
				Type:  um.Collaboration.Service.Type,
			},
			Action:         um.Collaboration.Action,
			ConversationID: um.Collaboration.ConversationID,
		},
	}
	if ref := um.Collaboration.AgreementRef; ref.Value != "" || ref.PModeID != "" {
		x.CollaborationInfo.AgreementRef = &XMLAgreementRef{
			Value: ref.Value,
			Type:  ref.Type,
			PMode: ref.PModeID,
		}
	}
	if len(um.Properties) > 0 {
		props := &XMLMessageProperties{}
		for _, p := range um.Properties {
			props.Properties = append(props.Properties, XMLProperty{Name: p.Name, Type: p.Type, Value: p.Value})
		}
		x.MessageProperties = props
	}
	if len(um.PayloadInfo) > 0 {
		info := &XMLPayloadInfo{}
		for _, part := range um.PayloadInfo {
			xp := XMLPartInfo{Href: part.Href}
			if len(part.Properties) > 0 {
				xp.PartProperties = &XMLPartProperties{}
				for _, p := range part.Properties {
					xp.PartProperties.Properties = append(xp.PartProperties.Properties,
						XMLProperty{Name: p.Name, Type: p.Type, Value: p.Value})
				}
			}
			info.PartInfos = append(info.PartInfos, xp)
		}
		x.PayloadInfo = info
	}
	return x
}

func partyToXML(p Party) XMLParty {
	x := XMLParty{Role: p.Role}
	for _, id := range p.PartyIDs {
		x.PartyIDs = append(x.PartyIDs, XMLPartyID{Type: id.Type, Value: id.ID})
	}
	return x
}

func partyFromXML(x XMLParty) Party {
	p := Party{Role: x.Role}
	for _, id := range x.PartyIDs {
		p.PartyIDs = append(p.PartyIDs, PartyID{Type: id.Type, ID: id.Value})
	}
	return p
}

func userMessageFromXML(x XMLUserMessage) (*UserMessage, error) {
	um, err := NewUserMessage(x.MessageInfo.MessageID)
	if err != nil {
		return nil, fmt.Errorf("invalid eb:UserMessage: %w", err)
	}
	um.Timestamp = x.MessageInfo.Timestamp
	um.SetRefToMessageID(x.MessageInfo.RefToMessageID)
	if x.MPC != "" {
		um.MPC = x.MPC
	}
	um.Sender = partyFromXML(x.PartyInfo.From)
	um.Receiver = partyFromXML(x.PartyInfo.To)
	um.Collaboration = CollaborationInfo{
		Service: Service{
			Value: x.CollaborationInfo.Service.Value,
			Type:  x.CollaborationInfo.Service.Type,
		},
		Action:         x.CollaborationInfo.Action,
		ConversationID: x.CollaborationInfo.ConversationID,
	}
	if ref := x.CollaborationInfo.AgreementRef; ref != nil {
		um.Collaboration.AgreementRef = AgreementRef{
			Value:   ref.Value,
			Type:    ref.Type,
			PModeID: ref.PMode,
		}
	}
	if x.MessageProperties != nil {
		for _, p := range x.MessageProperties.Properties {
			um.Properties = append(um.Properties, Property{Name: p.Name, Type: p.Type, Value: p.Value})
		}
	}
	if x.PayloadInfo != nil {
		for _, xp := range x.PayloadInfo.PartInfos {
			part := PartInfo{Href: xp.Href}
			if xp.PartProperties != nil {
				for _, p := range xp.PartProperties.Properties {
					part.Properties = append(part.Properties, Property{Name: p.Name, Type: p.Type, Value: p.Value})
				}
			}
			um.PayloadInfo = append(um.PayloadInfo, part)
		}
	}
	return um, nil
}

func signalToXML(s SignalMessage) XMLSignalMessage {
	x := XMLSignalMessage{
		MessageInfo: XMLMessageInfo{
			MessageID:      s.MessageID(),
			RefToMessageID: s.RefToMessageID(),
		},
	}
	switch sig := s.(type) {
	case *Receipt:
		x.MessageInfo.Timestamp = sig.Timestamp
		x.Receipt = &XMLReceipt{InnerXML: sig.NonRepudiation}
	case *Error:
		x.MessageInfo.Timestamp = sig.Timestamp
		for _, line := range sig.Lines {
			x.Errors = append(x.Errors, XMLError{
				ErrorCode:        string(line.Code),
				Severity:         string(line.Severity),
				Category:         line.Category,
				ShortDescription: line.ShortDescription,
				RefToMessage:     sig.RefToMessageID(),
				ErrorDetail:      line.Detail,
			})
		}
	case *PullRequest:
		x.MessageInfo.Timestamp = sig.Timestamp
		x.PullRequest = &XMLPullRequest{MPC: sig.MPC}
	}
	return x
}

func signalFromXML(x XMLSignalMessage) (SignalMessage, error) {
	info := x.MessageInfo
	switch {
	case x.PullRequest != nil:
		pr, err := NewPullRequest(info.MessageID, x.PullRequest.MPC)
		if err != nil {
			return nil, fmt.Errorf("invalid eb:PullRequest: %w", err)
		}
		pr.Timestamp = info.Timestamp
		return pr, nil
	case x.Receipt != nil:
		r, err := NewReceipt(info.MessageID, info.RefToMessageID)
		if err != nil {
			return nil, fmt.Errorf("invalid eb:Receipt: %w", err)
		}
		r.Timestamp = info.Timestamp
		r.NonRepudiation = x.Receipt.InnerXML
		return r, nil
	default:
		var lines []ErrorLine
		for _, xe := range x.Errors {
			lines = append(lines, ErrorLine{
				Code:             ErrorCode(xe.ErrorCode),
				Severity:         Severity(xe.Severity),
				Category:         xe.Category,
				ShortDescription: xe.ShortDescription,
				Detail:           xe.ErrorDetail,
			})
		}
		ref := info.RefToMessageID
		if ref == "" && len(x.Errors) > 0 {
			ref = x.Errors[0].RefToMessage
		}
		e, err := NewError(info.MessageID, ref, lines...)
		if err != nil {
			return nil, fmt.Errorf("invalid eb:Error: %w", err)
		}
		e.Timestamp = info.Timestamp
		return e, nil
	}
}

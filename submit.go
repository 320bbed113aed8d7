package msh

import (
	"os"
	"path/filepath"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
)

// parseSubmitFile reads one submit document from the submit directory.
//
// The document is a small XML file naming the sending PMode and the
// payload files to package:
//
//	<SubmitMessage>
//	  <PModeID>push-pmode</PModeID>
//	  <ConversationID>order-7842</ConversationID>
//	  <MessageProperties>
//	    <Property name="originalSender">C1</Property>
//	  </MessageProperties>
//	  <Payloads>
//	    <Payload contentId="order" mimeType="application/xml"
//	             location="order.xml"/>
//	  </Payloads>
//	</SubmitMessage>
//
// Relative payload locations resolve against the submit file's
// directory.
func parseSubmitFile(path string) (*pipeline.SubmitMessage, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, errors.Wrapf(err, "reading submit document %s", path)
	}

	root := doc.Root()
	if root == nil || root.Tag != "SubmitMessage" {
		return nil, errors.Errorf("submit document %s: root element is not SubmitMessage", path)
	}

	submit := &pipeline.SubmitMessage{
		PModeID:        childText(root, "PModeID"),
		ConversationID: childText(root, "ConversationID"),
		RefToMessageID: childText(root, "RefToMessageID"),
	}
	if submit.PModeID == "" {
		return nil, errors.Errorf("submit document %s: missing PModeID", path)
	}

	if props := root.SelectElement("MessageProperties"); props != nil {
		for _, p := range props.SelectElements("Property") {
			name := p.SelectAttrValue("name", "")
			if name == "" {
				return nil, errors.Errorf("submit document %s: property without a name", path)
			}
			submit.Properties = append(submit.Properties, message.Property{
				Name:  name,
				Type:  p.SelectAttrValue("type", ""),
				Value: p.Text(),
			})
		}
	}

	if payloads := root.SelectElement("Payloads"); payloads != nil {
		base := filepath.Dir(path)
		for _, p := range payloads.SelectElements("Payload") {
			attachment, err := loadPayload(base, p)
			if err != nil {
				return nil, errors.Wrapf(err, "submit document %s", path)
			}
			submit.Payloads = append(submit.Payloads, attachment)
		}
	}
	return submit, nil
}

func loadPayload(base string, elem *etree.Element) (*message.Attachment, error) {
	location := elem.SelectAttrValue("location", "")
	if location == "" {
		return nil, errors.New("payload without a location")
	}
	if !filepath.IsAbs(location) {
		location = filepath.Join(base, location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, errors.Wrapf(err, "reading payload %s", location)
	}

	contentType := elem.SelectAttrValue("mimeType", "")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	attachment := message.NewAttachment(elem.SelectAttrValue("contentId", ""), contentType, data)
	for _, p := range elem.SelectElements("PartProperty") {
		name := p.SelectAttrValue("name", "")
		if name == "" {
			return nil, errors.Errorf("payload %s: part property without a name", location)
		}
		attachment.Properties[name] = p.Text()
	}
	return attachment, nil
}

func childText(elem *etree.Element, tag string) string {
	if child := elem.SelectElement(tag); child != nil {
		return child.Text()
	}
	return ""
}

// Package pmode models the Processing Mode documents that drive the
// message service handler: exchange pattern, reliability budgets,
// security requirement levels and delivery/notification methods.
//
// PModes are external documents; this package only carries the subset the
// message-lifecycle engine consumes. Loading and schema validation live in
// internal/config.
package pmode

import (
	"fmt"
	"time"
)

// MEPBinding selects who initiates the transfer of a user message.
type MEPBinding string

const (
	// Push transfers are initiated by the sending MSH.
	Push MEPBinding = "push"
	// Pull transfers are initiated by the receiving MSH via PullRequest.
	Pull MEPBinding = "pull"
)

// RequirementLevel is a three-valued security policy knob.
type RequirementLevel string

const (
	// Required rejects messages missing the feature.
	Required RequirementLevel = "Required"
	// Allowed accepts messages with or without the feature.
	Allowed RequirementLevel = "Allowed"
	// NotAllowed rejects messages carrying the feature.
	NotAllowed RequirementLevel = "NotAllowed"
)

// Valid reports whether the level is one of the three defined values.
func (l RequirementLevel) Valid() bool {
	switch l {
	case Required, Allowed, NotAllowed:
		return true
	}
	return false
}

// RetryReliability configures the retry budget of one activity.
type RetryReliability struct {
	IsEnabled     bool          `yaml:"isEnabled" json:"isEnabled"`
	RetryCount    int           `yaml:"retryCount" json:"retryCount"`
	RetryInterval time.Duration `yaml:"retryInterval" json:"retryInterval"`
}

// Method names a sender/uploader strategy and its parameters. The Type
// string keys the strategy registry (FILE, HTTP, AMQP, NATS).
type Method struct {
	Type       string      `yaml:"type" json:"type"`
	Parameters []Parameter `yaml:"parameters" json:"parameters"`
}

// Parameter is one named method setting.
type Parameter struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Parameter returns the named parameter value, or "".
func (m Method) Parameter(name string) string {
	for _, p := range m.Parameters {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// PartyID identifies one party in the packaging section.
type PartyID struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Party is a packaging party with its role.
type Party struct {
	Role     string    `yaml:"role" json:"role"`
	PartyIDs []PartyID `yaml:"partyIds" json:"partyIds"`
}

// CollaborationInfo is the business context stamped on outgoing messages.
type CollaborationInfo struct {
	AgreementRef string `yaml:"agreementRef,omitempty" json:"agreementRef,omitempty"`
	Service      string `yaml:"service" json:"service"`
	ServiceType  string `yaml:"serviceType,omitempty" json:"serviceType,omitempty"`
	Action       string `yaml:"action" json:"action"`
}

// MessagePackaging shapes the ebMS header of outgoing user messages.
type MessagePackaging struct {
	MPC           string            `yaml:"mpc,omitempty" json:"mpc,omitempty"`
	FromParty     Party             `yaml:"fromParty" json:"fromParty"`
	ToParty       Party             `yaml:"toParty" json:"toParty"`
	Collaboration CollaborationInfo `yaml:"collaborationInfo" json:"collaborationInfo"`
}

// Signing configures outbound signing.
type Signing struct {
	IsEnabled   bool   `yaml:"isEnabled" json:"isEnabled"`
	KeyAlias    string `yaml:"keyAlias,omitempty" json:"keyAlias,omitempty"`
}

// Encryption configures outbound encryption.
type Encryption struct {
	IsEnabled bool   `yaml:"isEnabled" json:"isEnabled"`
	KeyAlias  string `yaml:"keyAlias,omitempty" json:"keyAlias,omitempty"`
}

// SecurityPolicy carries the outbound security switches of a sending
// PMode.
type SecurityPolicy struct {
	Signing    Signing    `yaml:"signing" json:"signing"`
	Encryption Encryption `yaml:"encryption" json:"encryption"`
}

// PushConfiguration addresses the peer MSH for push sends.
type PushConfiguration struct {
	URL string `yaml:"url" json:"url"`
	TLS struct {
		IsEnabled bool `yaml:"isEnabled" json:"isEnabled"`
	} `yaml:"tls" json:"tls"`
}

// DynamicDiscovery resolves the peer endpoint at send time via DNS when no
// static URL is configured.
type DynamicDiscovery struct {
	IsEnabled bool   `yaml:"isEnabled" json:"isEnabled"`
	Domain    string `yaml:"domain,omitempty" json:"domain,omitempty"`
}

// PullConfiguration addresses the MPC this PMode pulls from.
type PullConfiguration struct {
	MPC  string `yaml:"mpc,omitempty" json:"mpc,omitempty"`
	URL  string `yaml:"url" json:"url"`
	// BaseInterval and MaxInterval bound the exponential pull schedule.
	BaseInterval time.Duration `yaml:"baseInterval,omitempty" json:"baseInterval,omitempty"`
	MaxInterval  time.Duration `yaml:"maxInterval,omitempty" json:"maxInterval,omitempty"`
}

// NotifyHandling configures how receipt/error/exception outcomes reach the
// producer.
type NotifyHandling struct {
	NotifyProducer bool             `yaml:"notifyProducer" json:"notifyProducer"`
	Method         Method           `yaml:"method" json:"method"`
	Reliability    RetryReliability `yaml:"reliability" json:"reliability"`
}

// SendingPMode governs outgoing user messages.
type SendingPMode struct {
	ID         string     `yaml:"id" json:"id"`
	MEPBinding MEPBinding `yaml:"mepBinding" json:"mepBinding"`
	MultiHop   bool       `yaml:"multiHop,omitempty" json:"multiHop,omitempty"`

	PushConfiguration *PushConfiguration `yaml:"pushConfiguration,omitempty" json:"pushConfiguration,omitempty"`
	DynamicDiscovery  *DynamicDiscovery  `yaml:"dynamicDiscovery,omitempty" json:"dynamicDiscovery,omitempty"`
	PullConfiguration *PullConfiguration `yaml:"pullConfiguration,omitempty" json:"pullConfiguration,omitempty"`

	// Reliability is the send retry budget (reception awareness subset).
	Reliability RetryReliability `yaml:"reliability" json:"reliability"`

	Security SecurityPolicy `yaml:"security" json:"security"`

	// Compression enables AS4 gzip payload compression.
	Compression bool `yaml:"compression,omitempty" json:"compression,omitempty"`

	ReceiptHandling NotifyHandling `yaml:"receiptHandling" json:"receiptHandling"`
	ErrorHandling   NotifyHandling `yaml:"errorHandling" json:"errorHandling"`
	ExceptionHandling NotifyHandling `yaml:"exceptionHandling" json:"exceptionHandling"`

	MessagePackaging MessagePackaging `yaml:"messagePackaging" json:"messagePackaging"`
}

// ExpectedPolicy is the inbound requirement pair of a receiving PMode.
type ExpectedPolicy struct {
	Signing    RequirementLevel `yaml:"signing" json:"signing"`
	Encryption RequirementLevel `yaml:"encryption" json:"encryption"`
}

// DeliverConfiguration routes received payloads to the local consumer.
type DeliverConfiguration struct {
	IsEnabled              bool             `yaml:"isEnabled" json:"isEnabled"`
	DeliverMethod          Method           `yaml:"deliverMethod" json:"deliverMethod"`
	PayloadReferenceMethod Method           `yaml:"payloadReferenceMethod" json:"payloadReferenceMethod"`
	Reliability            RetryReliability `yaml:"reliability" json:"reliability"`
}

// ForwardConfiguration marks this node an intermediary for the PMode.
type ForwardConfiguration struct {
	SendingPModeID string `yaml:"sendingPMode" json:"sendingPMode"`
}

// ReplyHandling configures receipts and errors sent back for received
// messages, and the piggyback budget for pull-channel replies.
type ReplyHandling struct {
	ReplyPattern         string           `yaml:"replyPattern,omitempty" json:"replyPattern,omitempty"`
	NonRepudiation       bool             `yaml:"nonRepudiation,omitempty" json:"nonRepudiation,omitempty"`
	PiggyBackReliability RetryReliability `yaml:"piggyBackReliability" json:"piggyBackReliability"`
}

// ReceivingPMode governs received user messages.
type ReceivingPMode struct {
	ID string `yaml:"id" json:"id"`

	// Service and Action select this PMode for matching received
	// messages; empty values act as wildcards.
	Service string `yaml:"service,omitempty" json:"service,omitempty"`
	Action  string `yaml:"action,omitempty" json:"action,omitempty"`

	// Expected security on inbound messages.
	Expected ExpectedPolicy `yaml:"expected" json:"expected"`

	ReplyHandling ReplyHandling `yaml:"replyHandling" json:"replyHandling"`

	// ExceptionHandling notifies the consumer of receive-side failures.
	ExceptionHandling NotifyHandling `yaml:"exceptionHandling" json:"exceptionHandling"`

	// Exactly one of Deliver or Forward applies.
	Deliver *DeliverConfiguration `yaml:"deliver,omitempty" json:"deliver,omitempty"`
	Forward *ForwardConfiguration `yaml:"forward,omitempty" json:"forward,omitempty"`
}

// IsForwarding reports whether this node acts as intermediary.
func (p *ReceivingPMode) IsForwarding() bool {
	return p.Forward != nil && p.Forward.SendingPModeID != ""
}

// Validate rejects sending PModes that cannot drive a send.
func (p *SendingPMode) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("sending pmode: id is required")
	}
	switch p.MEPBinding {
	case Push:
		hasURL := p.PushConfiguration != nil && p.PushConfiguration.URL != ""
		hasDiscovery := p.DynamicDiscovery != nil && p.DynamicDiscovery.IsEnabled
		if !hasURL && !hasDiscovery {
			return fmt.Errorf("sending pmode %s: push binding needs a push URL or dynamic discovery", p.ID)
		}
	case Pull:
		if p.PullConfiguration == nil || p.PullConfiguration.URL == "" {
			return fmt.Errorf("sending pmode %s: pull binding needs a pull URL", p.ID)
		}
	default:
		return fmt.Errorf("sending pmode %s: unknown MEP binding %q", p.ID, p.MEPBinding)
	}
	if p.Reliability.IsEnabled && p.Reliability.RetryCount <= 0 {
		return fmt.Errorf("sending pmode %s: reliability enabled with non-positive retry count", p.ID)
	}
	return nil
}

// Validate rejects receiving PModes with inconsistent policy.
func (p *ReceivingPMode) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("receiving pmode: id is required")
	}
	if !p.Expected.Signing.Valid() || !p.Expected.Encryption.Valid() {
		return fmt.Errorf("receiving pmode %s: expected signing/encryption must be Required, Allowed or NotAllowed", p.ID)
	}
	if p.Deliver != nil && p.Forward != nil {
		return fmt.Errorf("receiving pmode %s: deliver and forward are mutually exclusive", p.ID)
	}
	return nil
}

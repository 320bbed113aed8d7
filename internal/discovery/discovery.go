// Package discovery resolves peer MSH endpoints at send time via DNS
// U-NAPTR records, for sending PModes that enable dynamic discovery
// instead of carrying a static push URL.
package discovery

import (
	"context"
	"net/url"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoRecords is returned when the domain publishes no U-NAPTR
	// records.
	ErrNoRecords = errors.New("no U-NAPTR records found")
	// ErrNoEndpoint is returned when no record matches the transport
	// service.
	ErrNoEndpoint = errors.New("no matching endpoint record")
)

// defaultService is the U-NAPTR service tag of an AS4 transport
// endpoint.
const defaultService = "Meta:AS4"

// Config tunes the resolver.
type Config struct {
	// DNSServer is "ip:port"; empty uses the system resolver config.
	DNSServer string
	// Service overrides the U-NAPTR service tag to match.
	Service string
}

// Resolver looks up peer endpoints. It implements the endpoint
// resolution the send agent consults for PModes without a static URL.
type Resolver struct {
	cfg    Config
	client *dns.Client
	log    *logrus.Entry
}

// NewResolver creates a resolver.
func NewResolver(cfg Config, log *logrus.Entry) *Resolver {
	if cfg.Service == "" {
		cfg.Service = defaultService
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		cfg:    cfg,
		client: new(dns.Client),
		log:    log.WithField("component", "discovery"),
	}
}

// Resolve queries the domain's U-NAPTR records and returns the endpoint
// URL of the best matching record.
func (r *Resolver) Resolve(ctx context.Context, domain string) (string, error) {
	server := r.cfg.DNSServer
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return "", errors.Wrap(err, "reading resolver config")
		}
		if len(conf.Servers) == 0 {
			return "", errors.New("no DNS servers configured")
		}
		server = conf.Servers[0] + ":" + conf.Port
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeNAPTR)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", errors.Wrapf(err, "NAPTR lookup for %s", domain)
	}
	if resp.Rcode == dns.RcodeNameError {
		return "", errors.Wrapf(ErrNoRecords, "%s", domain)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", errors.Errorf("NAPTR lookup for %s: rcode=%d", domain, resp.Rcode)
	}

	var records []*dns.NAPTR
	for _, rr := range resp.Answer {
		if naptr, ok := rr.(*dns.NAPTR); ok {
			records = append(records, naptr)
		}
	}
	if len(records) == 0 {
		return "", errors.Wrapf(ErrNoRecords, "%s", domain)
	}

	endpoint, err := selectEndpoint(records, r.cfg.Service)
	if err != nil {
		return "", errors.Wrapf(err, "%s", domain)
	}
	r.log.WithFields(logrus.Fields{"domain": domain, "endpoint": endpoint}).
		Debug("endpoint resolved")
	return endpoint, nil
}

// selectEndpoint picks the U-flagged record with the matching service
// tag and the lowest order/preference pair, and extracts its URL.
func selectEndpoint(records []*dns.NAPTR, service string) (string, error) {
	var best *dns.NAPTR
	bestPriority := -1

	for _, record := range records {
		if !strings.EqualFold(record.Flags, "U") {
			continue
		}
		if !strings.EqualFold(record.Service, service) {
			continue
		}
		priority := int(record.Order)*1000 + int(record.Preference)
		if best == nil || priority < bestPriority {
			best = record
			bestPriority = priority
		}
	}
	if best == nil {
		return "", ErrNoEndpoint
	}
	return endpointFromRegexp(best.Regexp)
}

// endpointFromRegexp extracts the replacement URL of a U-NAPTR regexp
// field, "!<pattern>!<replacement>!".
func endpointFromRegexp(field string) (string, error) {
	parts := strings.Split(field, "!")
	if len(parts) < 3 || parts[2] == "" {
		return "", errors.Errorf("malformed NAPTR regexp %q", field)
	}
	endpoint := parts[2]
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parsing endpoint %q", endpoint)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return endpoint, nil
}

package discovery

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func naptr(order, pref uint16, flags, service, regexp string) *dns.NAPTR {
	return &dns.NAPTR{
		Order:      order,
		Preference: pref,
		Flags:      flags,
		Service:    service,
		Regexp:     regexp,
	}
}

func TestSelectEndpoint_PrefersLowestOrderAndPreference(t *testing.T) {
	records := []*dns.NAPTR{
		naptr(100, 20, "U", "Meta:AS4", "!.*!https://backup.example.org/msh!"),
		naptr(100, 10, "U", "Meta:AS4", "!.*!https://primary.example.org/msh!"),
		naptr(10, 10, "U", "Meta:SMP", "!.*!https://smp.example.org/!"),
	}

	endpoint, err := selectEndpoint(records, "Meta:AS4")
	require.NoError(t, err)
	assert.Equal(t, "https://primary.example.org/msh", endpoint)
}

func TestSelectEndpoint_SkipsNonTerminalRecords(t *testing.T) {
	records := []*dns.NAPTR{
		naptr(10, 10, "S", "Meta:AS4", "!.*!https://srv.example.org/msh!"),
	}
	_, err := selectEndpoint(records, "Meta:AS4")
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestSelectEndpoint_ServiceTagIsCaseInsensitive(t *testing.T) {
	records := []*dns.NAPTR{
		naptr(10, 10, "u", "meta:as4", "!.*!https://peer.example.org/msh!"),
	}
	endpoint, err := selectEndpoint(records, "Meta:AS4")
	require.NoError(t, err)
	assert.Equal(t, "https://peer.example.org/msh", endpoint)
}

func TestEndpointFromRegexp(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		want    string
		wantErr bool
	}{
		{"https endpoint", "!.*!https://peer.example.org/msh!", "https://peer.example.org/msh", false},
		{"http endpoint", "!.*!http://peer.example.org/msh!", "http://peer.example.org/msh", false},
		{"missing replacement", "!.*!!", "", true},
		{"not a regexp field", "https://peer.example.org", "", true},
		{"foreign scheme", "!.*!ftp://peer.example.org/!", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := endpointFromRegexp(tt.field)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

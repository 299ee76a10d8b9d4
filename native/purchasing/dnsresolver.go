package purchasing

import (
	"time"

	"github.com/miekg/dns"
)

// DNSResolver validates a trusted-domain merchant's domain anchor actually
// resolves, via a direct A-record query rather than net.LookupHost, so the
// query timeout and upstream server are explicit and not dependent on the
// host's resolv.conf.
type DNSResolver struct {
	Server  string
	Client  *dns.Client
}

// NewDNSResolver builds a resolver querying the given DNS server (host:port)
// with a short timeout.
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		Server: server,
		Client: &dns.Client{Timeout: 3 * time.Second},
	}
}

// Resolves reports whether domain has at least one A record.
func (r *DNSResolver) Resolves(domain string) bool {
	if r.Client == nil {
		r.Client = &dns.Client{Timeout: 3 * time.Second}
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.Client.Exchange(msg, r.Server)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return false
	}
	return len(resp.Answer) > 0
}

// Package dnsframe is the DNS Framing Adapter: it turns outbound QUIC
// datagrams into DNS TXT queries under a configured domain, and turns TXT
// replies back into QUIC datagrams. It is the concrete binding for the
// "DNS wire encoding/decoding of a single message" collaborator SPEC_FULL.md
// §1 names, built on github.com/miekg/dns.
package dnsframe

import (
	"encoding/base32"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// dataEncoding is unpadded base32hex: DNS names are case-insensitive on
// the wire, so an alphabet that survives case-folding is required. Output
// is lower-cased before use and upper-cased again before decoding.
var dataEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// pollLabelPrefix marks a query as a poll (empty-payload, elicits
// server-originated data) rather than a data-carrying query.
const pollLabelPrefix = "p"

// dataLabelPrefix marks a query as carrying an encoded datagram.
const dataLabelPrefix = "d"

const maxLabelLen = 63

// maxSafeUDPMessage is the conservative UDP payload ceiling used to stay
// well clear of IP fragmentation across the resolver hops this tunnel must
// survive (the same conservative budget DNS operators use for non-EDNS
// UDP responses).
const maxSafeUDPMessage = 1232

// ErrNotAReply is returned by ParseReply when the message's QR bit isn't set.
var ErrNotAReply = errors.New("dnsframe: message is not a reply (QR=0)")

// ErrNoTXT is returned when a reply carries answers but none of them is a
// TXT record. A reply with an empty answer section is an empty datagram.
var ErrNoTXT = errors.New("dnsframe: reply has no TXT answer")

// Adapter builds and parses DNS messages for one tunnel domain.
type Adapter struct {
	domain string
	mtu    int
}

// New validates domain and precomputes the usable per-datagram MTU.
func New(domain string) (*Adapter, error) {
	domain = dns.Fqdn(strings.ToLower(domain))
	if _, ok := dns.IsDomainName(domain); !ok {
		return nil, errors.Errorf("dnsframe: %q is not a valid domain name", domain)
	}
	mtu := MTU(domain)
	if mtu <= 0 {
		return nil, errors.Errorf("dnsframe: domain %q leaves no room for a datagram under the DNS MTU budget", domain)
	}
	return &Adapter{domain: domain, mtu: mtu}, nil
}

// MTU returns the usable outbound payload size, in raw bytes, once domain,
// label overhead and DNS header/question overhead are accounted for.
func (a *Adapter) MTU() int {
	return a.mtu
}

// BuildDataQuery encodes datagram as a DNS TXT query QNAME under the
// adapter's domain, with id as the 16-bit DNS ID and counter folded into
// the leading label to defeat resolver-side query caching.
func (a *Adapter) BuildDataQuery(datagram []byte, id uint16, counter uint32) (*dns.Msg, error) {
	if len(datagram) > a.mtu {
		return nil, errors.Errorf("dnsframe: datagram of %d bytes exceeds MTU %d", len(datagram), a.mtu)
	}
	qname := a.buildQName(dataLabelPrefix, counter, datagram)
	return buildQuery(qname, id), nil
}

// BuildPollQuery encodes an empty-payload query whose purpose is only to
// elicit queued server-originated data.
func (a *Adapter) BuildPollQuery(id uint16, counter uint32) *dns.Msg {
	qname := a.buildQName(pollLabelPrefix, counter, nil)
	return buildQuery(qname, id)
}

// IsPollQuery reports whether msg's question is a poll query built by
// BuildPollQuery (used on the server side to distinguish poll queries from
// data queries once decoded from the wire).
func IsPollQuery(msg *dns.Msg) bool {
	if len(msg.Question) != 1 {
		return false
	}
	first, _, ok := firstLabel(msg.Question[0].Name)
	return ok && strings.HasPrefix(first, pollLabelPrefix)
}

// DecodeDataQuery extracts the datagram encoded in a data query's QNAME.
func (a *Adapter) DecodeDataQuery(msg *dns.Msg) ([]byte, error) {
	if len(msg.Question) != 1 {
		return nil, errors.New("dnsframe: query must carry exactly one question")
	}
	return decodeQName(msg.Question[0].Name, a.domain)
}

// ParseReply validates a DNS reply and extracts its TXT payload as a QUIC
// datagram. pending reports whether the reply's rdata signals the server
// still has more queued data (the demand-driven floor of SPEC_FULL.md §4.5).
func ParseReply(msg *dns.Msg) (datagram []byte, pending bool, err error) {
	if !msg.Response {
		return nil, false, ErrNotAReply
	}
	if len(msg.Answer) == 0 {
		// BuildReply omits the answer for an empty, non-pending payload.
		return nil, false, nil
	}
	for _, rr := range msg.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		var sb strings.Builder
		for _, s := range txt.Txt {
			sb.WriteString(s)
		}
		encoded := sb.String()
		if encoded == "" {
			return nil, false, nil
		}
		pending = strings.HasSuffix(encoded, morePendingMarker)
		if pending {
			encoded = strings.TrimSuffix(encoded, morePendingMarker)
		}
		raw, decErr := dataEncoding.DecodeString(strings.ToUpper(encoded))
		if decErr != nil {
			return nil, false, errors.Wrap(decErr, "dnsframe: decoding TXT rdata")
		}
		return raw, pending, nil
	}
	return nil, false, ErrNoTXT
}

// morePendingMarker is appended to the encoded TXT payload by the server
// side (see dnsquic.ServerPacketConn's reply path) to flag that more
// server-originated data remains queued beyond this reply.
const morePendingMarker = "~"

// BuildReply encodes datagram (which may be empty) as a TXT answer to
// query, optionally flagging more pending data.
func BuildReply(query *dns.Msg, datagram []byte, pending bool) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Authoritative = true

	encoded := strings.ToLower(dataEncoding.EncodeToString(datagram))
	if pending {
		encoded += morePendingMarker
	}
	if encoded != "" {
		txt := &dns.TXT{
			Hdr: dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
			Txt: chunkString(encoded, 255),
		}
		reply.Answer = append(reply.Answer, txt)
	}
	return reply
}

func buildQuery(qname string, id uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = true
	msg.CheckingDisabled = false
	msg.Question = []dns.Question{{Name: qname, Qtype: dns.TypeTXT, Qclass: dns.ClassINET}}
	return msg
}

func (a *Adapter) buildQName(prefix string, counter uint32, datagram []byte) string {
	var labels []string
	labels = append(labels, counterLabel(prefix, counter))
	if len(datagram) > 0 {
		encoded := strings.ToLower(dataEncoding.EncodeToString(datagram))
		labels = append(labels, chunkString(encoded, maxLabelLen)...)
	}
	return strings.Join(labels, ".") + "." + a.domain
}

func decodeQName(qname, domain string) ([]byte, error) {
	if !strings.HasSuffix(qname, domain) {
		return nil, errors.Errorf("dnsframe: qname %q does not belong to domain %q", qname, domain)
	}
	prefix := strings.TrimSuffix(qname, domain)
	prefix = strings.TrimSuffix(prefix, ".")
	labels := dns.SplitDomainName(prefix)
	if len(labels) == 0 {
		return nil, errors.New("dnsframe: qname has no data labels")
	}
	// labels[0] is the counter/prefix label; the rest encode the datagram.
	encoded := strings.Join(labels[1:], "")
	if encoded == "" {
		return nil, nil
	}
	return dataEncoding.DecodeString(strings.ToUpper(encoded))
}

func firstLabel(qname string) (string, string, bool) {
	labels := dns.SplitDomainName(qname)
	if len(labels) == 0 {
		return "", "", false
	}
	return labels[0], strings.Join(labels[1:], "."), true
}

func counterLabel(prefix string, counter uint32) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 0, 9)
	b = append(b, prefix...)
	for shift := 28; shift >= 0; shift -= 4 {
		b = append(b, hexDigits[(counter>>uint(shift))&0xf])
	}
	return string(b)
}

func chunkString(s string, size int) []string {
	if len(s) == 0 {
		return nil
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	out = append(out, s)
	return out
}

// MTU computes the usable outbound datagram payload size, in raw bytes,
// for a query under domain once the DNS header, question overhead, the
// counter label and per-label length-byte overhead have all been
// subtracted from the conservative UDP budget. The result converges by a
// few iterations of the fixed point "more payload chars -> more labels ->
// more length-byte overhead -> fewer payload chars"; four iterations is
// always enough for any domain short enough to leave room for a datagram.
func MTU(domain string) int {
	const headerOverhead = 12 /* DNS header */ + 4 /* QTYPE + QCLASS */ + 1 /* root label */
	const counterLabelOverhead = 1 + 9 // length byte + "d"+8 hex digits
	domainWireLen := len(dns.Fqdn(domain))

	budget := maxSafeUDPMessage - headerOverhead - counterLabelOverhead - domainWireLen
	if budget <= 0 {
		return 0
	}

	chars := budget
	for i := 0; i < 4; i++ {
		labelCount := (chars + maxLabelLen - 1) / maxLabelLen
		if labelCount < 1 {
			labelCount = 1
		}
		chars = budget - labelCount // one length byte per label
		if chars <= 0 {
			return 0
		}
	}
	return (chars * 5) / 8
}

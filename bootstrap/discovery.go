package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// DefaultDNSServer is the systemd-resolved stub listener, the resolver used
// when no server is configured.
const DefaultDNSServer = "127.0.0.53:53"

// exchangeFunc performs one DNS exchange. Swapped out in tests.
type exchangeFunc func(msg *dns.Msg, server string) (*dns.Msg, error)

func dnsExchange(msg *dns.Msg, server string) (*dns.Msg, error) {
	c := new(dns.Client)
	in, _, err := c.Exchange(msg, server)
	return in, err
}

// Discovery resolves the peer set for a bootstrap session from a static
// address book, a DNS seed name, or both. Seed records are TXT entries of
// the form "member=<index> endpoint=<addr>", one peer per record.
type Discovery struct {
	log      *slog.Logger
	static   []interfaces.PeerAddress
	seed     string
	server   string
	exchange exchangeFunc
}

// NewDiscovery configures peer discovery. An empty seed disables the DNS
// lookup; an empty server selects DefaultDNSServer.
func NewDiscovery(log *slog.Logger, static []interfaces.PeerAddress, seed, server string) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	if server == "" {
		server = DefaultDNSServer
	}
	return &Discovery{
		log:      log,
		static:   static,
		seed:     seed,
		server:   server,
		exchange: dnsExchange,
	}
}

// Peers returns the discovered peer set, excluding self, sorted by member
// index. Static entries win over seed entries for the same member.
func (d *Discovery) Peers(ctx context.Context, self interfaces.MemberID) ([]interfaces.PeerAddress, error) {
	seen := make(map[interfaces.MemberID]bool)
	var peers []interfaces.PeerAddress

	add := func(addr interfaces.PeerAddress) {
		if addr.Member == self || seen[addr.Member] {
			return
		}
		seen[addr.Member] = true
		peers = append(peers, addr)
	}

	for _, addr := range d.static {
		add(addr)
	}

	if d.seed != "" {
		seeded, err := d.lookupSeed(ctx)
		if err != nil {
			if len(peers) == 0 {
				return nil, err
			}
			d.log.Warn("Seed lookup failed, proceeding with static peers",
				slog.String("seed", d.seed), "err", err)
		}
		for _, addr := range seeded {
			add(addr)
		}
	}

	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers discovered for member %s", self)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].Member < peers[j].Member })
	d.log.Debug("Discovered bootstrap peers",
		slog.Int("count", len(peers)), slog.String("seed", d.seed))
	return peers, nil
}

// lookupSeed queries the seed name for TXT records, retrying transient
// failures with exponential backoff until ctx expires.
func (d *Discovery) lookupSeed(ctx context.Context) ([]interfaces.PeerAddress, error) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.Question = make([]dns.Question, 1)
	msg.Question[0] = dns.Question{Name: dns.Fqdn(d.seed), Qtype: dns.TypeTXT, Qclass: dns.ClassINET}

	var answer *dns.Msg
	op := func() error {
		in, err := d.exchange(msg, d.server)
		if err != nil {
			return err
		}
		if in.Rcode != dns.RcodeSuccess {
			return fmt.Errorf("seed lookup returned %s", dns.RcodeToString[in.Rcode])
		}
		answer = in
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn("Seed lookup failed, retrying",
			slog.String("seed", d.seed),
			slog.Duration("backoff", wait),
			"err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		return nil, fmt.Errorf("resolving seed %s: %w", d.seed, err)
	}

	var peers []interfaces.PeerAddress
	for _, rr := range answer.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, record := range txt.Txt {
			addr, err := parseSeedRecord(record)
			if err != nil {
				d.log.Warn("Skipping malformed seed record",
					slog.String("record", record), "err", err)
				continue
			}
			peers = append(peers, addr)
		}
	}
	return peers, nil
}

// parseSeedRecord parses one TXT record: space-separated key=value fields
// with member and endpoint keys required.
func parseSeedRecord(record string) (interfaces.PeerAddress, error) {
	var addr interfaces.PeerAddress
	for _, field := range strings.Fields(record) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return addr, fmt.Errorf("field %q is not key=value", field)
		}
		switch key {
		case "member":
			index, err := strconv.ParseUint(value, 10, 8)
			if err != nil || index == 0 {
				return addr, fmt.Errorf("bad member index %q", value)
			}
			addr.Member = interfaces.MemberID(index)
		case "endpoint":
			addr.Endpoint = value
		}
	}
	if !addr.Member.Valid() || addr.Endpoint == "" {
		return addr, fmt.Errorf("record %q missing member or endpoint", record)
	}
	return addr, nil
}

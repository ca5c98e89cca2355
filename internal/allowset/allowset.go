// Package allowset builds the family-partitioned set of destination
// addresses and ranges permitted for egress. Identical inputs always
// produce identical element order, so a compiled ruleset built from a set
// can be hashed and compared across runs.
package allowset

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Family selects the address family of a set.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// Set is a deduplicated collection of addresses/CIDRs of one family.
type Set struct {
	family Family
	nets   map[string]*net.IPNet
}

// New creates an empty set for the given family.
func New(family Family) *Set {
	return &Set{family: family, nets: make(map[string]*net.IPNet)}
}

// Family returns the set's address family.
func (s *Set) Family() Family {
	return s.family
}

// Add inserts an IP or CIDR string. Entries of the wrong family or with
// invalid syntax are rejected with an error; the caller decides whether
// that is a warning (per-entry drop) or fatal.
func (s *Set) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("empty entry")
	}

	ipNet, err := parseEntry(entry)
	if err != nil {
		return err
	}

	isV6 := ipNet.IP.To4() == nil
	if isV6 != (s.family == FamilyV6) {
		return fmt.Errorf("entry %q does not match family %s", entry, s.family)
	}

	s.nets[canonical(ipNet)] = ipNet
	return nil
}

// parseEntry accepts either a bare address or a CIDR.
func parseEntry(entry string) (*net.IPNet, error) {
	if _, ipNet, err := net.ParseCIDR(entry); err == nil {
		// Normalize to the network address so 10.0.0.5/8 and 10.0.0.0/8
		// are the same element.
		ipNet.IP = ipNet.IP.Mask(ipNet.Mask)
		return ipNet, nil
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid address or cidr %q", entry)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// canonical renders a network in its stable element form: bare address for
// host entries, CIDR notation otherwise.
func canonical(n *net.IPNet) string {
	ones, bits := n.Mask.Size()
	if ones == bits {
		return n.IP.String()
	}
	return n.String()
}

// Len returns the number of distinct elements.
func (s *Set) Len() int {
	return len(s.nets)
}

// Contains reports whether ip falls inside any element of the set.
func (s *Set) Contains(ip net.IP) bool {
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Elements returns the canonical, stably sorted element list. The sort is
// by network address bytes, then by prefix length, so output never depends
// on insertion order.
func (s *Set) Elements() []string {
	type elem struct {
		key string
		net *net.IPNet
	}
	elems := make([]elem, 0, len(s.nets))
	for k, n := range s.nets {
		elems = append(elems, elem{k, n})
	}

	sort.Slice(elems, func(i, j int) bool {
		a, b := elems[i].net, elems[j].net
		if c := bytes.Compare(a.IP.To16(), b.IP.To16()); c != 0 {
			return c < 0
		}
		aOnes, _ := a.Mask.Size()
		bOnes, _ := b.Mask.Size()
		return aOnes < bOnes
	})

	out := make([]string, len(elems))
	for i, e := range elems {
		out[i] = e.key
	}
	return out
}

// Pair bundles the v4 and v6 sets produced by one compile cycle.
type Pair struct {
	V4 *Set
	V6 *Set
}

// NewPair creates an empty pair.
func NewPair() Pair {
	return Pair{V4: New(FamilyV4), V6: New(FamilyV6)}
}

// Add routes an entry to the correct family set. Malformed entries are
// returned as an error for the caller to log and drop.
func (p Pair) Add(entry string) error {
	ipNet, err := parseEntry(strings.TrimSpace(entry))
	if err != nil {
		return err
	}
	if ipNet.IP.To4() == nil {
		return p.V6.Add(entry)
	}
	return p.V4.Add(entry)
}

package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var routerIDPattern = regexp.MustCompile(`^Rx\d+y\d+$`)

const (
	reservedTunA = "tunA"
	reservedTunB = "tunB"
)

// linkKey is a parsed "A_B" links map key.
type linkKey struct {
	A, B string
	raw  string
}

// Validate runs every rule from spec.md §6 and returns an aggregated
// error (via hashicorp/go-multierror) naming every offending field,
// or nil if the configuration is acceptable.
func (c *Config) Validate() error {
	var errs *multierror.Error

	routerSet := make(map[string]bool, len(c.Routers))
	for _, r := range c.Routers {
		if !routerIDPattern.MatchString(r) {
			errs = multierror.Append(errs, fmt.Errorf("routers: %q does not match the Rx<n>y<n> grammar", r))
			continue
		}
		if routerSet[r] {
			errs = multierror.Append(errs, fmt.Errorf("routers: %q declared more than once", r))
		}
		routerSet[r] = true
	}

	errs = c.validateIngress(errs, routerSet)
	errs = c.validateLinks(errs, routerSet)
	errs = c.validateReachability(errs, routerSet)

	if errs != nil {
		return errs.ErrorOrNil()
	}
	return nil
}

func (c *Config) validateIngress(errs *multierror.Error, routerSet map[string]bool) *multierror.Error {
	checkIngress := func(field, id string) {
		if id == "" {
			errs = multierror.Append(errs, fmt.Errorf("tun_ingress: %s is required", field))
			return
		}
		if !routerIDPattern.MatchString(id) {
			errs = multierror.Append(errs, fmt.Errorf("tun_ingress.%s: %q does not match the RouterID grammar", field, id))
			return
		}
		if !routerSet[id] {
			errs = multierror.Append(errs, fmt.Errorf("tun_ingress.%s: router %q not declared in routers", field, id))
		}
	}
	checkIngress("tun_a_ingress", c.TunIngress.TunAIngress)
	checkIngress("tun_b_ingress", c.TunIngress.TunBIngress)
	return errs
}

func (c *Config) validateLinks(errs *multierror.Error, routerSet map[string]bool) *multierror.Error {
	seen := make(map[string]LinkEntry) // normalized "lo_hi" -> first-seen entry
	anchorPartner := map[string]string{reservedTunA: "", reservedTunB: ""}
	for rawKey, entry := range c.Links {
		key, err := parseLinkKey(rawKey)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("links[%s]: %w", rawKey, err))
			continue
		}
		var anchor, partner string
		switch {
		case key.A == reservedTunA || key.A == reservedTunB:
			anchor, partner = key.A, key.B
		case key.B == reservedTunA || key.B == reservedTunB:
			anchor, partner = key.B, key.A
		}
		for _, id := range [2]string{key.A, key.B} {
			if id == reservedTunA || id == reservedTunB {
				continue // anchors are valid link endpoints
			}
			if !routerSet[id] {
				errs = multierror.Append(errs, fmt.Errorf("links[%s]: router %q not declared in routers", rawKey, id))
			}
		}
		if anchor != "" {
			// An anchor is a terminal attachment point, not a transit node:
			// it may appear in exactly one link, to its configured ingress
			// router (spec.md §4.2's "ingress router" for that TUN).
			if existing, ok := anchorPartner[anchor]; ok && existing != "" && existing != partner {
				errs = multierror.Append(errs, fmt.Errorf("links[%s]: anchor %q already linked to %q, anchors are single-homed", rawKey, anchor, existing))
			} else {
				anchorPartner[anchor] = partner
			}
			want := c.TunIngress.TunAIngress
			if anchor == reservedTunB {
				want = c.TunIngress.TunBIngress
			}
			if want != "" && partner != want {
				errs = multierror.Append(errs, fmt.Errorf("links[%s]: anchor %q must link to its configured ingress router %q, not %q", rawKey, anchor, want, partner))
			}
		}
		if entry.LossPercent < 0 || entry.LossPercent > 100 {
			errs = multierror.Append(errs, fmt.Errorf("links[%s]: loss_percent %v out of [0,100]", rawKey, entry.LossPercent))
		}
		if entry.MTU.Bytes() == 0 {
			errs = multierror.Append(errs, fmt.Errorf("links[%s]: mtu must be positive", rawKey))
		}
		// jitter exceeding base delay by more than an order of magnitude is
		// advisory only per spec.md §6 — never rejected, so not added to errs.

		norm := key.A + "_" + key.B
		if key.A > key.B {
			norm = key.B + "_" + key.A
		}
		if prior, ok := seen[norm]; ok {
			if prior != entry {
				errs = multierror.Append(errs, fmt.Errorf("links: %s and its reverse are both declared with different parameters", rawKey))
			}
		} else {
			seen[norm] = entry
		}
	}
	return errs
}

// validateReachability rejects topologies where a declared router is
// unreachable from either anchor (spec.md §3: "Configuration
// validation rejects topologies where any router is unreachable from
// either anchor"). It walks the same A_B/B_A link keys validateLinks
// already parses, independently of routing.Compute, so --check can
// catch this at load time without building a full fabric.
func (c *Config) validateReachability(errs *multierror.Error, routerSet map[string]bool) *multierror.Error {
	adjacency := make(map[string][]string)
	for rawKey := range c.Links {
		key, err := parseLinkKey(rawKey)
		if err != nil {
			continue // already reported by validateLinks
		}
		adjacency[key.A] = append(adjacency[key.A], key.B)
		adjacency[key.B] = append(adjacency[key.B], key.A)
	}

	reachableFrom := func(start string) map[string]bool {
		visited := map[string]bool{start: true}
		queue := []string{start}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			for _, next := range adjacency[node] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		return visited
	}

	fromA := reachableFrom(reservedTunA)
	fromB := reachableFrom(reservedTunB)

	routers := make([]string, 0, len(routerSet))
	for r := range routerSet {
		routers = append(routers, r)
	}
	sort.Strings(routers)
	for _, r := range routers {
		switch {
		case !fromA[r] && !fromB[r]:
			errs = multierror.Append(errs, fmt.Errorf("routers: %q is unreachable from both anchors", r))
		case !fromA[r]:
			errs = multierror.Append(errs, fmt.Errorf("routers: %q is unreachable from tunA", r))
		case !fromB[r]:
			errs = multierror.Append(errs, fmt.Errorf("routers: %q is unreachable from tunB", r))
		}
	}
	return errs
}

func parseLinkKey(raw string) (linkKey, error) {
	parts := strings.SplitN(raw, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return linkKey{}, fmt.Errorf("link key must have the form A_B")
	}
	// Router identities themselves may contain no underscore (grammar is
	// Rx<digit>+y<digit>+), so a plain split on the first underscore is
	// ambiguous only when an endpoint is itself "Rx..._y..." which the
	// grammar forbids; tunA/tunB likewise contain no underscore.
	return linkKey{A: parts[0], B: parts[1], raw: raw}, nil
}

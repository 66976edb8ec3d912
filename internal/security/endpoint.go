package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames rejected outright, before any address check. Cloud metadata
// endpoints in particular must never be reachable through a user-supplied
// link.
var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
}

// ValidateEndpointURL judges whether a user-supplied URL is safe to hand
// to other users or to fetch server-side. Chat media links pass through
// here: the counterparty's client will dereference them, so anything
// pointing into private address space is rejected. Both the literal host
// and its DNS resolutions are checked.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()

	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	// An IP literal is judged directly; no DNS involved.
	if ip := net.ParseIP(host); ip != nil {
		return rejectInternalIP(ip)
	}

	// A hostname is only as safe as everything it resolves to.
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		resolved := net.ParseIP(ipStr)
		if resolved == nil {
			continue
		}
		if err := rejectInternalIP(resolved); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}

	return nil
}

func rejectInternalIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}

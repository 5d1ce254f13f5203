package smtp

import "regexp"

// The four argument grammars named in spec.md §4.3: IPv4 dotted-quad,
// IPv6 (full or compressed), domain, and email (local@domain using the
// same domain shape). Kept as package-level compiled regexes rather than
// a hand-written validator per the design notes' explicit permission to
// use regex here.
var (
	ipv4LiteralRE = regexp.MustCompile(`^(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)(\.(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)){3}$`)

	// IPv6 full and compressed forms. This intentionally does not attempt
	// to cover every RFC 4291 edge case (e.g. embedded IPv4 tails); domain
	// literal validation beyond this is out of scope per spec.md §1.
	ipv6LiteralRE = regexp.MustCompile(`^(([0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}|([0-9A-Fa-f]{1,4}:)*[0-9A-Fa-f]{1,4}::([0-9A-Fa-f]{1,4}:)*[0-9A-Fa-f]{0,4}|::([0-9A-Fa-f]{1,4}:)*[0-9A-Fa-f]{1,4}|::)$`)

	domainRE = regexp.MustCompile(`^[a-zA-Z0-9]+(\.[a-zA-Z]{2,})+$`)

	emailRE = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9]+(\.[a-zA-Z]{2,})+$`)
)

// IsIPv4Literal reports whether s is a dotted-quad IPv4 literal.
func IsIPv4Literal(s string) bool { return ipv4LiteralRE.MatchString(s) }

// IsIPv6Literal reports whether s is an IPv6 literal, full or compressed.
func IsIPv6Literal(s string) bool { return ipv6LiteralRE.MatchString(s) }

// IsDomain reports whether s is a syntactically valid domain name.
func IsDomain(s string) bool { return domainRE.MatchString(s) }

// IsEmail reports whether s is a syntactically valid local@domain address.
func IsEmail(s string) bool { return emailRE.MatchString(s) }

// IsHELOArgument reports whether s is valid as a HELO argument: a domain.
func IsHELOArgument(s string) bool { return IsDomain(s) }

// IsEHLOArgument reports whether s is valid as an EHLO argument: a domain
// or an IPv4/IPv6 literal.
func IsEHLOArgument(s string) bool {
	return IsDomain(s) || IsIPv4Literal(s) || IsIPv6Literal(s)
}

// SplitDomainLocal splits an email address into (local, domain). The
// caller must have already validated the address with IsEmail.
func SplitDomainLocal(addr string) (local, domain string) {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}

// Package validation provides input validation for configuration values.
package validation

import (
	"fmt"
	"net/netip"
	"strings"
	"unicode"

	"github.com/xtxerr/feedrec/internal/record"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for a name.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// ChannelNameRules returns the rules for channel and group names. They
// appear in logs and metric labels.
func ChannelNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// InstrumentRules returns the rules for instrument identifiers. They name
// a directory level of the storage tree.
func InstrumentRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    record.SymbolSize,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateChannelName validates a channel or group name.
func ValidateChannelName(name string) error {
	return ValidateName(name, ChannelNameRules())
}

// ValidateInstrument validates an instrument identifier.
func ValidateInstrument(name string) error {
	return ValidateName(name, InstrumentRules())
}

// =============================================================================
// Address Validation
// =============================================================================

// ValidatePort checks a UDP port. Zero is allowed only when allowZero is
// set.
func ValidatePort(port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

// ValidateBindAddress checks a local bind address. Empty means any
// address. IPv4 literals are checked here; host names are resolved at
// bind time.
func ValidateBindAddress(addr string) error {
	if addr == "" {
		return nil
	}
	if ip, err := netip.ParseAddr(addr); err == nil {
		if !ip.Is4() {
			return fmt.Errorf("%s is not an IPv4 address", addr)
		}
		return nil
	}
	return ValidateHostName(addr)
}

// ValidateHostName checks RFC 1123 host name syntax.
func ValidateHostName(host string) error {
	if host == "" {
		return fmt.Errorf("host name cannot be empty")
	}
	if len(host) > 253 {
		return fmt.Errorf("host name too long: maximum 253 characters")
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid host name label %q", label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("host name label %q cannot start or end with '-'", label)
		}
		for _, r := range label {
			if r >= unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
				return fmt.Errorf("invalid character '%c' in host name", r)
			}
		}
	}
	return nil
}

// ValidateMulticastInterface checks the interface address of a multicast
// channel. It must be an IPv4 literal or empty.
func ValidateMulticastInterface(addr string) error {
	if addr == "" {
		return nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("interface %q is not an IPv4 address", addr)
	}
	return nil
}

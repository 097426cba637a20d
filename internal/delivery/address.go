package delivery

import (
	"net/mail"
	"regexp"
	"strings"
)

var e164 = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizePhone strips common separators from a phone number.
func NormalizePhone(s string) string {
	return phoneSeparators.Replace(strings.TrimSpace(s))
}

// ValidAddress reports whether addr has a deliverable shape for medium.
func ValidAddress(medium Medium, addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	switch medium {
	case Email:
		return validEmail(addr)
	case SMS, Voice:
		return e164.MatchString(NormalizePhone(addr))
	case Push:
		return true
	default:
		return false
	}
}

// validEmail accepts a single bare address whose domain contains a dot.
// Display-name forms ("Ann <a@b.c>") are rejected.
func validEmail(addr string) bool {
	a, err := mail.ParseAddress(addr)
	if err != nil || a.Address != addr {
		return false
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return false
	}
	domain := addr[at+1:]
	dot := strings.IndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}

package urlnorm

import (
	"net/url"
	"strings"
)

// AggregatorHost is the listing aggregator whose URLs carry the listing id in
// the "udbud" query parameter.
const AggregatorHost = "boligsiden.dk"

// ValidationError explains why a URL cannot be analyzed. Message is in Danish
// and safe to show to end users.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "urlnorm: " + e.Message }

// User-facing validation messages.
const (
	MsgNotForSale        = "Linket ser ud til at være en bolig der ikke er til salg."
	MsgMissingListingID  = "Linket skal indeholde en udbuds-ID (udbud=...)"
	MsgUnsupportedDomain = "Linket skal være fra en understøttet boligportal. Se listen over understøttede portaler på forsiden."
)

// ValidateListing checks listing-specific rules on an already parsed URL.
// supported reports whether a host (without "www.") has a content provider.
func ValidateListing(u *url.URL, supported func(host string) bool) error {
	if strings.Contains(strings.ToLower(u.Path), "viewpage") {
		return &ValidationError{Message: MsgNotForSale}
	}
	host := Host(u)
	if host == AggregatorHost && u.Query().Get("udbud") == "" {
		return &ValidationError{Message: MsgMissingListingID}
	}
	if supported != nil && !supported(host) {
		return &ValidationError{Message: MsgUnsupportedDomain}
	}
	return nil
}

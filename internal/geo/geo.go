// Package geo classifies source addresses and looks up their location and network owner.
package geo

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// Result is one provider answer for an address. Empty strings mean the
// provider did not report the field.
type Result struct {
	Country     string
	CountryCode string
	Region      string // region code
	RegionName  string
	City        string
	Zip         string
	Latitude    float64
	Longitude   float64
	Timezone    string
	ISP         string
	Org         string
	ASNumber    *int64 // nil when the AS text carried no number
	ASOrg       string
	ReverseDNS  string
	Mobile      bool
	Proxy       bool
	Hosting     bool
}

// Provider fetches geo data for one address. ok is false on any failure:
// transport errors, bad responses and provider-side "fail" answers alike.
type Provider interface {
	Fetch(ctx context.Context, address string) (res Result, ok bool)
}

var asPattern = regexp.MustCompile(`^AS(\d+)\s*(.*)$`)

// ParseAS splits "AS15169 Google LLC" into 15169 and "Google LLC". Text
// without a leading AS<digits> is returned whole as the organization.
func ParseAS(text string) (number *int64, org string) {
	text = strings.TrimSpace(text)
	m := asPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, text
	}
	org = strings.TrimSpace(m[2])
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, org
	}
	return &n, org
}

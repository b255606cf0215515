package geo

import (
	"context"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// MaxMind answers lookups from local GeoLite2 City and ASN databases, with
// optional reverse DNS for the hostname field.
type MaxMind struct {
	geoDB *geoip2.Reader
	asnDB *geoip2.Reader
	dns   *DNSResolver
	log   zerolog.Logger
	mu    sync.RWMutex
}

// NewMaxMind opens the MaxMind DBs. geoPath and asnPath can be "" to skip one of them.
func NewMaxMind(geoPath, asnPath string, dns *DNSResolver, log zerolog.Logger) (*MaxMind, error) {
	m := &MaxMind{log: log, dns: dns}
	if geoPath != "" {
		db, err := geoip2.Open(geoPath)
		if err != nil {
			return nil, err
		}
		m.geoDB = db
	}
	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			if m.geoDB != nil {
				_ = m.geoDB.Close()
			}
			return nil, err
		}
		m.asnDB = db
	}
	return m, nil
}

// Close closes DBs.
func (m *MaxMind) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.geoDB != nil {
		_ = m.geoDB.Close()
		m.geoDB = nil
	}
	if m.asnDB != nil {
		_ = m.asnDB.Close()
		m.asnDB = nil
	}
	return nil
}

// Fetch reads the address from whichever DBs are open. ok is false when
// neither DB knows the address.
func (m *MaxMind) Fetch(ctx context.Context, address string) (Result, bool) {
	ip := net.ParseIP(address)
	if ip == nil {
		return Result{}, false
	}
	var res Result
	found := false

	m.mu.RLock()
	if m.asnDB != nil {
		asn, err := m.asnDB.ASN(ip)
		if err != nil {
			m.log.Debug().Err(err).Str("ip", address).Msg("asn lookup")
		} else if asn.AutonomousSystemNumber != 0 || asn.AutonomousSystemOrganization != "" {
			found = true
			if asn.AutonomousSystemNumber != 0 {
				n := int64(asn.AutonomousSystemNumber)
				res.ASNumber = &n
			}
			res.ASOrg = asn.AutonomousSystemOrganization
			res.Org = asn.AutonomousSystemOrganization
			res.ISP = asn.AutonomousSystemOrganization
		}
	}
	if m.geoDB != nil {
		city, err := m.geoDB.City(ip)
		if err != nil {
			m.log.Debug().Err(err).Str("ip", address).Msg("city lookup")
		} else if city.Country.IsoCode != "" || city.Location.Latitude != 0 || city.Location.Longitude != 0 {
			found = true
			setCity(&res, city)
		}
	}
	m.mu.RUnlock()

	if !found {
		return Result{}, false
	}
	if m.dns != nil {
		res.ReverseDNS = m.dns.LookupPTR(ctx, ip)
	}
	return res, true
}

func setCity(res *Result, city *geoip2.City) {
	if len(city.Country.IsoCode) == 2 {
		res.CountryCode = city.Country.IsoCode
	}
	res.Country = city.Country.Names["en"]
	if len(city.Subdivisions) > 0 {
		res.Region = city.Subdivisions[0].IsoCode
		res.RegionName = city.Subdivisions[0].Names["en"]
	}
	res.City = city.City.Names["en"]
	res.Zip = city.Postal.Code
	res.Latitude = city.Location.Latitude
	res.Longitude = city.Location.Longitude
	res.Timezone = city.Location.TimeZone
	res.Proxy = city.Traits.IsAnonymousProxy
}

package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Locator maps a network address to an ISO country code, or "" when unknown.
type Locator interface {
	Country(ip string) string
}

type Nop struct{}

func (Nop) Country(string) string { return "" }

type GeoIP struct {
	dbFile string
	conn   *geoip2.Reader
}

func Open(dbFile string) (*GeoIP, error) {
	conn, err := geoip2.Open(dbFile)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &GeoIP{
		dbFile: dbFile,
		conn:   conn,
	}, nil
}

func (g *GeoIP) Country(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ""
	}
	record, err := g.conn.Country(addr)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func (g *GeoIP) Close() error {
	return g.conn.Close()
}

// OpenOrNop opens dbFile when it is set and falls back to a locator that knows nothing.
func OpenOrNop(dbFile string) (Locator, error) {
	if dbFile == "" {
		return Nop{}, nil
	}
	return Open(dbFile)
}

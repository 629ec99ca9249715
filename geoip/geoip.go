// Package geoip resolves a sender IP to an ISO country code using a local
// MaxMind database. Lookups are advisory: any failure means "no signal" so
// the spam checks can carry on without it.
package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/pkg/metrics"
)

// Resolver wraps an open GeoIP country database. A nil Resolver is valid
// and resolves nothing.
type Resolver struct {
	reader *geoip2.Reader
}

// Open loads the configured database. Disabled or missing configuration
// yields a nil Resolver and no error.
func Open(cfg config.GeoIPConfig) (*Resolver, error) {
	if !cfg.Enabled || cfg.Path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Resolver{reader: reader}, nil
}

// Country returns the ISO 3166-1 country code for an IP, or "" when the
// lookup yields nothing.
func (r *Resolver) Country(ip string) string {
	if r == nil || r.reader == nil {
		return ""
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		metrics.GeoIPLookups.WithLabelValues("invalid").Inc()
		return ""
	}

	record, err := r.reader.Country(parsed)
	if err != nil {
		logger.Debug("geoip lookup failed", "ip", ip, "error", err)
		metrics.GeoIPLookups.WithLabelValues("error").Inc()
		return ""
	}
	if record.Country.IsoCode == "" {
		metrics.GeoIPLookups.WithLabelValues("miss").Inc()
		return ""
	}
	metrics.GeoIPLookups.WithLabelValues("hit").Inc()
	return record.Country.IsoCode
}

// Close releases the database. Safe on a nil Resolver.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// IsPrivate reports whether the IP is private, loopback or link-local.
// Such addresses come from internal delivery paths and carry no
// reputation signal.
func IsPrivate(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast()
}

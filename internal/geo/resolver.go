package geo

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/sirupsen/logrus"
	"github.com/xandeum/pnode-monitor/internal/models"
)

const (
	defaultGeoLiteDBPath   = "data/GeoLite2-City.mmdb"
	defaultGeoLiteDownload = "https://github.com/P3TERX/GeoLite.mmdb/raw/download/GeoLite2-City.mmdb"
	defaultDownloadTimeout = 60 * time.Second
)

// Options configures a Resolver.
type Options struct {
	DBPath          string
	DownloadURL     string
	AutoDownload    bool
	DownloadTimeout time.Duration
}

// Resolver enriches pNodes with geolocation from their advertised network
// address using a local GeoLite2 City database. Lookups are cached in
// memory for the lifetime of the process.
type Resolver struct {
	logger        *logrus.Logger
	db            *geoip2.Reader
	dnsLookup     func(string) ([]net.IP, error)
	lookupGeoByIP func(string) (*models.GeoLocation, error)

	mu    sync.RWMutex
	cache map[string]*models.GeoLocation
}

// NewResolver opens the GeoLite2 City database, downloading it first when
// it is missing and auto-download is enabled.
func NewResolver(opts Options, logger *logrus.Logger) (*Resolver, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts = withDefaults(opts)
	if err := ensureGeoLiteDatabase(opts, logger); err != nil {
		return nil, err
	}

	db, err := geoip2.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoLite DB at %s: %w", opts.DBPath, err)
	}

	r := &Resolver{
		logger:    logger,
		db:        db,
		dnsLookup: net.LookupIP,
		cache:     make(map[string]*models.GeoLocation),
	}
	r.lookupGeoByIP = r.lookupGeoLiteIP
	return r, nil
}

func withDefaults(opts Options) Options {
	if strings.TrimSpace(opts.DBPath) == "" {
		opts.DBPath = defaultGeoLiteDBPath
	}
	if strings.TrimSpace(opts.DownloadURL) == "" {
		opts.DownloadURL = defaultGeoLiteDownload
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = defaultDownloadTimeout
	}
	return opts
}

func ensureGeoLiteDatabase(opts Options, logger *logrus.Logger) error {
	if _, err := os.Stat(opts.DBPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to access GeoLite DB path %s: %w", opts.DBPath, err)
	}

	if !opts.AutoDownload {
		return fmt.Errorf("GeoLite DB not found at %s and auto-download is disabled", opts.DBPath)
	}

	logger.WithFields(logrus.Fields{
		"path": opts.DBPath,
		"url":  opts.DownloadURL,
	}).Info("GeoLite DB missing; downloading")

	if err := downloadFile(opts.DownloadURL, opts.DBPath, opts.DownloadTimeout); err != nil {
		return fmt.Errorf("failed to download GeoLite DB: %w", err)
	}

	logger.WithField("path", opts.DBPath).Info("GeoLite DB downloaded")
	return nil
}

func downloadFile(url, destination string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}

	tmpPath := destination + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, destination)
}

// Close releases the underlying GeoLite reader.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// EnrichPNode resolves the node's peer address against GeoLite data.
func (r *Resolver) EnrichPNode(node *models.PNode) error {
	if node == nil {
		return fmt.Errorf("node is nil")
	}
	host := normalizeHost(node.PeerID)
	if host == "" {
		return fmt.Errorf("no usable address for geolocation")
	}

	geo, err := r.resolveHostGeo(host)
	if err != nil {
		return err
	}

	node.Latitude = geo.Latitude
	node.Longitude = geo.Longitude
	node.CountryCode = geo.CountryCode
	node.City = geo.City
	return nil
}

// resolveHostGeo resolves a host (IP literal or DNS name) to geolocation.
func (r *Resolver) resolveHostGeo(host string) (*models.GeoLocation, error) {
	if geo, ok := r.cached(host); ok {
		return geo, nil
	}

	ip := host
	if net.ParseIP(host) == nil {
		ips, err := r.dnsLookup(host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host %s: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("host %s resolved with no IPs", host)
		}
		ip = pickIP(ips)
	}

	geo, err := r.lookupGeoByIP(ip)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[host] = geo
	r.mu.Unlock()
	return geo, nil
}

func (r *Resolver) lookupGeoLiteIP(ip string) (*models.GeoLocation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP: %s", ip)
	}
	record, err := r.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("GeoLite lookup failed for %s: %w", ip, err)
	}

	lat := record.Location.Latitude
	lng := record.Location.Longitude
	if lat == 0 && lng == 0 {
		return nil, fmt.Errorf("GeoLite record has no coordinates for %s", ip)
	}

	countryCode := strings.ToUpper(strings.TrimSpace(record.Country.IsoCode))
	if countryCode == "" {
		countryCode = "XX"
	}
	city := strings.TrimSpace(record.City.Names["en"])
	if city == "" {
		city = "Unknown"
	}

	return &models.GeoLocation{
		Latitude:    lat,
		Longitude:   lng,
		CountryCode: countryCode,
		City:        city,
	}, nil
}

func (r *Resolver) cached(host string) (*models.GeoLocation, bool) {
	r.mu.RLock()
	geo, ok := r.cache[host]
	r.mu.RUnlock()
	return geo, ok
}

func pickIP(ips []net.IP) string {
	for _, candidate := range ips {
		if candidate.To4() != nil {
			return candidate.String()
		}
	}
	return ips[0].String()
}

// normalizeHost strips scheme and port from an advertised peer address.
// Addresses that look like bare pubkeys rather than network endpoints are
// rejected.
func normalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimSuffix(host, "/")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	// A hostname needs at least one dot; anything else is likely a pubkey.
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}

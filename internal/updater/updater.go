package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"ipgeo/internal/geoip"

	"github.com/sirupsen/logrus"
)

// defaultMaxAge is how old a database file may get before a scheduled
// run downloads it again.
const defaultMaxAge = 24 * time.Hour

// Source names one database file and where to fetch it.
type Source struct {
	Name string
	URL  string
}

func defaultSources() []Source {
	return []Source{
		{Name: geoip.CityDatabase, URL: "https://github.com/P3TERX/GeoLite.mmdb/raw/download/GeoLite2-City.mmdb"},
		{Name: geoip.ASNDatabase, URL: "https://github.com/P3TERX/GeoLite.mmdb/raw/download/GeoLite2-ASN.mmdb"},
		{Name: geoip.RegionDatabase, URL: "https://github.com/ljxi/GeoCN/releases/download/Latest/GeoCN.mmdb"},
	}
}

// Updater downloads database files and swaps them into the data
// directory. Each file is fetched to a temporary path, verified, and
// renamed into place so a half-written download never replaces a good
// database.
type Updater struct {
	dataDir string
	logger  *logrus.Logger
	client  *http.Client
	maxAge  time.Duration
	sources []Source
	verify  func(name, path string) error
}

// New creates an updater for the given data directory.
func New(dataDir string, logger *logrus.Logger) *Updater {
	return &Updater{
		dataDir: dataDir,
		logger:  logger,
		client:  &http.Client{Timeout: 5 * time.Minute},
		maxAge:  defaultMaxAge,
		sources: defaultSources(),
		verify:  geoip.VerifyDatabase,
	}
}

// Run updates every database file that is missing or older than the
// freshness window; force updates all of them regardless of age. A
// failed file is logged and skipped so the others still update; the
// failures are joined into the returned error.
func (u *Updater) Run(ctx context.Context, force bool) error {
	if err := os.MkdirAll(u.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := u.ensureASNInfo(); err != nil {
		u.logger.Warnf("Failed to seed ASN info file: %v", err)
	}

	var errs []error
	for _, source := range u.sources {
		destPath := filepath.Join(u.dataDir, source.Name)

		if !force && !u.needsUpdate(destPath) {
			u.logger.Debugf("Database %s is fresh, skipping", source.Name)
			continue
		}

		if err := u.updateOne(ctx, source, destPath); err != nil {
			u.logger.Errorf("Failed to update %s: %v", source.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", source.Name, err))
			continue
		}
		u.logger.Infof("Successfully updated %s database", source.Name)
	}

	return errors.Join(errs...)
}

// needsUpdate reports whether the file is missing or past the
// freshness window.
func (u *Updater) needsUpdate(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > u.maxAge
}

func (u *Updater) updateOne(ctx context.Context, source Source, destPath string) error {
	tempPath := destPath + ".tmp"
	defer func() {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			u.logger.Warnf("Failed to remove temp file %s: %v", tempPath, err)
		}
	}()

	if err := u.download(ctx, source.URL, tempPath); err != nil {
		return err
	}

	if err := u.verify(source.Name, tempPath); err != nil {
		return fmt.Errorf("database verification failed: %w", err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		return fmt.Errorf("failed to move database into place: %w", err)
	}
	return nil
}

// download fetches one URL to the given path.
func (u *Updater) download(ctx context.Context, url, path string) error {
	u.logger.Debugf("Downloading from URL: %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download database: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download database: HTTP %d", resp.StatusCode)
	}

	outFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create database file: %w", err)
	}

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		outFile.Close()
		return fmt.Errorf("failed to write database file: %w", err)
	}
	return outFile.Close()
}

// ensureASNInfo seeds an empty ASN directory file when none exists, so
// a fresh data directory loads without warnings.
func (u *Updater) ensureASNInfo() error {
	path := filepath.Join(u.dataDir, geoip.ASNInfoFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	u.logger.Info("ASN info file not found, creating empty file")
	return os.WriteFile(path, []byte("{}"), 0644)
}

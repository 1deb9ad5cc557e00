// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/servicebus/lib/ipc"
)

// ManifestFile is the name of the manifest inside each application
// directory of a catalog.
const ManifestFile = "manifest.json"

// Manifest describes one application, or a package of several. It is
// authored as JSONC: JSON with comments and trailing commas.
type Manifest struct {
	Name         string                `json:"name"`
	DisplayName  string                `json:"display_name,omitempty"`
	Executable   string                `json:"executable,omitempty"`
	ProcessGroup string                `json:"process_group,omitempty"`
	Sandboxed    bool                  `json:"sandboxed,omitempty"`
	Capabilities ManifestCapabilities  `json:"capabilities"`
	Applications []ManifestApplication `json:"applications,omitempty"`
}

// ManifestCapabilities is the JSON form of a capability spec.
type ManifestCapabilities struct {
	Required map[string]ManifestRequest `json:"required,omitempty"`
	Provided map[string][]string        `json:"provided,omitempty"`
}

type ManifestRequest struct {
	Classes    []string `json:"classes,omitempty"`
	Interfaces []string `json:"interfaces,omitempty"`
}

// ManifestApplication is an application served by its package's
// executable.
type ManifestApplication struct {
	Name         string               `json:"name"`
	DisplayName  string               `json:"display_name,omitempty"`
	Capabilities ManifestCapabilities `json:"capabilities"`
}

// Spec converts c to wire form.
func (c ManifestCapabilities) Spec() ipc.CapabilitySpec {
	spec := ipc.CapabilitySpec{Provided: c.Provided}
	if len(c.Required) > 0 {
		spec.Required = make(map[string]ipc.CapabilityRequest, len(c.Required))
		for target, request := range c.Required {
			spec.Required[target] = ipc.CapabilityRequest{Classes: request.Classes, Interfaces: request.Interfaces}
		}
	}
	return spec
}

// ParseManifest parses JSONC manifest data and validates it.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ReadManifest reads and parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}

// Validate checks names and capability specs, reporting every problem.
func (m *Manifest) Validate() error {
	var errs []error
	if _, err := ParseName(m.Name); err != nil {
		errs = append(errs, fmt.Errorf("name: %w", err))
	}
	if m.Executable == "" {
		errs = append(errs, fmt.Errorf("%s: executable is required", m.Name))
	}
	if _, err := NewCapabilitySpec(m.Capabilities.Spec()); err != nil {
		errs = append(errs, fmt.Errorf("%s capabilities: %w", m.Name, err))
	}
	seen := map[string]bool{m.Name: true}
	for _, app := range m.Applications {
		if _, err := ParseName(app.Name); err != nil {
			errs = append(errs, fmt.Errorf("applications: %w", err))
			continue
		}
		if seen[app.Name] {
			errs = append(errs, fmt.Errorf("applications: %s listed twice", app.Name))
		}
		seen[app.Name] = true
		if _, err := NewCapabilitySpec(app.Capabilities.Spec()); err != nil {
			errs = append(errs, fmt.Errorf("%s capabilities: %w", app.Name, err))
		}
	}
	return errors.Join(errs...)
}

// catalogEntry is what the catalog knows about one name.
type catalogEntry struct {
	response    ipc.ResolveResponse
	displayName string
}

// Catalog resolves servicebus: and exe: names from a directory of
// manifests, one application directory per manifest:
//
//	<dir>/<app>/manifest.json
//
// Relative executables are taken relative to binDir when it is set,
// otherwise to the manifest's directory. Names that appear in more
// than one manifest resolve to the one in the lexically first
// directory.
type Catalog struct {
	dir    string
	binDir string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]catalogEntry
}

// NewCatalog creates a catalog over dir and loads it. A missing
// directory is an empty catalog.
func NewCatalog(dir, binDir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{dir: dir, binDir: binDir, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rereads every manifest. A manifest that fails to parse is
// logged and skipped; the rest of the catalog still loads.
func (c *Catalog) Reload() error {
	dirEntries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		dirEntries = nil
	} else if err != nil {
		return fmt.Errorf("reading catalog %s: %w", c.dir, err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	entries := make(map[string]catalogEntry)
	for _, name := range names {
		appDir := filepath.Join(c.dir, name)
		manifest, err := ReadManifest(filepath.Join(appDir, ManifestFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			c.logger.Warn("skipping catalog manifest", "dir", appDir, "error", err)
			continue
		}
		c.add(entries, appDir, manifest)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.logger.Debug("catalog loaded", "dir", c.dir, "names", len(entries))
	return nil
}

func (c *Catalog) add(entries map[string]catalogEntry, appDir string, manifest *Manifest) {
	executable := manifest.Executable
	if !filepath.IsAbs(executable) {
		base := appDir
		if c.binDir != "" {
			base = c.binDir
		}
		executable = filepath.Join(base, executable)
	}

	put := func(name, displayName string, capabilities ManifestCapabilities) {
		if _, exists := entries[name]; exists {
			c.logger.Warn("duplicate catalog name", "name", name, "dir", appDir)
			return
		}
		entries[name] = catalogEntry{
			displayName: displayName,
			response: ipc.ResolveResponse{
				ResolvedName: manifest.Name,
				Spec:         capabilities.Spec(),
				Executable:   executable,
				ProcessGroup: manifest.ProcessGroup,
				Sandboxed:    manifest.Sandboxed,
			},
		}
	}
	put(manifest.Name, manifest.DisplayName, manifest.Capabilities)
	for _, app := range manifest.Applications {
		put(app.Name, app.DisplayName, app.Capabilities)
	}
}

// Resolve implements Resolver. Names are looked up by scheme and first
// component; anything after is the application's own business.
func (c *Catalog) Resolve(ctx context.Context, name string) (ipc.ResolveResponse, error) {
	parsed, err := ParseName(name)
	if err != nil {
		return ipc.ResolveResponse{}, err
	}
	if parsed.Scheme != "servicebus" && parsed.Scheme != "exe" {
		return ipc.ResolveResponse{}, fmt.Errorf("%w: %s (scheme %q is not cataloged)", ErrNotFound, name, parsed.Scheme)
	}

	c.mu.RLock()
	entry, ok := c.entries[parsed.Base()]
	c.mu.RUnlock()
	if !ok {
		return ipc.ResolveResponse{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	response := entry.response
	if response.ResolvedName == parsed.Base() {
		response.ResolvedName = name
	}
	return response, nil
}

// DisplayName returns the manifest display name for name, if any.
func (c *Catalog) DisplayName(name string) string {
	parsed, err := ParseName(name)
	if err != nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[parsed.Base()].displayName
}

// Names returns every cataloged name, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the catalog whenever something under its directory
// changes, until ctx ends. Application directories created after Watch
// starts are watched too. onReload, if set, is called after each
// reload.
func (c *Catalog) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watching %s: %w", c.dir, err)
	}
	c.watchAppDirs(watcher)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						c.logger.Warn("watching catalog entry", "dir", event.Name, "error", err)
					}
				}
			}
			if err := c.Reload(); err != nil {
				c.logger.Error("reloading catalog", "error", err)
				continue
			}
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("catalog watch error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Catalog) watchAppDirs(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(c.dir, entry.Name())
		if err := watcher.Add(dir); err != nil {
			c.logger.Warn("watching catalog entry", "dir", dir, "error", err)
		}
	}
}

package modelconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Save for incomplete or malformed endpoints.
var ErrInvalidConfig = errors.New("invalid model config")

// Holder owns the model config file and the snapshot built from it.
type Holder struct {
	current atomic.Pointer[Snapshot]
	path    string
	// mu serializes file writes and reloads.
	mu     sync.Mutex
	logger *slog.Logger
}

// NewHolder returns a holder for the file at path with an empty snapshot.
// Call Reload to read the file.
func NewHolder(path string) *Holder {
	h := &Holder{path: path, logger: slog.Default()}
	h.current.Store(NewSnapshot(nil))
	return h
}

func (h *Holder) Path() string {
	return h.path
}

// Current returns the snapshot in effect.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Reload reads the config file and swaps in a new snapshot. A missing file
// yields an empty snapshot. On a parse error the previous snapshot stays.
func (h *Holder) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloadLocked()
}

func (h *Holder) reloadLocked() error {
	endpoints, err := readFile(h.path)
	if err != nil {
		return err
	}
	snapshot := NewSnapshot(endpoints)
	h.current.Store(snapshot)

	for _, model := range snapshot.Models() {
		ep, _ := snapshot.Endpoint(model)
		h.logger.Info("model config loaded",
			"model", model,
			"api_url", ep.APIURL,
			"api_key_set", ep.APIKey != "",
		)
	}
	return nil
}

// readFile parses the {model: {api_url, api_key}} document at path.
func readFile(path string) (map[string]Endpoint, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]Endpoint{}, nil
		}
		return nil, errors.Wrapf(err, "failed to stat model config %s", path)
	}

	// Model names may contain dots, so the default key delimiter cannot be used.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read model config %s", path)
	}

	endpoints := map[string]Endpoint{}
	if err := v.Unmarshal(&endpoints); err != nil {
		return nil, errors.Wrapf(err, "failed to decode model config %s", path)
	}
	return endpoints, nil
}

// Save sets the endpoint of model, writes the file atomically and swaps in
// the resulting snapshot.
func (h *Holder) Save(model, apiURL, apiKey string) error {
	model = strings.TrimSpace(model)
	apiURL = strings.TrimSpace(apiURL)
	apiKey = strings.TrimSpace(apiKey)
	if model == "" || apiURL == "" || apiKey == "" {
		return errors.Wrap(ErrInvalidConfig, "model, api_url and api_key are required")
	}
	u, err := url.Parse(apiURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Wrapf(ErrInvalidConfig, "api_url %q is not an http(s) URL", apiURL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	endpoints := h.Current().clone()
	endpoints[strings.ToLower(model)] = Endpoint{APIURL: strings.TrimRight(apiURL, "/"), APIKey: apiKey}
	if err := writeFile(h.path, endpoints); err != nil {
		return err
	}
	h.current.Store(NewSnapshot(endpoints))
	h.logger.Info("model config saved", "model", model, "api_url", apiURL)
	return nil
}

func writeFile(path string, endpoints map[string]Endpoint) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(endpoints); err != nil {
		return errors.Wrap(err, "failed to encode model config")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create config directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp config file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to write model config")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to close model config")
	}
	// The file holds API keys.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to chmod model config")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to replace model config")
	}
	return nil
}

// Watch reloads the snapshot whenever the config file changes, until ctx is
// done. Bursts of events are coalesced. It blocks; run it in a goroutine.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file, which drops a file watch.
	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}
	target := filepath.Clean(h.path)

	const debounce = 100 * time.Millisecond
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("model config watcher error", "error", err)
		case <-timer.C:
			if err := h.Reload(); err != nil {
				h.logger.Warn("failed to reload model config, keeping previous", "path", h.path, "error", err)
			}
		}
	}
}

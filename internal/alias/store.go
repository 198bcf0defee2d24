// Package alias maps client-facing model names to concrete "provider:model"
// specs and hot-reloads the mapping when the aliases file changes.
//
// Readers always observe a complete snapshot: the mapping is parsed into a
// fresh map and swapped in with an atomic pointer store, so a Resolve racing
// a Reload sees either the whole old document or the whole new one, never a
// mix. A failed parse keeps the current snapshot; built-in defaults are used
// only when no snapshot has ever been loaded.
package alias

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// debounceDelay coalesces the write+rename event bursts editors produce.
const debounceDelay = 500 * time.Millisecond

// document is the on-disk shape: {aliases: {name: "provider:model" | {provider, model}}}.
type document struct {
	Aliases map[string]aliasValue `yaml:"aliases" json:"aliases"`
}

// aliasValue accepts either a spec string or a {provider, model} mapping.
type aliasValue struct {
	spec string
}

func (v *aliasValue) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		v.spec = s
		return nil
	}

	var m struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	if m.Provider == "" || m.Model == "" {
		return fmt.Errorf("alias entry needs provider and model")
	}
	v.spec = m.Provider + ":" + m.Model
	return nil
}

// Store resolves aliases against an atomically swapped snapshot.
type Store struct {
	snapshot atomic.Pointer[map[string]string]
	path     string
	watcher  *fsnotify.Watcher
	log      *slog.Logger
}

// DefaultAliases is used when the aliases file is missing or unparseable at
// first load. It maps the conventional tier names to sensible models.
var DefaultAliases = map[string]string{
	"fast":  "groq:llama3-8b-8192",
	"smart": "anthropic:claude-3-5-sonnet-20241022",
	"cheap": "openai:gpt-4o-mini",
}

// NewStore loads the aliases file at path. When path is empty or the first
// load fails, the store starts from DefaultAliases.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log}

	if path == "" {
		s.store(copyMap(DefaultAliases))
		return s
	}

	m, err := parseFile(path)
	if err != nil {
		log.Warn("aliases file unusable, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		s.store(copyMap(DefaultAliases))
		return s
	}
	s.store(m)
	return s
}

// Resolve returns the spec for name, or ("", false) when unknown.
func (s *Store) Resolve(name string) (string, bool) {
	m := s.snapshot.Load()
	if m == nil {
		return "", false
	}
	spec, ok := (*m)[name]
	return spec, ok
}

// List returns a copy of the current alias → spec mapping.
func (s *Store) List() map[string]string {
	m := s.snapshot.Load()
	if m == nil {
		return map[string]string{}
	}
	return copyMap(*m)
}

// Reload re-reads the aliases file and swaps in the new snapshot.
// On parse failure the current snapshot is kept and the error returned.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	m, err := parseFile(s.path)
	if err != nil {
		s.log.Error("alias reload failed, keeping current mapping",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.store(m)
	s.log.Info("aliases reloaded",
		slog.String("path", s.path),
		slog.Int("count", len(m)),
	)
	return nil
}

// Watch starts a file watcher that triggers Reload on writes to the aliases
// file. Returns immediately; the watch loop stops when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("alias: watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("alias: watch %s: %w", s.path, err)
	}
	s.watcher = watcher

	go s.watchLoop(ctx)
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = s.watcher.Close()
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() { _ = s.Reload() })
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("alias watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *Store) store(m map[string]string) {
	s.snapshot.Store(&m)
}

func parseFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes an aliases document (YAML, which also accepts JSON).
func Parse(data []byte) (map[string]string, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("alias: parse: %w", err)
	}
	if doc.Aliases == nil {
		return nil, fmt.Errorf("alias: document has no aliases key")
	}

	out := make(map[string]string, len(doc.Aliases))
	for name, v := range doc.Aliases {
		if v.spec == "" {
			return nil, fmt.Errorf("alias: empty spec for %q", name)
		}
		out[name] = v.spec
	}
	return out, nil
}

// SplitSpec splits "provider:model" into its parts. Model names may contain
// further colons (e.g. bedrock-style IDs); only the first splits.
func SplitSpec(spec string) (provider, model string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			if i == 0 || i == len(spec)-1 {
				return "", "", false
			}
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

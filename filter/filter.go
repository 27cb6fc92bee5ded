// Package filter evaluates delivery filters against callback argument maps.
// A subscription may carry one inline sigma rule selecting which emissions
// get forwarded; operators can additionally drop a mute-rule file into a
// watched directory to suppress noisy deliveries process-wide without
// touching any subscriber.
package filter

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sigma "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
)

// Rule is one compiled delivery filter.
type Rule struct {
	ID    string
	Title string
	eval  *evaluator.RuleEvaluator
}

// Compile parses and prepares a sigma rule given as YAML.
func Compile(yamlText string) (*Rule, error) {
	rule, err := sigma.ParseRule([]byte(yamlText))
	if err != nil {
		return nil, fmt.Errorf("failed to parse filter rule: %v", err)
	}
	return &Rule{
		ID:    rule.ID,
		Title: rule.Title,
		eval:  newEvaluator(rule),
	}, nil
}

func newEvaluator(rule sigma.Rule) *evaluator.RuleEvaluator {
	return evaluator.ForRule(rule,
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))
}

// Match evaluates the rule against one callback's field map. Evaluation
// errors count as no-match so a broken rule never blocks or floods anyone.
func (r *Rule) Match(ctx context.Context, fields map[string]interface{}) bool {
	result, err := r.eval.Matches(ctx, fields)
	if err != nil {
		log.Printf("Warning: filter rule %s evaluation: %v", r.ID, err)
		return false
	}
	return result.Match
}

// Store holds the mute rules loaded from a directory and hot-reloads them on
// file changes.
type Store struct {
	dir     string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	rules map[string]*Rule // by file path
}

// NewStore loads every .yml/.yaml rule under dir and watches it for changes.
// dir is created if missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory: %v", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}
	s := &Store{dir: dir, watcher: watcher, rules: make(map[string]*Rule)}
	if err := s.reload(); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %v", dir, err)
	}
	go s.watchChanges()
	return s, nil
}

func (s *Store) watchChanges() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := s.reload(); err != nil {
					log.Printf("Warning: failed to reload mute rules: %v", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Warning: rule watcher: %v", err)
		}
	}
}

func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read rules directory: %v", err)
	}
	rules := make(map[string]*Rule)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml")) {
			continue
		}
		path := filepath.Join(s.dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: failed to read rule file %s: %v", path, err)
			continue
		}
		rule, err := Compile(string(content))
		if err != nil {
			log.Printf("Warning: skipping rule file %s: %v", path, err)
			continue
		}
		rules[path] = rule
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	log.Printf("loaded %d mute rules from %s", len(rules), s.dir)
	return nil
}

// Muted reports whether any loaded rule matches the field map, in which case
// the delivery is dropped.
func (s *Store) Muted(ctx context.Context, fields map[string]interface{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Match(ctx, fields) {
			return true
		}
	}
	return false
}

// Count returns the number of loaded mute rules.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Close stops the watcher.
func (s *Store) Close() error {
	return s.watcher.Close()
}

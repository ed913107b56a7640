// Package approval implements the human-in-the-loop gate: policy evaluation,
// the pending-approval queue, decision application, and expiry sweeping.
package approval

import (
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rule is one ordered policy entry. SubjectPattern is a glob (`*`, `?`)
// matched case-insensitively against the tool or plan name.
type Rule struct {
	RequestType      string `yaml:"request_type"`
	SubjectPattern   string `yaml:"subject_pattern"`
	RequiresApproval bool   `yaml:"requires_approval"`
	Reason           string `yaml:"reason"`
}

// Policy is an ordered rule list with a fallback. First match wins.
type Policy struct {
	DefaultRequiresApproval bool   `yaml:"default_requires_approval"`
	Rules                   []Rule `yaml:"rules"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	RequiresApproval bool
	Reason           string
}

// Evaluate returns the first matching rule's verdict, or the default.
func (p *Policy) Evaluate(requestType, subject string) Decision {
	for _, r := range p.Rules {
		if r.RequestType != "" && !strings.EqualFold(r.RequestType, requestType) {
			continue
		}
		if matchGlob(r.SubjectPattern, subject) {
			return Decision{RequiresApproval: r.RequiresApproval, Reason: r.Reason}
		}
	}
	return Decision{RequiresApproval: p.DefaultRequiresApproval, Reason: "default policy"}
}

// matchGlob matches case-insensitively with `*` and `?` wildcards.
func matchGlob(pattern, subject string) bool {
	if pattern == "" {
		return false
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(subject))
	return err == nil && ok
}

// DefaultPolicy gates command execution and file writes, leaving read-only
// tools free.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultRequiresApproval: false,
		Rules: []Rule{
			{RequestType: "tool", SubjectPattern: "execute_command", RequiresApproval: true, Reason: "shell commands require review"},
			{RequestType: "tool", SubjectPattern: "write_file", RequiresApproval: true, Reason: "file writes require review"},
			{RequestType: "plan", SubjectPattern: "*", RequiresApproval: true, Reason: "plans require review before execution"},
		},
	}
}

// PolicyStore holds the process-wide policy and supports hot reload.
type PolicyStore struct {
	mu     sync.RWMutex
	policy *Policy
	path   string
}

// NewPolicyStore loads the policy file when path is non-empty, otherwise it
// starts with the built-in defaults.
func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{policy: DefaultPolicy(), path: path}
	if path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Current returns the active policy.
func (s *PolicyStore) Current() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Swap replaces the active policy programmatically.
func (s *PolicyStore) Swap(p *Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Reload re-reads the policy file and swaps it in atomically.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	p := &Policy{}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

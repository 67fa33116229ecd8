package policy

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RBACRole grants a set of tool-name glob patterns to any principal
// assigned the role.
type RBACRole struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// RBACDocument is the on-disk shape of an RBAC policy file: principal ->
// role names, plus the role definitions themselves.
type RBACDocument struct {
	Roles      []RBACRole          `yaml:"roles"`
	Principals map[string][]string `yaml:"principals"`
}

// RBACDecision is the outcome of evaluating one principal/tool pair.
type RBACDecision struct {
	Allowed        bool
	MatchedRole    string
	MatchedPattern string
}

var rbacCacheMu sync.Mutex
var rbacCache = map[string]rbacCacheEntry{}

type rbacCacheEntry struct {
	modTime time.Time
	doc     *RBACDocument
}

// loadRBACDocument reads and parses an RBAC policy file, caching by path and
// mtime so repeated admission checks in a hot loop don't re-parse YAML.
func loadRBACDocument(policyPath string) (*RBACDocument, error) {
	info, err := os.Stat(policyPath)
	if err != nil {
		return nil, fmt.Errorf("rbac policy %q: %w", policyPath, err)
	}

	rbacCacheMu.Lock()
	if entry, ok := rbacCache[policyPath]; ok && entry.modTime.Equal(info.ModTime()) {
		rbacCacheMu.Unlock()
		return entry.doc, nil
	}
	rbacCacheMu.Unlock()

	raw, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("rbac policy %q: %w", policyPath, err)
	}
	var doc RBACDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("rbac policy %q: invalid yaml: %w", policyPath, err)
	}

	rbacCacheMu.Lock()
	rbacCache[policyPath] = rbacCacheEntry{modTime: info.ModTime(), doc: &doc}
	rbacCacheMu.Unlock()

	return &doc, nil
}

// EvaluateRBAC authorizes `tool:<name>` for a principal against the roles
// file at policyPath. A principal with no recorded roles is denied.
func EvaluateRBAC(policyPath, principal, toolName string) (RBACDecision, error) {
	doc, err := loadRBACDocument(policyPath)
	if err != nil {
		return RBACDecision{}, err
	}

	roleNames, ok := doc.Principals[principal]
	if !ok {
		return RBACDecision{Allowed: false}, nil
	}

	target := "tool:" + NormalizeTool(toolName)
	roleByName := make(map[string]RBACRole, len(doc.Roles))
	for _, role := range doc.Roles {
		roleByName[role.Name] = role
	}

	for _, roleName := range roleNames {
		role, ok := roleByName[roleName]
		if !ok {
			continue
		}
		for _, pattern := range role.Patterns {
			matched, err := path.Match(pattern, target)
			if err != nil {
				return RBACDecision{}, fmt.Errorf("rbac policy %q: invalid pattern %q: %w", policyPath, pattern, err)
			}
			if matched {
				return RBACDecision{Allowed: true, MatchedRole: role.Name, MatchedPattern: pattern}, nil
			}
		}
	}

	return RBACDecision{Allowed: false, MatchedRole: roleNames[0]}, nil
}

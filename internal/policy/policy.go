// Package policy maps account roles to the capabilities the gateway checks
// before each route. The policy lives in policy.yaml and is swapped at
// runtime when the file changes.
package policy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

const (
	CapTasksRead      = "tasks.read"
	CapTasksWrite     = "tasks.write"
	CapTasksLifecycle = "tasks.lifecycle"
	CapTasksArchive   = "tasks.archive"
	CapActivitiesRead = "activities.read"
	CapStatsRead      = "stats.read"
	CapSettingsRead   = "settings.read"
	CapSettingsWrite  = "settings.write"
	CapUsersManage    = "users.manage"
)

// Capabilities lists every capability in a stable order.
var Capabilities = []string{
	CapTasksRead, CapTasksWrite, CapTasksLifecycle, CapTasksArchive,
	CapActivitiesRead, CapStatsRead, CapSettingsRead, CapSettingsWrite,
	CapUsersManage,
}

// Roles lists the account roles a policy may name.
var Roles = []string{"admin", "user"}

// Checker is what the gateway needs from a policy.
type Checker interface {
	Allow(role, capability string) bool
	PolicyVersion() string
}

// Policy is the policy.yaml document.
type Policy struct {
	Roles map[string][]string `yaml:"roles"`
}

// Default grants admins everything and users everything but account
// management.
func Default() Policy {
	user := slices.DeleteFunc(slices.Clone(Capabilities), func(c string) bool { return c == CapUsersManage })
	return Policy{Roles: map[string][]string{
		"admin": slices.Clone(Capabilities),
		"user":  user,
	}}
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func checkName(role, capability string) error {
	if !slices.Contains(Roles, norm(role)) {
		return fmt.Errorf("unknown role %q", role)
	}
	if capability != "" && !slices.Contains(Capabilities, norm(capability)) {
		return fmt.Errorf("unknown capability %q for role %s", capability, role)
	}
	return nil
}

// Load reads path. A missing or empty file yields Default; roles named in
// the file replace the default grants for that role only.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p := Default()
	for role, caps := range file.Roles {
		if err := checkName(role, ""); err != nil {
			return Policy{}, err
		}
		for _, c := range caps {
			if err := checkName(role, c); err != nil {
				return Policy{}, err
			}
		}
		p.Roles[norm(role)] = caps
	}
	return p, nil
}

func (p Policy) Allow(role, capability string) bool {
	c := norm(capability)
	return c != "" && slices.ContainsFunc(p.Roles[norm(role)], func(g string) bool { return norm(g) == c })
}

// PolicyVersion hashes the normalized grants, so two policies granting the
// same capabilities share a version regardless of order or case.
func (p Policy) PolicyVersion() string {
	roles := make([]string, 0, len(p.Roles))
	for r := range p.Roles {
		roles = append(roles, r)
	}
	slices.Sort(roles)
	h := fnv.New64a()
	for _, r := range roles {
		caps := make([]string, len(p.Roles[r]))
		for i, c := range p.Roles[r] {
			caps[i] = norm(c)
		}
		slices.Sort(caps)
		fmt.Fprintf(h, "%s=%s|", norm(r), strings.Join(caps, ","))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (p Policy) clone() Policy {
	cp := Policy{Roles: make(map[string][]string, len(p.Roles))}
	for r, caps := range p.Roles {
		cp.Roles[r] = slices.Clone(caps)
	}
	return cp
}

// compiled is an immutable lookup form of a Policy.
type compiled struct {
	src     Policy
	grants  map[string]map[string]bool
	version string
}

func compile(p Policy) *compiled {
	c := &compiled{src: p.clone(), grants: map[string]map[string]bool{}, version: p.PolicyVersion()}
	for r, caps := range p.Roles {
		set := map[string]bool{}
		for _, g := range caps {
			set[norm(g)] = true
		}
		c.grants[norm(r)] = set
	}
	return c
}

// LivePolicy is the policy in force. Reads are lock free; Grant, Revoke and
// Reload swap in a new compiled snapshot. When path is set, Grant and
// Revoke rewrite the file.
type LivePolicy struct {
	cur  atomic.Pointer[compiled]
	path string

	writeMu sync.Mutex
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	lp := &LivePolicy{path: path}
	lp.cur.Store(compile(initial))
	return lp
}

func (lp *LivePolicy) Allow(role, capability string) bool {
	c := norm(capability)
	return c != "" && lp.cur.Load().grants[norm(role)][c]
}

func (lp *LivePolicy) PolicyVersion() string { return lp.cur.Load().version }

// Snapshot returns a copy of the policy in force.
func (lp *LivePolicy) Snapshot() Policy { return lp.cur.Load().src.clone() }

// Reload installs p.
func (lp *LivePolicy) Reload(p Policy) { lp.cur.Store(compile(p)) }

// Grant adds capability to role. Granting a held capability is a no-op.
func (lp *LivePolicy) Grant(role, capability string) error {
	return lp.mutate(role, capability, func(caps []string, c string) ([]string, bool) {
		if slices.Contains(caps, c) {
			return caps, false
		}
		return append(caps, c), true
	})
}

// Revoke removes capability from role. Revoking an absent capability is a
// no-op.
func (lp *LivePolicy) Revoke(role, capability string) error {
	return lp.mutate(role, capability, func(caps []string, c string) ([]string, bool) {
		out := slices.DeleteFunc(caps, func(g string) bool { return norm(g) == c })
		return out, len(out) != len(caps)
	})
}

func (lp *LivePolicy) mutate(role, capability string, edit func([]string, string) ([]string, bool)) error {
	if capability == "" {
		return errors.New("capability is required")
	}
	if err := checkName(role, capability); err != nil {
		return err
	}
	role, capability = norm(role), norm(capability)

	lp.writeMu.Lock()
	defer lp.writeMu.Unlock()
	next := lp.Snapshot()
	caps, changed := edit(next.Roles[role], capability)
	if !changed {
		return nil
	}
	next.Roles[role] = caps
	if err := lp.save(next); err != nil {
		return err
	}
	lp.cur.Store(compile(next))
	return nil
}

// save writes p to a temp file beside path and renames it over path, so the
// config watcher never reads a half-written file.
func (lp *LivePolicy) save(p Policy) error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(lp.path), ".policy-*.yaml")
	if err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Rename(tmp.Name(), lp.path); err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}

// ReloadFromFile installs the policy at path only if it parses and
// validates. On error the previous policy stays in force.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return errors.New("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

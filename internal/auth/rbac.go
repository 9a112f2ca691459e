package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type rolePolicyEntry struct {
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

// LoadPermissionPolicy reads role grants from a YAML file. Two layouts are
// accepted: a list of {role, permissions} entries, or a map of role to
// permission list.
func LoadPermissionPolicy(path string) (*PermissionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	grants, err := parsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return NewPermissionPolicy(grants), nil
}

func parsePolicy(data []byte) (map[Role][]string, error) {
	raw := map[string][]string{}

	var list []rolePolicyEntry
	if err := yaml.Unmarshal(data, &list); err == nil {
		for _, entry := range list {
			raw[entry.Role] = append(raw[entry.Role], entry.Permissions...)
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("policy defines no roles")
	}

	grants := make(map[Role][]string, len(raw))
	for name, perms := range raw {
		role := Role(strings.TrimSpace(strings.ToLower(name)))
		if !role.Valid() {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		for _, perm := range perms {
			if perm = strings.TrimSpace(perm); perm != "" {
				grants[role] = append(grants[role], perm)
			}
		}
	}
	return grants, nil
}

package server

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pmarget/httptun/internal/config"
)

type userRecord struct {
	Login       string
	Password    string
	ACL         []*regexp.Regexp
	ACLPatterns []string
}

type userEntry struct {
	Login    string   `yaml:"login"`
	Password string   `yaml:"password"`
	ACLAllow []string `yaml:"acl_allow"`
}

func loadUsers(path string) (map[string]*userRecord, error) {
	var wrapper struct {
		Users []userEntry `yaml:"users"`
	}
	wrapErr := config.LoadYAML(path, &wrapper)
	entries := wrapper.Users
	if len(entries) == 0 {
		// Accept a bare top-level list as well as the users: wrapper.
		var bare []userEntry
		if err := config.LoadYAML(path, &bare); err == nil {
			entries = bare
		} else if wrapErr != nil {
			return nil, wrapErr
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("user config %q must define at least one user", path)
	}

	result := make(map[string]*userRecord, len(entries))
	for idx, entry := range entries {
		login := strings.TrimSpace(entry.Login)
		if login == "" {
			return nil, fmt.Errorf("user entry %d missing login", idx+1)
		}
		if entry.Password == "" {
			return nil, fmt.Errorf("user %q missing password", login)
		}
		if _, exists := result[login]; exists {
			return nil, fmt.Errorf("duplicate user login %q", login)
		}

		patterns := make([]string, 0, len(entry.ACLAllow))
		compiled := make([]*regexp.Regexp, 0, len(entry.ACLAllow))
		for idxPattern, pattern := range entry.ACLAllow {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("user %q acl_allow[%d]: %w", login, idxPattern, err)
			}
			patterns = append(patterns, pattern)
			compiled = append(compiled, re)
		}

		result[login] = &userRecord{
			Login:       login,
			Password:    entry.Password,
			ACL:         compiled,
			ACLPatterns: patterns,
		}
	}

	return result, nil
}

func compileACLs(patterns []string) ([]*regexp.Regexp, error) {
	acls := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile ACL %q: %w", pattern, err)
		}
		acls = append(acls, re)
	}
	return acls, nil
}

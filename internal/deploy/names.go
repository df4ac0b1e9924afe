package deploy

import (
	"fmt"
	"regexp"
	"strings"
)

var slugRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
var schemaRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
var domainRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

// Slug returns the lower case instance code used in container and
// database names
func Slug(code string) (string, error) {
	if !slugRe.MatchString(code) {
		return "", fmt.Errorf("invalid slug %q: must be alphanumeric, hyphens or underscores", code)
	}
	return strings.ToLower(code), nil
}

func validSchema(name string) error {
	if !schemaRe.MatchString(name) {
		return fmt.Errorf("invalid schema name %q", name)
	}
	return nil
}

func validDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRe.MatchString(domain) {
		return fmt.Errorf("invalid domain %q", domain)
	}
	return nil
}

// ContainerName is the compose container_name of service for an instance
func ContainerName(prefix, slug, service string) string {
	return prefix + "_" + slug + "_" + service
}

// DatabaseName is the postgres database of an instance
func DatabaseName(prefix, slug string) string {
	return prefix + "_" + slug
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[len(s)-n:], "")
}

// capOutput keeps the first n characters of s
func capOutput(s string, n int) string {
	if n <= 0 {
		return s
	}
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	}
	return stdout + "\n" + stderr
}

// Package validation checks values that reach a shell command or the
// file system before the dev server uses them.
package validation

import (
	"fmt"
	"net/url"
	"strings"
)

var shellMetacharacters = []string{";", "&", "|", "`", "$", "(", ")", "<", ">", "\"", "'", "\\", "\n", "\r"}

// ValidateURL accepts only absolute http(s) URLs that are safe to hand to
// a browser launcher.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}
	if err := rejectMetacharacters(rawURL); err != nil {
		return fmt.Errorf("URL %w", err)
	}
	if strings.Contains(rawURL, " ") {
		return fmt.Errorf("URL contains spaces")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a valid hostname")
	}
	return nil
}

// ValidateBrowser checks the dev_options.open value, which names the
// browser binary to launch.
func ValidateBrowser(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("browser name cannot be empty")
	}
	if err := rejectMetacharacters(name); err != nil {
		return fmt.Errorf("browser name %w", err)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("browser name contains path traversal: %s", name)
	}
	return nil
}

// ValidateRequestPath rejects request paths that try to leave the URL
// space: parent segments, backslashes and NUL bytes.
func ValidateRequestPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("request path %q must start with /", p)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("request path contains a NUL byte")
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("request path contains a backslash")
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return fmt.Errorf("path traversal detected: %s", p)
		}
	}
	return nil
}

func rejectMetacharacters(s string) error {
	for _, char := range shellMetacharacters {
		if strings.Contains(s, char) {
			return fmt.Errorf("contains dangerous character: %q", char)
		}
	}
	return nil
}

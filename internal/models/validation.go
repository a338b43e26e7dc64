package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/raeenos/raepkg/internal/version"
)

var (
	// Name pattern: 1-64 characters, lowercase alphanumeric with
	// hyphens/underscores/dots after the first character
	namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

	// Checksum pattern: sha256: followed by 64 hex characters
	checksumPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateName validates a package or repository name
func ValidateName(name string) error {
	if len(name) == 0 {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > 64 {
		return &ValidationError{Field: "name", Message: "name must be at most 64 characters"}
	}
	if !namePattern.MatchString(name) {
		return &ValidationError{Field: "name", Message: "name must match pattern ^[a-z0-9][a-z0-9._-]*$"}
	}
	return nil
}

// ValidateVersionString validates a version string
func ValidateVersionString(ver string) error {
	if len(ver) == 0 {
		return &ValidationError{Field: "version", Message: "version is required"}
	}
	if _, err := version.Parse(ver); err != nil {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("version %q is not valid: %v", ver, err)}
	}
	return nil
}

// ValidateChecksum validates SHA256 checksum format
func ValidateChecksum(checksum string) error {
	if len(checksum) == 0 {
		return &ValidationError{Field: "sha256", Message: "checksum is required"}
	}
	if !checksumPattern.MatchString(checksum) {
		return &ValidationError{Field: "sha256", Message: "checksum must match format sha256:[64 hex characters]"}
	}
	return nil
}

// ValidateArchitecture validates an architecture value
func ValidateArchitecture(arch Architecture) error {
	switch arch {
	case ArchX8664, ArchARM64, ArchX86, ArchUniversal:
		return nil
	}
	return &ValidationError{Field: "architecture", Message: fmt.Sprintf("unknown architecture %q", arch)}
}

// ValidateStatus validates a package status value
func ValidateStatus(status Status) error {
	switch status {
	case StatusNotInstalled, StatusInstalled, StatusPendingInstall,
		StatusPendingUpdate, StatusPendingRemoval, StatusBroken, StatusHeld:
		return nil
	}
	return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
}

// ValidateURL validates a repository URL (syntax, not reachability).
// http, https, file, and s3 schemes are accepted.
func ValidateURL(urlStr string) error {
	if len(urlStr) == 0 {
		return &ValidationError{Field: "url", Message: "url is required"}
	}
	if len(urlStr) > 2048 {
		return &ValidationError{Field: "url", Message: "url must be at most 2048 characters"}
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return &ValidationError{Field: "url", Message: fmt.Sprintf("url must be valid RFC 3986 URI: %v", err)}
	}

	switch parsedURL.Scheme {
	case "http", "https", "file", "s3":
		return nil
	}
	return &ValidationError{Field: "url", Message: "url scheme must be one of http, https, file, s3"}
}

// ValidateDependency validates one dependency edge
func ValidateDependency(d Dependency) error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	switch d.Kind {
	case KindRequired, KindOptional, KindConflicts, KindProvides, KindReplaces:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown dependency kind %q", d.Kind)}
	}
	if d.Op != "" {
		if _, err := version.ParseOp(string(d.Op)); err != nil {
			return &ValidationError{Field: "op", Message: fmt.Sprintf("dependency %s: %v", d.Name, err)}
		}
	}
	if d.Version != "" {
		if err := ValidateVersionString(d.Version); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePackage validates a package record
func ValidatePackage(p *Package) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if err := ValidateVersionString(p.Version); err != nil {
		return err
	}
	if err := ValidateArchitecture(p.Architecture); err != nil {
		return err
	}
	if err := ValidateStatus(p.Status); err != nil {
		return err
	}
	if p.Checksum != "" {
		if err := ValidateChecksum(p.Checksum); err != nil {
			return err
		}
	}
	for _, d := range p.Dependencies {
		if err := ValidateDependency(d); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRepository validates a repository record
func ValidateRepository(r *Repository) error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if err := ValidateURL(r.URL); err != nil {
		return err
	}
	if r.Priority < 0 {
		return &ValidationError{Field: "priority", Message: "priority must be non-negative"}
	}
	for _, m := range r.Mirrors {
		if err := ValidateURL(m); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeName converts a name to lowercase for case-insensitive comparison
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxDeviceNameLength bounds device names announced over mDNS and the
// trigger channel. DNS-SD instance labels allow 63 bytes.
const MaxDeviceNameLength = 63

// ValidateDeviceName validates a device name
func ValidateDeviceName(name string) error {
	if err := ValidateNonEmptyString(name, "device name"); err != nil {
		return err
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("device name is not valid UTF-8")
	}
	if len(name) > MaxDeviceNameLength {
		return fmt.Errorf("device name is too long (max %d bytes)", MaxDeviceNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("device name contains control characters")
		}
	}
	return nil
}

// ValidateURL checks that urlStr is absolute with a host and one of schemes.
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid URL scheme %q (must be %s)", u.Scheme, strings.Join(schemes, " or "))
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

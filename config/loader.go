package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Duplicate keys and unknown keys only produce warnings; the first occurrence of a duplicate wins.
// Any other syntax error fails with a hint about the likely cause.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	// Read the file content first
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	// Try to decode - capture metadata to check for unknown keys
	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "has already been defined") {
			log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err)
			log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")
			log.Printf("WARNING: Please fix your configuration file to remove duplicates.")

			// Parse again with a lenient approach by removing duplicate keys
			cleanedContent, parseErr := removeDuplicateKeysFromTOML(string(content))
			if parseErr != nil {
				// If we can't clean it, return a helpful error
				return enhanceConfigError(err)
			}

			// Try decoding the cleaned content
			metadata, err = toml.Decode(cleanedContent, cfg)
			if err != nil {
				return enhanceConfigError(err)
			}
		} else {
			// For other errors, provide enhanced error messages
			return enhanceConfigError(err)
		}
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
		log.Printf("WARNING: These keys may be typos or deprecated settings. Please review your configuration.")
	}

	// Trim whitespace from all string fields in the configuration
	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML removes duplicate keys from TOML content
// This is a simple implementation that keeps the first occurrence of each key
// Supports nested tables ([table.subtable]) and array tables ([[array.table]])
// Note: Array tables reset key tracking per instance since each [[table]] is a new array element
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int) // Maps key path to line number
	var result []string
	var currentSection string
	var lastArrayTable string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Skip empty lines and comments
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		// Track section changes - handle both regular tables and array tables
		if strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]") {
			// Array table: [[table.name]]
			// Remove outer brackets to get the section name
			currentSection = strings.TrimSpace(trimmed[2 : len(trimmed)-2])

			// Reset key tracking for this array table instance
			// Each [[table]] is a new array element, so same keys are expected
			if currentSection == lastArrayTable {
				// Same array table name - clear keys for this section
				for k := range seenKeys {
					if strings.HasPrefix(k, currentSection+".") {
						delete(seenKeys, k)
					}
				}
			}
			lastArrayTable = currentSection

			result = append(result, line)
			continue
		} else if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			// Regular table: [table.name]
			// Remove brackets to get the section name
			currentSection = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			lastArrayTable = "" // Not an array table
			result = append(result, line)
			continue
		}

		// Check if this is a key = value line
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				// Build full key path: section.key
				var fullKey string
				if currentSection != "" {
					fullKey = currentSection + "." + key
				} else {
					fullKey = key
				}

				// Check if we've seen this key before
				if prevLine, exists := seenKeys[fullKey]; exists {
					// Duplicate found - comment it out
					log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
						fullKey, lineNum+1, prevLine+1)
					result = append(result, "# DUPLICATE IGNORED: "+line)
					continue
				}

				// Remember this key
				seenKeys[fullKey] = lineNum
			}
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n"), nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	// Check for duplicate key errors
	if strings.Contains(errMsg, "has already been defined") {
		// Extract the key name from the error message
		// Format: "toml: line X (last key "key.name"): Key 'key.name' has already been defined."
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.\n"+
			"Common causes:\n"+
			"  - Same key appears twice in the same section\n"+
			"  - Copy-paste errors when listing several before/after scripts\n"+
			"  - Uncommenting a setting that already exists elsewhere", err)
	}

	// Check for common boolean typos
	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file\n"+
			"Common mistakes:\n"+
			"  - Using 'f' instead of 'false'\n"+
			"  - Using 't' instead of 'true'\n"+
			"  - Using 'yes'/'no' instead of 'true'/'false'\n"+
			"  - Using '1'/'0' instead of 'true'/'false'\n\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	// Check for invalid TOML syntax
	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets and braces are balanced\n"+
			"  - No special characters are unescaped\n"+
			"  - Section headers use [section] or [[array]] format\n"+
			"  - Boolean values are 'true' or 'false' (not 'yes'/'no', '1'/'0', 'f'/'t')", err)
	}

	// Return original error if we don't have specific guidance
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		// Trim whitespace from string fields
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		// Handle slices of strings and slices of structs
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		// Recursively process struct fields
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		// Handle pointers to structs
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	}
}

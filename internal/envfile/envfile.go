// Package envfile reads the KEY=VALUE text format used by mkinitcpio
// preset descriptors and by the .osrel metadata embedded in kernel
// bundles.
package envfile

import "strings"

// Parse converts environment-file content into a map of parameters.
// Only lines consisting of exactly one KEY=VALUE pair are kept; comments,
// blank lines and anything else without a single "=" are skipped. Values
// wrapped in matching double quotes have the quotes stripped, with no
// escape processing. On duplicate keys the last occurrence wins.
func Parse(data string) map[string]string {
	params := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		parts := strings.Split(strings.TrimSuffix(line, "\r"), "=")
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		params[key] = value
	}
	return params
}

package hive

import "os"

// ShouldApplyLocally reports whether a node with the given name and
// allow-local-deployment setting should be treated as the current host: the
// node is permitted to deploy locally and its name matches this machine's
// hostname.
func ShouldApplyLocally(allowLocalDeployment bool, name string) bool {
	if !allowLocalDeployment {
		return false
	}
	hostname, err := os.Hostname()
	if err != nil {
		return false
	}
	return hostname == name
}

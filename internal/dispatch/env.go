package dispatch

import "strings"

// orchestratorPrefixes mark environment variables that belong to the
// orchestrator and are never handed to a worker unless explicitly allowed.
var orchestratorPrefixes = []string{"FORGELINE_", "AUDIT_"}

// FilterEnv strips orchestrator-only variables from environ before it is
// passed to a worker subprocess. Entries in block are removed by exact name
// (or by prefix when the entry ends in '*'); entries in allow are kept even
// when a default or configured rule would strip them.
func FilterEnv(environ, allow, block []string) []string {
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}

	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if allowed[name] {
			out = append(out, kv)
			continue
		}
		if blockedName(name, block) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func blockedName(name string, block []string) bool {
	for _, prefix := range orchestratorPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for _, rule := range block {
		if prefix, ok := strings.CutSuffix(rule, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if name == rule {
			return true
		}
	}
	return false
}

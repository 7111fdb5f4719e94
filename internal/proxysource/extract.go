package proxysource

import (
	"path"
	"regexp"
	"strings"
)

// hostRegex matches Host(`hostname`), Host("hostname"), and Host('hostname')
// patterns in a Traefik router rule. Captures the hostname inside the
// delimiter, accepting all three quoting styles Traefik allows.
var hostRegex = regexp.MustCompile("Host\\((?:`([^`]+)`|\"([^\"]+)\"|'([^']+)')\\)")

// extractHostsFromRule extracts all deduplicated Host(...) hostnames from a
// single Traefik rule string.
func extractHostsFromRule(rule string) []string {
	seen := make(map[string]struct{})
	var hosts []string

	for _, match := range hostRegex.FindAllStringSubmatch(rule, -1) {
		var hostname string
		for _, group := range match[1:] {
			if group != "" {
				hostname = group
				break
			}
		}
		hostname = strings.TrimSpace(hostname)
		if hostname == "" {
			continue
		}
		if _, exists := seen[hostname]; exists {
			continue
		}
		seen[hostname] = struct{}{}
		hosts = append(hosts, hostname)
	}

	return hosts
}

// matchesRouterFilter reports whether routerName matches the glob pattern
// (empty pattern matches everything).
func matchesRouterFilter(pattern, routerName string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, routerName)
	if err != nil {
		return false
	}
	return ok
}

// matchesMiddlewareFilter reports whether any of middlewares, with its
// "@provider" suffix stripped, case-insensitively equals filter. An empty
// filter matches any router (no middleware requirement).
func matchesMiddlewareFilter(filter string, middlewares []string) bool {
	if filter == "" {
		return true
	}
	for _, mw := range middlewares {
		name, _, _ := strings.Cut(mw, "@")
		if strings.EqualFold(name, filter) {
			return true
		}
	}
	return false
}

// zoneSuffixRegex matches a router name suffix of -internal or -external,
// optionally followed by an "@provider" qualifier.
var zoneSuffixRegex = regexp.MustCompile(`(?i)-(internal|external)(@|$)`)

// assignZone determines the zone for a router name: an explicit
// -internal/-external suffix wins, otherwise the instance's default zone
// applies.
func assignZone(routerName string, defaultZone Zone) Zone {
	match := zoneSuffixRegex.FindStringSubmatch(routerName)
	if match == nil {
		return defaultZone
	}
	if strings.EqualFold(match[1], "internal") {
		return ZoneInternal
	}
	return ZoneExternal
}

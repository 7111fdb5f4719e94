package proxysource

import "strings"

// routerRuleLabelSuffix is the Traefik label suffix carrying a router's rule.
const routerRuleLabelSuffix = ".rule"

// routerRuleLabelPrefix is the Traefik label prefix for HTTP router rules.
const routerRuleLabelPrefix = "traefik.http.routers."

// isRouterRuleLabel checks if a label key is a Traefik HTTP router rule,
// e.g. traefik.http.routers.myrouter.rule.
func isRouterRuleLabel(key string) bool {
	if !strings.HasPrefix(key, routerRuleLabelPrefix) || !strings.HasSuffix(key, routerRuleLabelSuffix) {
		return false
	}
	return len(strings.Split(key, ".")) >= 5
}

// routerNameFromLabel extracts the router name from a rule label key.
func routerNameFromLabel(key string) string {
	trimmed := strings.TrimPrefix(key, routerRuleLabelPrefix)
	return strings.TrimSuffix(trimmed, routerRuleLabelSuffix)
}

// middlewaresFromLabels reads traefik.http.routers.<name>.middlewares as a
// comma-separated list, matching Traefik's Docker-provider label format.
func middlewaresFromLabels(labels map[string]string, routerName string) []string {
	key := routerRuleLabelPrefix + routerName + ".middlewares"
	val, ok := labels[key]
	if !ok || val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ExtractRoutesFromLabels extracts routes for inst from a single workload's
// Docker/Swarm labels, applying the same router_filter, middleware_filter,
// and zone-assignment rules as the Traefik HTTP adapter.
func ExtractRoutesFromLabels(inst Instance, labels map[string]string) []Route {
	var routes []Route

	for key, rule := range labels {
		if !isRouterRuleLabel(key) {
			continue
		}
		routerName := routerNameFromLabel(key)

		if !matchesRouterFilter(inst.RouterFilter, routerName) {
			continue
		}
		if !matchesMiddlewareFilter(inst.MiddlewareFilter, middlewaresFromLabels(labels, routerName)) {
			continue
		}

		zone := assignZone(routerName, inst.DefaultZone)

		for _, hostname := range extractHostsFromRule(rule) {
			routes = append(routes, Route{
				Hostname:     hostname,
				InstanceName: inst.Name,
				TargetIP:     inst.TargetIP,
				Zone:         zone,
				RouterName:   routerName,
			})
		}
	}

	return routes
}

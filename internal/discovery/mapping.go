package discovery

import (
	"sort"
	"strings"

	"cyrange/internal/state"
)

// MapStatus converts a runtime state word into a current status.
func MapStatus(raw string) state.CurrentStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return state.CurrentUnknown
	case strings.Contains(s, "paused"):
		return state.CurrentPaused
	case strings.Contains(s, "running"), strings.HasPrefix(s, "up"):
		return state.CurrentRunning
	case strings.Contains(s, "exited"), strings.Contains(s, "stopped"),
		strings.Contains(s, "created"), strings.Contains(s, "dead"):
		return state.CurrentStopped
	default:
		return state.CurrentUnknown
	}
}

// MapHealth converts a runtime health marker into a health status. Both the
// bare word and the "(healthy)" suffix of docker status lines are accepted.
func MapHealth(raw string) state.HealthStatus {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "unhealthy"):
		return state.HealthUnhealthy
	case strings.Contains(s, "healthy"):
		return state.HealthHealthy
	default:
		return state.HealthUnknown
	}
}

var (
	systemNamePrefixes  = []string{"k8s_pause", "k8s_coredns"}
	systemNameFragments = []string{"docker-desktop", "com.docker."}
	systemImagePrefixes = []string{"k8s.gcr.io/pause", "registry.k8s.io/pause"}
)

// IsSystemContainer reports containers that belong to the container
// platform itself and never to an exercise.
func IsSystemContainer(name, image string) bool {
	name = strings.TrimPrefix(name, "/")
	for _, p := range systemNamePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, f := range systemNameFragments {
		if strings.Contains(name, f) {
			return true
		}
	}
	for _, p := range systemImagePrefixes {
		if strings.HasPrefix(image, p) {
			return true
		}
	}
	return false
}

// FormatLabels renders labels as a stable "k=v,k=v" string.
func FormatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

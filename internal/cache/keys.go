package cache

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Key namespaces
const (
	NamespaceMatches       = "matches"
	NamespaceCompatibility = "compat"
	NamespaceVector        = "vector"
	NamespacePreference    = "pref"
	NamespaceAlgorithm     = "algo"
)

func MatchesKey(userID int64) string {
	return fmt.Sprintf("%s:%d", NamespaceMatches, userID)
}

// CompatibilityKey is order independent: (a, b) and (b, a) share one key.
func CompatibilityKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s:%d:%d", NamespaceCompatibility, a, b)
}

func VectorKey(userID int64) string {
	return fmt.Sprintf("%s:%d", NamespaceVector, userID)
}

func PreferenceKey(userID int64) string {
	return fmt.Sprintf("%s:%d", NamespacePreference, userID)
}

// AlgorithmKey addresses a cached result list for one parameter set.
func AlgorithmKey(userID int64, fingerprint string) string {
	return fmt.Sprintf("%s:%d:%s", NamespaceAlgorithm, userID, fingerprint)
}

// Fingerprint hashes request parameters into a short stable token.
func Fingerprint(parts ...string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%016x", h.Sum64())
}

// UserPatterns lists every pattern holding data derived from userID.
func UserPatterns(userID int64) []string {
	return []string{
		MatchesKey(userID),
		VectorKey(userID),
		PreferenceKey(userID),
		fmt.Sprintf("%s:%d:*", NamespaceAlgorithm, userID),
		fmt.Sprintf("%s:%d:*", NamespaceCompatibility, userID),
		fmt.Sprintf("%s:*:%d", NamespaceCompatibility, userID),
	}
}

// AllPatterns matches every derived entry of every user. Epochs are kept.
func AllPatterns() []string {
	namespaces := []string{
		NamespaceMatches,
		NamespaceCompatibility,
		NamespaceVector,
		NamespacePreference,
		NamespaceAlgorithm,
	}
	patterns := make([]string, len(namespaces))
	for i, ns := range namespaces {
		patterns[i] = ns + ":*"
	}
	return patterns
}

func hasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

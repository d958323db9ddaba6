package fleet

import (
	"log/slog"
	"strings"
)

// Cleanup removes repeated logins, keeping the first occurrence so rank order survives. Logins are
// compared case-insensitively and returned lowercased; empty entries are dropped. Repeats are
// logged once per call.
func Cleanup(logins []string) []string {
	out := make([]string, 0, len(logins))
	seen := make(map[string]struct{}, len(logins))
	var repeats []string
	for _, l := range logins {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			repeats = append(repeats, l)
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	if len(repeats) > 0 {
		slog.Info("dropped repeated channels", slog.String("component", "fleet"),
			slog.Int("count", len(repeats)), slog.Any("channels", repeats))
	}
	return out
}

package orchestrator

import (
	"strconv"
	"strings"

	"github.com/sebas/calltap/internal/ari"
)

// Args are the key=value arguments a channel entered the application with.
type Args map[string]string

// ParseArgs accepts both one pair per argv entry and several pairs joined by
// ',' or ';' in a single entry. Entries without '=' are ignored.
func ParseArgs(argv []string) Args {
	args := make(Args)
	for _, entry := range argv {
		for _, pair := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ';' }) {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			if k = strings.TrimSpace(k); k != "" {
				args[k] = strings.TrimSpace(v)
			}
		}
	}
	return args
}

// IsTapLeg reports whether the arguments carry the tap-leg marker.
func (a Args) IsTapLeg() bool {
	return a["kind"] == "snoop"
}

// Destination returns the routing target from retctx, retexten and retpri.
// A missing or malformed priority is left unset.
func (a Args) Destination() ari.Destination {
	prio, _ := strconv.Atoi(a["retpri"])
	return ari.Destination{
		Context:   a["retctx"],
		Extension: a["retexten"],
		Priority:  prio,
	}
}

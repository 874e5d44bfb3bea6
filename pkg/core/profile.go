package core

import "os"

// DefaultRestrictedEnv lists the environment markers that put a build into the
// restricted profile when no explicit list is configured.
var DefaultRestrictedEnv = []string{"JITPACK"}

// Profile describes the environment a build runs in. A restricted profile has
// no network or interpreter access, so every network or install dependent task
// is skipped instead of failing.
type Profile struct {
	Restricted bool
	Reason     string // Marker that tripped the guard, empty when unrestricted
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ProfileFromEnv derives the profile from the given markers. The guard trips
// on presence alone, an empty value still counts.
func ProfileFromEnv(lookup LookupFunc, markers []string) Profile {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, m := range markers {
		if _, ok := lookup(m); ok {
			return Profile{Restricted: true, Reason: m}
		}
	}
	return Profile{}
}

// String returns a short label for log lines
func (p Profile) String() string {
	if p.Restricted {
		return "restricted (" + p.Reason + ")"
	}
	return "default"
}

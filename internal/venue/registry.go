package venue

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a venue client from options.
type Constructor func(opts Options) (Client, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Constructor{}
)

// Register installs a constructor for a venue id. Later registrations
// win, which lets tests swap in fakes.
func Register(name string, ctor Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[normalize(name)] = ctor
}

// New constructs a client for the named venue.
func New(name string, opts Options) (Client, error) {
	regMu.RLock()
	ctor, ok := registry[normalize(name)]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported venue: %s", name)
	}
	return ctor(opts)
}

// Registered returns the known venue ids, sorted.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}

package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
)

// PostProcessor reshapes the merged result of an operation. fulfilled holds
// only the targets that succeeded.
type PostProcessor func(merged, fulfilled map[string]any) any

// Operation binds an inbound operation name to a handler capability.
type Operation struct {
	Name       string
	Capability targets.Capability
	Post       PostProcessor
}

var operations = map[string]Operation{
	"isAvailableForFinancing": {
		Name:       "isAvailableForFinancing",
		Capability: targets.CapIsAvailable,
		Post:       identity,
	},
	"getVehicleOptions": {
		Name:       "getVehicleOptions",
		Capability: targets.CapListOptions,
		Post:       dedupeOptions,
	},
	"getSharedVehicleOptions": {
		Name:       "getSharedVehicleOptions",
		Capability: targets.CapListOptions,
		Post:       sharedOptions,
	},
	"getSimulation": {
		Name:       "getSimulation",
		Capability: targets.CapGetSimulation,
		Post:       identity,
	},
}

// LookupOperation returns the operation registered under name.
func LookupOperation(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// Operations returns the supported operation names, sorted.
func Operations() []string {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func identity(merged, _ map[string]any) any {
	return merged
}

// dedupeOptions sorts and deduplicates every fulfilled option list.
func dedupeOptions(merged, fulfilled map[string]any) any {
	for target, v := range fulfilled {
		if opts, ok := v.([]string); ok {
			merged[target] = uniqueSorted(opts)
		}
	}
	return merged
}

// sharedOptions lists every option once with the targets offering it,
// formatted as "<option> {a, b}". With no fulfilled target the merged
// keyed result is returned unchanged.
func sharedOptions(merged, fulfilled map[string]any) any {
	if len(fulfilled) == 0 {
		return merged
	}

	offeredBy := make(map[string]map[string]struct{})
	for target, v := range fulfilled {
		opts, ok := v.([]string)
		if !ok {
			continue
		}
		for _, opt := range opts {
			if offeredBy[opt] == nil {
				offeredBy[opt] = make(map[string]struct{})
			}
			offeredBy[opt][target] = struct{}{}
		}
	}

	names := make([]string, 0, len(offeredBy))
	for opt := range offeredBy {
		names = append(names, opt)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, opt := range names {
		ids := make([]string, 0, len(offeredBy[opt]))
		for id := range offeredBy[opt] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, fmt.Sprintf("%s {%s}", opt, strings.Join(ids, ", ")))
	}
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

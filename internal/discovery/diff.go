package discovery

import (
	"sort"
	"time"
)

// Changes is the outcome of diffing one complete probe against the stored
// inventory of its scope.
type Changes struct {
	// Added are observations with no stored record.
	Added []Record
	// Updated are stored records whose mutable fields changed.
	Updated []Record
	// Refreshed are stored records confirmed unchanged; only LastSeenAt moves.
	Refreshed []Record
	// Removed are stored records missing from the probe.
	Removed []Record
	// Duplicates lists container ids reported more than once by the probe.
	Duplicates []string
	// Skipped counts observations without a container id.
	Skipped int
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Result returns the inventory of the scope after the changes are applied,
// ordered by container id.
func (c Changes) Result() []Record {
	out := make([]Record, 0, len(c.Added)+len(c.Updated)+len(c.Refreshed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Refreshed...)
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}

// Diff compares a complete probe of scopeID with its stored records. The
// caller must only pass the result of a successful probe: any stored record
// missing from observed is reported as removed.
//
// When the probe reports the same container id twice the last observation
// wins and the id is listed in Duplicates.
func Diff(scopeID string, stored []Record, observed []Observation, now time.Time) Changes {
	var ch Changes

	byID := make(map[string]Record, len(stored))
	for _, rec := range stored {
		byID[rec.ContainerID] = rec
	}

	latest := make(map[string]Observation, len(observed))
	order := make([]string, 0, len(observed))
	for _, obs := range observed {
		if obs.ContainerID == "" {
			ch.Skipped++
			continue
		}
		if _, seen := latest[obs.ContainerID]; seen {
			ch.Duplicates = append(ch.Duplicates, obs.ContainerID)
		} else {
			order = append(order, obs.ContainerID)
		}
		latest[obs.ContainerID] = obs
	}

	for _, id := range order {
		obs := latest[id]
		prev, ok := byID[id]
		if !ok {
			ch.Added = append(ch.Added, Record{
				ScopeID:       scopeID,
				ContainerID:   obs.ContainerID,
				AssetID:       obs.AssetID,
				AssetName:     obs.AssetName,
				ContainerName: obs.Name,
				Image:         obs.Image,
				Status:        obs.Status,
				Ports:         obs.Ports,
				Labels:        obs.Labels,
				DiscoveredAt:  now,
				LastSeenAt:    now,
			})
			continue
		}

		next := prev
		next.ContainerName = obs.Name
		next.Image = obs.Image
		next.Status = obs.Status
		next.Ports = obs.Ports
		next.Labels = obs.Labels
		if obs.AssetID != "" {
			next.AssetID = obs.AssetID
			next.AssetName = obs.AssetName
		}
		next.LastSeenAt = now
		if mutableFieldsDiffer(prev, next) {
			ch.Updated = append(ch.Updated, next)
		} else {
			ch.Refreshed = append(ch.Refreshed, next)
		}
	}

	for _, rec := range stored {
		if _, ok := latest[rec.ContainerID]; !ok {
			ch.Removed = append(ch.Removed, rec)
		}
	}
	return ch
}

func mutableFieldsDiffer(a, b Record) bool {
	return a.Status != b.Status ||
		a.ContainerName != b.ContainerName ||
		a.Image != b.Image ||
		a.Ports != b.Ports ||
		a.Labels != b.Labels ||
		a.AssetID != b.AssetID ||
		a.AssetName != b.AssetName
}

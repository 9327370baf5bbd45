package discovery

import "sort"

// Source supplies a snapshot of discovered entries; both *Browser (SSDP)
// and *MDNSBrowser satisfy it via Registry().Snapshot().
type Source interface {
	Registry() *Registry
}

// Aggregate merges entries from both discovery backends, given a
// preferred IP version: when the same (ipVer, url) pair is claimed by
// different UUIDs, the first claim wins and later claims are dropped.
// Claims are taken in scan order (sources in argument order, UUIDs sorted
// within each source); entry ages and expiry times are not compared.
// Then for each surviving UUID the preferred ipVer's URL is returned if
// present, otherwise any other available IP version.
func Aggregate(preferredIPVer int, sources ...Source) map[string]string {
	type seenKey struct {
		ipVer int
		url   string
	}

	// first-claiming uuid per (ipVer, url), scanning uuids in a stable
	// order so the outcome does not depend on map iteration.
	firstUUIDFor := make(map[seenKey]string)
	merged := make(map[string]map[int]Entry)

	for _, src := range sources {
		snapshot := src.Registry().Snapshot()
		uuids := make([]string, 0, len(snapshot))
		for uuid := range snapshot {
			uuids = append(uuids, uuid)
		}
		sort.Strings(uuids)

		for _, uuid := range uuids {
			byVer := snapshot[uuid]
			ipVers := make([]int, 0, len(byVer))
			for ipVer := range byVer {
				ipVers = append(ipVers, ipVer)
			}
			sort.Ints(ipVers)

			for _, ipVer := range ipVers {
				e := byVer[ipVer]
				k := seenKey{ipVer, e.URL}
				owner, dup := firstUUIDFor[k]
				if dup && owner != uuid {
					// This uuid's claim on (ipVer, url) came later in the scan;
					// drop it from consideration, but keep any other
					// (ipVer, url) pairs it legitimately owns.
					continue
				}
				if !dup {
					firstUUIDFor[k] = uuid
				}
				if merged[uuid] == nil {
					merged[uuid] = make(map[int]Entry)
				}
				merged[uuid][ipVer] = e
			}
		}
	}

	out := make(map[string]string, len(merged))
	for uuid, byVer := range merged {
		if e, ok := byVer[preferredIPVer]; ok {
			out[uuid] = e.URL
			continue
		}
		for _, e := range byVer {
			out[uuid] = e.URL
			break
		}
	}
	return out
}

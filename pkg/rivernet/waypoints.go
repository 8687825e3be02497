package rivernet

// Waypoint is a spaced observation point along a downstream path: the reach
// chosen and the cumulative distance walked to reach it.
type Waypoint struct {
	ID       int64   `json:"id"`
	Distance float64 `json:"distanceKm"`
}

// Waypoints thins a downstream path to at most numReaches observation
// points at least reachDist kilometers apart. Walking the path it keeps a
// running distance and takes a reach whenever the total crosses the next
// spacing multiple. The walk stops early at the first id missing from the
// shapefile, which is also how the terminal outlet id ends the scan.
func (n *Network) Waypoints(path []int64, numReaches int, reachDist float64) []Waypoint {
	var wps []Waypoint
	var net float64
	for _, id := range path {
		if len(wps) >= numReaches {
			break
		}
		r, ok := n.index[id]
		if !ok {
			break
		}
		net += r.Length
		if net > float64(len(wps))*reachDist {
			wps = append(wps, Waypoint{ID: id, Distance: net})
		}
	}
	return wps
}

package coordination

import (
	"slices"
)

// planAssignments returns the owner assignments that put every partition
// under a live server. A partition keeps a live owner unless its preferred
// server is live and different. Otherwise it goes to the preferred server if
// live, else to the live server owning the fewest partitions (ties by id).
// With no live server nothing is planned.
func planAssignments(st State) []Command {
	var live []string
	for id, s := range st.Servers {
		if s.Live {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return nil
	}
	slices.Sort(live)
	isLive := func(id string) bool {
		_, ok := slices.BinarySearch(live, id)
		return ok
	}

	load := make(map[string]int, len(live))
	for _, p := range st.Partitions {
		if isLive(p.Owner) {
			load[p.Owner]++
		}
	}

	ids := make([]int32, 0, len(st.Partitions))
	for id := range st.Partitions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var cmds []Command
	for _, id := range ids {
		p := st.Partitions[id]
		preferred := p.PreferredServer != "" && isLive(p.PreferredServer)
		if isLive(p.Owner) && (!preferred || p.PreferredServer == p.Owner) {
			continue
		}
		target := p.PreferredServer
		if !preferred {
			target = leastLoaded(live, load)
		}
		if isLive(p.Owner) {
			load[p.Owner]--
		}
		load[target]++
		cmds = append(cmds, Command{
			Type:        CommandAssignOwner,
			PartitionID: id,
			ServerID:    target,
			Generation:  p.Generation,
		})
	}
	return cmds
}

func leastLoaded(live []string, load map[string]int) string {
	best := live[0]
	for _, id := range live[1:] {
		if load[id] < load[best] {
			best = id
		}
	}
	return best
}

package elements

import (
	"sort"

	"github.com/chromedp/cdproto/cdp"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/pageload-sim/sim/trace"
)

// EventLayoutShift is the trace event emitted for each layout shift.
const EventLayoutShift = "LayoutShift"

// maxLayoutShiftElements bounds the ranked layout-shift list.
const maxLayoutShiftElements = 5

// ImpactEntry is a node's accumulated share of layout-shift score.
type ImpactEntry struct {
	NodeID cdp.BackendNodeID `json:"nodeId"`
	Score  float64           `json:"score"`
}

type layoutShiftArgs struct {
	Data *struct {
		HadRecentInput bool    `json:"had_recent_input"`
		Score          float64 `json:"score"`
		ImpactedNodes  []struct {
			NodeID  cdp.BackendNodeID `json:"node_id"`
			OldRect [4]float64        `json:"old_rect"`
			NewRect [4]float64        `json:"new_rect"`
		} `json:"impacted_nodes"`
	} `json:"data"`
}

// TopLayoutShiftElements distributes each admitted layout shift's score over
// its impacted nodes in proportion to their impact area and returns the
// highest-scoring nodes, ties broken by ascending node id.
//
// Shifts flagged with recent input are admitted only until the first shift
// without recent input has been seen.
func TopLayoutShiftElements(events []trace.Event) []ImpactEntry {
	scores := make(map[cdp.BackendNodeID]float64)
	seenUnforcedShift := false

	for i := range events {
		ev := &events[i]
		if ev.Name != EventLayoutShift {
			continue
		}
		var args layoutShiftArgs
		if err := ev.DecodeArgs(&args); err != nil || args.Data == nil {
			logrus.Debugf("skipping layout shift at %.0f: malformed args", ev.Ts)
			continue
		}
		data := args.Data
		admitted := !(data.HadRecentInput && seenUnforcedShift)
		if !data.HadRecentInput {
			seenUnforcedShift = true
		}
		if !admitted || len(data.ImpactedNodes) == 0 {
			continue
		}

		areas := make([]float64, len(data.ImpactedNodes))
		total := 0.0
		for j, node := range data.ImpactedNodes {
			areas[j] = UnionArea(rectFromArray(node.OldRect), rectFromArray(node.NewRect))
			total += areas[j]
		}
		for j, node := range data.ImpactedNodes {
			share := 1 / float64(len(areas))
			if total > 0 {
				share = areas[j] / total
			}
			scores[node.NodeID] += data.Score * share
		}
	}

	entries := make([]ImpactEntry, 0, len(scores))
	for id, score := range scores {
		entries = append(entries, ImpactEntry{NodeID: id, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].NodeID < entries[j].NodeID
	})
	if len(entries) > maxLayoutShiftElements {
		entries = entries[:maxLayoutShiftElements]
	}
	return entries
}

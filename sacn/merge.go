package sacn

import "time"

// MergedAddress is the per-slot result of the HTP/priority merge (spec.md
// §3 "Merged-address record"). Level is -1 when no source contributes.
type MergedAddress struct {
	Level         int16
	WinningSource CID
	OtherSources  map[CID]struct{}
	Changed       bool
}

const noWinner = -1

// merger holds the per-listener merge state: the 512 merged-address
// records plus the two shadow arrays original_source's sacnlistener.h
// keeps (m_last_levels and an implicit last-winner) to make change
// detection a cheap comparison rather than a full struct diff each pass.
type merger struct {
	levels         [512]MergedAddress
	previousLevel  [512]int16
	previousWinner [512]CID
	haveWinner     [512]bool
}

func newMerger() *merger {
	m := &merger{}
	for i := range m.levels {
		m.levels[i] = MergedAddress{Level: noWinner, OtherSources: map[CID]struct{}{}}
		m.previousLevel[i] = noWinner
	}
	return m
}

// run executes the merge algorithm in spec.md §4.4 over the given set of
// sources, skipping sampling/preview/terminated sources per step 1.
func (m *merger) run(sources []*Source, now time.Time) {
	for slot := 0; slot < 512; slot++ {
		var winner *Source
		var winnerPriority byte
		others := make(map[CID]struct{})

		for _, s := range sources {
			if s.state != StateOnline || s.Preview || s.Terminated {
				continue
			}
			priority := s.EffectivePriority(slot, now)
			if priority == 0 {
				continue
			}
			if winner == nil {
				winner = s
				winnerPriority = priority
				continue
			}

			switch {
			case priority > winnerPriority:
				others[winner.CID] = struct{}{}
				winner, winnerPriority = s, priority
			case priority < winnerPriority:
				others[s.CID] = struct{}{}
			default: // tie: HTP on level, then lexicographically minimal CID
				switch {
				case s.Level(slot) > winner.Level(slot):
					others[winner.CID] = struct{}{}
					winner, winnerPriority = s, priority
				case s.Level(slot) < winner.Level(slot):
					others[s.CID] = struct{}{}
				case s.CID.Less(winner.CID):
					others[winner.CID] = struct{}{}
					winner, winnerPriority = s, priority
				default:
					others[s.CID] = struct{}{}
				}
			}
		}

		rec := &m.levels[slot]
		rec.OtherSources = others

		if winner == nil {
			rec.Level = noWinner
			changed := m.haveWinner[slot] || m.previousLevel[slot] != noWinner
			rec.Changed = changed
			m.haveWinner[slot] = false
			m.previousLevel[slot] = noWinner
			continue
		}

		level := int16(winner.Level(slot))
		changed := !m.haveWinner[slot] || m.previousWinner[slot] != winner.CID || m.previousLevel[slot] != level
		rec.Level = level
		rec.WinningSource = winner.CID
		rec.Changed = changed

		m.haveWinner[slot] = true
		m.previousWinner[slot] = winner.CID
		m.previousLevel[slot] = level
	}
}

// snapshot returns a copy-on-read view of the merged levels (spec.md §5:
// "published snapshots of the merged-levels array; copy-on-read is
// acceptable because it is 512 records").
func (m *merger) snapshot() [512]MergedAddress {
	var out [512]MergedAddress
	for i := range m.levels {
		out[i] = m.levels[i]
		cp := make(map[CID]struct{}, len(m.levels[i].OtherSources))
		for k := range m.levels[i].OtherSources {
			cp[k] = struct{}{}
		}
		out[i].OtherSources = cp
	}
	return out
}

package ingest

import "github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"

// Decision is the gate verdict for one entry.
type Decision int

const (
	// Deliver means the entry is next in order and must reach the sink.
	Deliver Decision = iota
	// Duplicate means the entry is at or below the high-water mark.
	Duplicate
	// Early means entries before it are still missing; hold it until the gap closes.
	Early
)

func (d Decision) String() string {
	switch d {
	case Deliver:
		return "deliver"
	case Duplicate:
		return "duplicate"
	case Early:
		return "early"
	}
	return "unknown"
}

// Admit decides whether e advances the high-water mark hw and returns the new mark.
// Sequenced entries must arrive gap-free; a zero mark expects sequence 1. A mark that
// only carries a consensus time (a time-based resume) admits the first sequenced entry
// after that time and switches to sequence gating. Entries without a sequence number
// are gated on consensus time alone.
func Admit(hw hcs.Position, e hcs.LogEntry) (hcs.Position, Decision) {
	if e.SequenceNumber == 0 {
		if !hw.ConsensusTime.IsZero() && !e.ConsensusTime.After(hw.ConsensusTime) {
			return hw, Duplicate
		}
		return hcs.Position{Sequence: hw.Sequence, ConsensusTime: e.ConsensusTime}, Deliver
	}

	if hw.Sequence == 0 && !hw.ConsensusTime.IsZero() {
		if !e.ConsensusTime.After(hw.ConsensusTime) {
			return hw, Duplicate
		}
		return positionOf(e), Deliver
	}

	switch {
	case e.SequenceNumber <= hw.Sequence:
		return hw, Duplicate
	case e.SequenceNumber == hw.Sequence+1:
		return positionOf(e), Deliver
	default:
		return hw, Early
	}
}

func positionOf(e hcs.LogEntry) hcs.Position {
	return hcs.Position{Sequence: e.SequenceNumber, ConsensusTime: e.ConsensusTime}
}

// reorderBuffer holds early entries keyed by sequence number. When full, the entry
// furthest ahead is dropped; the pull path fetches it again once the gap closes.
type reorderBuffer struct {
	max     int
	entries map[uint64]hcs.LogEntry
}

func newReorderBuffer(max int) *reorderBuffer {
	return &reorderBuffer{max: max, entries: make(map[uint64]hcs.LogEntry)}
}

// put stores e and reports whether it was kept.
func (b *reorderBuffer) put(e hcs.LogEntry) bool {
	if _, ok := b.entries[e.SequenceNumber]; ok {
		return true
	}
	if len(b.entries) >= b.max {
		var highest uint64
		for seq := range b.entries {
			if seq > highest {
				highest = seq
			}
		}
		if e.SequenceNumber > highest {
			return false
		}
		delete(b.entries, highest)
	}
	b.entries[e.SequenceNumber] = e
	return true
}

// take removes and returns the entry at seq.
func (b *reorderBuffer) take(seq uint64) (hcs.LogEntry, bool) {
	e, ok := b.entries[seq]
	if ok {
		delete(b.entries, seq)
	}
	return e, ok
}

// discardThrough drops entries at or below seq.
func (b *reorderBuffer) discardThrough(seq uint64) {
	for s := range b.entries {
		if s <= seq {
			delete(b.entries, s)
		}
	}
}

func (b *reorderBuffer) len() int { return len(b.entries) }

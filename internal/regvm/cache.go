package regvm

import "raya/internal/value"

// InlineCache speeds up repeated GETFIELD/GETMETHOD/CALLCTOR dispatch at
// one call site, reused verbatim in shape from vmregister.InlineCache
// (ShapeID/Offset/HitCount/MissCount), with ShapeID here holding a class id
// rather than the teacher's hash-map shape identifier (Raya objects are
// already flattened, offset-addressed instances, so "shape" degenerates to
// "class id" — the offset itself never varies for a fixed class).
type InlineCache struct {
	ClassID   uint32
	Offset    uint32
	HitCount  uint32
	MissCount uint32
}

func (ic *InlineCache) Reset() {
	ic.ClassID = 0
	ic.Offset = 0
	ic.MissCount = 0
}

func (ic *InlineCache) IsMonomorphic() bool {
	total := ic.HitCount + ic.MissCount
	if total < 10 {
		return false
	}
	return (ic.HitCount*100)/total > 95
}

// Lookup returns the cached offset if classID matches the last class seen
// at this call site.
func (ic *InlineCache) Lookup(classID uint32) (uint32, bool) {
	if ic.HitCount+ic.MissCount > 0 && ic.ClassID == classID {
		ic.HitCount++
		return ic.Offset, true
	}
	ic.MissCount++
	return 0, false
}

func (ic *InlineCache) Fill(classID uint32, offset uint32) {
	ic.ClassID, ic.Offset = classID, offset
	ic.HitCount++
}

// TypeFeedback records the Kinds a register has held across executions of
// its defining instruction, feeding internal/jitir's tiering heuristic.
// Reused in shape from vmregister.TypeFeedback (SeenTypes/Counts/
// TotalSamples, fixed 4-slot polymorphic inline table).
type TypeFeedback struct {
	SeenTypes    [4]value.Kind
	Counts       [4]uint32
	TotalSamples uint32
}

func (tf *TypeFeedback) Record(v value.Value) {
	k := v.Kind()
	tf.TotalSamples++
	for i := 0; i < 4; i++ {
		if tf.Counts[i] == 0 {
			tf.SeenTypes[i] = k
			tf.Counts[i]++
			return
		}
		if tf.SeenTypes[i] == k {
			tf.Counts[i]++
			return
		}
	}
	// More than 4 distinct kinds observed: megamorphic, stop recording.
}

func (tf *TypeFeedback) IsMonomorphic() bool {
	if tf.TotalSamples < 10 {
		return false
	}
	return (tf.Counts[0]*100)/tf.TotalSamples > 95
}

func (tf *TypeFeedback) PrimaryKind() (value.Kind, bool) {
	if tf.Counts[0] == 0 {
		return 0, false
	}
	return tf.SeenTypes[0], true
}

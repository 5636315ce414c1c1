package ntfs

import "strconv"

// maxFullPathDepth bounds the parent walk against cyclic or corrupt
// directory references.
const maxFullPathDepth = 256

// FullPath walks name's record up through its $FILE_NAME parent chain to
// the root directory (segment 5), building a "\"-separated path. It is the
// generic counterpart to UsnRecord.FullPath: where that one distinguishes a
// broken reference from an unavailable one, this one has only a single
// failure mode (a parent segment that cannot be resolved at all) and
// reports it with an "<unknown_segment_N>" placeholder component.
func FullPath(mft *Mft, record *Record, name string) string {
	segments := []string{name}
	cur := record
	for i := 0; i < maxFullPathDepth; i++ {
		names, err := cur.FileNames(true)
		if err != nil || len(names) == 0 {
			break
		}
		parent := names[0].Parent
		if parent.Segment == cur.Segment {
			break
		}
		if parent.Segment == SegmentRoot {
			segments = append(segments, "")
			break
		}
		parentRec, err := mftGet(mft, parent.Segment)
		if err != nil {
			segments = append(segments, "<unknown_segment_"+strconv.FormatUint(parent.Segment, 10)+">")
			break
		}
		parentNames, err := parentRec.FileNames(true)
		if err != nil || len(parentNames) == 0 {
			segments = append(segments, "<unknown_segment_"+strconv.FormatUint(parent.Segment, 10)+">")
			break
		}
		segments = append(segments, parentNames[0].Name)
		cur = parentRec
	}
	return joinReverse(segments)
}

func mftGet(mft *Mft, segment uint64) (*Record, error) {
	if mft == nil {
		return nil, ErrMftUnavailable
	}
	return mft.GetSegment(segment)
}

func joinReverse(segments []string) string {
	out := ""
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == "" {
			continue
		}
		out += `\` + segments[i]
	}
	if out == "" {
		return `\`
	}
	return out
}

// FullPath resolves fn's own full path using its Parent chain, given the
// Mft to walk it through.
func (fn FileName) FullPath(mft *Mft) string {
	rec, err := mftGet(mft, fn.Parent.Segment)
	if err != nil {
		return "<unknown_segment_" + strconv.FormatUint(fn.Parent.Segment, 10) + `>\` + fn.Name
	}
	return FullPath(mft, rec, fn.Name)
}

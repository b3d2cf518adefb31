package protocol

// MatchesUtteranceSeq implements the wildcard sequence-matching rule: an
// event is accepted against a target utterance if either side is the
// wildcard value 0, or the sequences are equal.
func MatchesUtteranceSeq(target, event uint64) bool {
	return target == 0 || event == 0 || target == event
}

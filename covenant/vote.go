package covenant

import "bytes"

// ApplyVote returns the successor of prior after a vote for name.
// Every candidate whose name equals name is incremented; states built by
// NewState have at most one such candidate. If none matches, the successor
// equals prior and applied is false.
func ApplyVote(prior State, name []byte) (successor State, applied bool) {
	successor = prior.clone()
	for i := range successor {
		if bytes.Equal(successor[i].Name, name) {
			successor[i].Votes++
			applied = true
		}
	}
	return successor, applied
}

package farm

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseGateID splits a gate id such as "S3-G7" into its owning segment id
// ("S3") and within-segment sequence (7). The sequence component is the last
// dash-separated token and must be of the form G<n>.
func ParseGateID(id string) (segmentID string, seq int, err error) {
	var i = strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("gate id %q is not of the form <segment>-G<n>", id)
	}
	var tok = id[i+1:]
	if tok[0] != 'G' {
		return "", 0, fmt.Errorf("gate id %q: sequence token %q must begin with G", id, tok)
	}
	seq, err = strconv.Atoi(tok[1:])
	if err != nil {
		return "", 0, fmt.Errorf("gate id %q: parsing sequence: %w", id, err)
	}
	return id[:i], seq, nil
}

// ParseFieldID splits a field id such as "S3-G7-F2" into its inlet gate id
// ("S3-G7") and within-gate sequence (2).
func ParseFieldID(id string) (gateID string, seq int, err error) {
	var i = strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("field id %q is not of the form <gate>-F<n>", id)
	}
	var tok = id[i+1:]
	if tok[0] != 'F' {
		return "", 0, fmt.Errorf("field id %q: sequence token %q must begin with F", id, tok)
	}
	seq, err = strconv.Atoi(tok[1:])
	if err != nil {
		return "", 0, fmt.Errorf("field id %q: parsing sequence: %w", id, err)
	}
	return id[:i], seq, nil
}

// GateSeq returns the within-segment sequence of a gate id, or -1 if the id
// doesn't parse. Convenience for sort keys.
func GateSeq(id string) int {
	var _, seq, err = ParseGateID(id)
	if err != nil {
		return -1
	}
	return seq
}

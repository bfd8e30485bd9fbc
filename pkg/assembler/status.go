package assembler

// Status is the outcome of one AssembleMore attempt, interpreted by the
// external driver.
type Status int

// statuses.
const (
	// StatusSuccess indicates that one complete access unit was submitted.
	StatusSuccess Status = iota

	// StatusNotEnoughData indicates that nothing could be completed yet;
	// retry when more packets may be available.
	StatusNotEnoughData

	// StatusPartialSuccess indicates that a damaged access unit was
	// salvaged and submitted incomplete.
	StatusPartialSuccess

	// StatusDamaged indicates that a damaged access unit was discarded.
	StatusDamaged

	// StatusMalformed indicates that a payload violated RFC 6184
	// structural constraints; the affected access unit was discarded.
	StatusMalformed

	// StatusStreamEnded indicates that the stream was flushed and no
	// further output will be produced.
	StatusStreamEnded
)

var statusLabels = map[Status]string{
	StatusSuccess:        "Success",
	StatusNotEnoughData:  "NotEnoughData",
	StatusPartialSuccess: "PartialSuccess",
	StatusDamaged:        "Damaged",
	StatusMalformed:      "Malformed",
	StatusStreamEnded:    "StreamEnded",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return "unknown"
}

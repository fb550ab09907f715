package fetcher

// Batch is the outcome of fetching one source.
// It's produced by worker goroutines and consumed, in configured source
// order, by the coordinator that persists and normalizes the items.
type Batch struct {
	// Source is the tag of the source that produced the items.
	Source string

	// Items holds the fetched payloads; empty when Err is set.
	Items []RawItem

	// Err contains the cause when the source failed softly.
	Err error
}

// Failed reports whether the source produced no data because of an error.
func (b Batch) Failed() bool {
	return b.Err != nil
}

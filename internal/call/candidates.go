package call

import (
	"encoding/json"
	"fmt"
	"sync"
)

// wireCandidate is the form a candidate takes in the record: the transport's
// opaque string tagged with the negotiation epoch it was gathered for.
type wireCandidate struct {
	Epoch     int    `json:"epoch"`
	Candidate string `json:"candidate"`
}

// EncodeCandidate tags a transport candidate with its epoch.
func EncodeCandidate(epoch int, candidate string) string {
	b, _ := json.Marshal(wireCandidate{Epoch: epoch, Candidate: candidate})
	return string(b)
}

// DecodeCandidate splits a record candidate into epoch and transport string.
func DecodeCandidate(s string) (int, string, error) {
	var w wireCandidate
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return 0, "", fmt.Errorf("decode candidate: %w", err)
	}
	if w.Candidate == "" {
		return 0, "", fmt.Errorf("decode candidate: empty")
	}
	return w.Epoch, w.Candidate, nil
}

// candidateSink is the part of the transport a CandidateSet feeds.
type candidateSink interface {
	AddRemoteCandidate(candidate string) error
}

// CandidateSet merges trickled candidates in both directions. Remote
// candidates are applied at most once each; local candidates are published
// at most once each. Order is irrelevant: the merge is a set union.
type CandidateSet struct {
	sink candidateSink

	mu        sync.Mutex
	epoch     int
	ready     bool
	local     map[string]struct{}
	seen      map[string]struct{}
	pending   []string
	applied   int
	redundant int
}

// NewCandidateSet returns a set feeding sink.
func NewCandidateSet(sink candidateSink) *CandidateSet {
	return &CandidateSet{
		sink:  sink,
		local: make(map[string]struct{}),
		seen:  make(map[string]struct{}),
	}
}

// AddLocal encodes a freshly gathered candidate for the current epoch. It
// returns false if the candidate was already published.
func (c *CandidateSet) AddLocal(candidate string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc := EncodeCandidate(c.epoch, candidate)
	if _, dup := c.local[enc]; dup {
		return enc, false
	}
	c.local[enc] = struct{}{}
	return enc, true
}

// ApplyRemote feeds every unseen candidate of the current epoch to the
// transport. Candidates from older epochs are dropped for good; candidates
// from a newer epoch stay unseen until the set reaches that epoch. Before
// the remote description is applied candidates are held back.
func (c *CandidateSet) ApplyRemote(candidates []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, raw := range candidates {
		if _, ok := c.seen[raw]; ok {
			continue
		}
		epoch, cand, err := DecodeCandidate(raw)
		if err != nil {
			log.Debugf("ignoring candidate %q: %v", raw, err)
			c.seen[raw] = struct{}{}
			continue
		}
		switch {
		case epoch < c.epoch:
			c.seen[raw] = struct{}{}
			continue
		case epoch > c.epoch:
			continue
		}
		c.seen[raw] = struct{}{}
		if !c.ready {
			c.pending = append(c.pending, cand)
			continue
		}
		c.feed(cand)
		n++
	}
	return n
}

// Ready marks the remote description as applied and flushes held candidates.
func (c *CandidateSet) Ready() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
	pending := c.pending
	c.pending = nil
	for _, cand := range pending {
		c.feed(cand)
	}
	return len(pending)
}

// Reset moves the set to a new epoch. Remote candidates wait for the next
// remote description again.
func (c *CandidateSet) Reset(epoch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = epoch
	c.ready = false
	c.pending = nil
}

// Stats reports how many candidates reached the transport and how many of
// those it considered redundant.
func (c *CandidateSet) Stats() (applied, redundant int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied, c.redundant
}

// feed hands one candidate to the transport. A transport that already has
// a working path may refuse a late candidate; that is not an error.
func (c *CandidateSet) feed(cand string) {
	if err := c.sink.AddRemoteCandidate(cand); err != nil {
		c.redundant++
		log.Debugf("remote candidate not applied: %v", err)
		return
	}
	c.applied++
}

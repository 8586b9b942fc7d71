// Package federation defines core types shared across the federation subsystem.
package federation

import (
	"strconv"
	"time"
)

// InstanceRecord is the stored descriptor for one known instance (remote or self).
// Every field except ID, Domain, PubKey and Signature is attacker-controlled
// display metadata and must never be trusted for anything else.
type InstanceRecord struct {
	ID             string  `json:"id"`
	Domain         string  `json:"domain"`
	PubKey         string  `json:"pubkey"`
	Name           string  `json:"name,omitempty"`
	Version        string  `json:"version,omitempty"`
	Channel        string  `json:"channel,omitempty"`
	Frequency      float64 `json:"frequency,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	Signature      string  `json:"signature,omitempty"`
	IsPrivate      bool    `json:"is_private,omitempty"`
	LastUpdateTime int64   `json:"lastUpdateTime"`
}

// SignedFields returns the canonical attribute set covered by the record's
// signature. LastUpdateTime is excluded: it is an observation timestamp set
// by whoever stores the record, not a claim made by the instance itself.
func (r InstanceRecord) SignedFields() map[string]string {
	return map[string]string{
		"id":        r.ID,
		"domain":    r.Domain,
		"pubkey":    r.PubKey,
		"name":      r.Name,
		"version":   r.Version,
		"channel":   r.Channel,
		"frequency": strconv.FormatFloat(r.Frequency, 'f', -1, 64),
		"latitude":  strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		"longitude": strconv.FormatFloat(r.Longitude, 'f', -1, 64),
	}
}

// NodeInfo is the subset of a remote node list entry used as a liveness
// signal. It is consumed from GET /api/nodes and never persisted here.
type NodeInfo struct {
	NodeID    string `json:"node_id"`
	LastHeard int64  `json:"last_heard"`
}

// HeardWithin reports whether the node was heard no longer than maxAge before now.
func (n NodeInfo) HeardWithin(now time.Time, maxAge time.Duration) bool {
	return n.LastHeard > 0 && now.Unix()-n.LastHeard <= int64(maxAge.Seconds())
}

package federation

import "strconv"

// AnnouncePayload is the wire shape of POST /api/instances. The same shape,
// with lastUpdateTime spelled in camel case, appears in GET /api/instances
// responses (see InstanceRecord json tags).
type AnnouncePayload struct {
	ID             string  `json:"id"`
	Domain         string  `json:"domain"`
	PubKey         string  `json:"pubkey"`
	Name           string  `json:"name,omitempty"`
	Version        string  `json:"version,omitempty"`
	Channel        string  `json:"channel,omitempty"`
	Frequency      float64 `json:"frequency,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	LastUpdateTime int64   `json:"last_update_time,omitempty"`
	Signature      string  `json:"signature"`
}

// SignedFields returns the canonical attribute set covered by Signature.
func (p AnnouncePayload) SignedFields() map[string]string {
	return map[string]string{
		"id":        p.ID,
		"domain":    p.Domain,
		"pubkey":    p.PubKey,
		"name":      p.Name,
		"version":   p.Version,
		"channel":   p.Channel,
		"frequency": strconv.FormatFloat(p.Frequency, 'f', -1, 64),
		"latitude":  strconv.FormatFloat(p.Latitude, 'f', -1, 64),
		"longitude": strconv.FormatFloat(p.Longitude, 'f', -1, 64),
	}
}

// Record converts the payload into a storable record observed at the given
// Unix time.
func (p AnnouncePayload) Record(observedAt int64) InstanceRecord {
	return InstanceRecord{
		ID:             p.ID,
		Domain:         p.Domain,
		PubKey:         p.PubKey,
		Name:           p.Name,
		Version:        p.Version,
		Channel:        p.Channel,
		Frequency:      p.Frequency,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		Signature:      p.Signature,
		LastUpdateTime: observedAt,
	}
}

// PayloadFromRecord converts a stored record back into its wire shape.
func PayloadFromRecord(rec InstanceRecord) AnnouncePayload {
	return AnnouncePayload{
		ID:             rec.ID,
		Domain:         rec.Domain,
		PubKey:         rec.PubKey,
		Name:           rec.Name,
		Version:        rec.Version,
		Channel:        rec.Channel,
		Frequency:      rec.Frequency,
		Latitude:       rec.Latitude,
		Longitude:      rec.Longitude,
		LastUpdateTime: rec.LastUpdateTime,
		Signature:      rec.Signature,
	}
}

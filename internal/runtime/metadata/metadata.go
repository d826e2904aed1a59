// Package metadata models the caller context carried alongside every
// envelope: auth identity, correlation hints, and any headers a gateway
// wants to forward to a service block.
package metadata

// Metadata is the key/value caller context attached to RPC and event
// envelopes. Values always travel as strings on the wire.
type Metadata map[string]string

// KeyCallerID identifies the caller for deduplication. Two different
// callers issuing byte-identical payloads must never be conflated.
const KeyCallerID = "caller_id"

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// CallerID returns the caller identity header, or "" when anonymous.
func (m Metadata) CallerID() string {
	return m[KeyCallerID]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

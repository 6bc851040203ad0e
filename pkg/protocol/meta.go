package protocol

import "sort"

// Recognized metadata keys.
const (
	MetaReqKey = "req_key" // Handshake request key (client-hello)
	MetaResKey = "res_key" // Handshake response key (server-hello)
	MetaReason = "reason"  // Close reason
	MetaError  = "error"   // Close was caused by an error
	MetaConnID = "cid"     // Connection identity (server-hello)
)

var metaKeys = map[string]struct{}{
	MetaReqKey: {},
	MetaResKey: {},
	MetaReason: {},
	MetaError:  {},
	MetaConnID: {},
}

// IsMetaKey reports whether key belongs to the recognized set.
func IsMetaKey(key string) bool {
	_, ok := metaKeys[key]
	return ok
}

// Meta is the protocol metadata attached to an envelope.
type Meta map[string]any

// Validate returns a *MetaKeyError for the first unrecognized key, in
// sorted order so the result is stable.
func (m Meta) Validate() error {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !IsMetaKey(k) {
			return &MetaKeyError{Key: k}
		}
	}
	return nil
}

func (m Meta) str(key string) string {
	s, _ := m[key].(string)
	return s
}

// ReqKey returns the handshake request key.
func (m Meta) ReqKey() string { return m.str(MetaReqKey) }

// ResKey returns the handshake response key.
func (m Meta) ResKey() string { return m.str(MetaResKey) }

// Reason returns the close reason.
func (m Meta) Reason() string { return m.str(MetaReason) }

// ConnID returns the server-assigned connection identity.
func (m Meta) ConnID() string { return m.str(MetaConnID) }

// IsError reports whether the error flag is set.
func (m Meta) IsError() bool {
	b, _ := m[MetaError].(bool)
	return b
}

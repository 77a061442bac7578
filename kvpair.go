package consulkv

// KVPair is a representation of a key in Consul, which follows the structure
// documented at https://www.consul.io/api/kv.html#read-key
//
// Value holds the decoded bytes of the key, it is nil when consul reports the
// key as having no value.
type KVPair struct {
	Key         string
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Value       []byte
	Session     SessionID
}

// Locked reports whether a session currently holds the lock on the key.
func (p KVPair) Locked() bool {
	return len(p.Session) != 0
}

package consulkv

import "context"

// A SessionID is a unique identifier for a session.
//
// Sessions are created and renewed by other means (the consul agent's session
// API), the keystore only passes their identifiers to the lock endpoints.
type SessionID string

// AcquireLock attempts to lock the given key on behalf of session, writing
// value at the key if the lock is acquired.
//
// The method returns true if the lock was acquired and false if another
// session holds it. Failures to complete the request, and responses that are
// neither true nor false, are reported as errors so they can be told apart
// from lock contention.
func (ks *Keystore) AcquireLock(ctx context.Context, key string, session SessionID, value []byte) (bool, error) {
	return ks.putBool(ctx, "acquiring lock on", key, Query{{"acquire", string(session)}}, value)
}

// ReleaseLock releases the lock that session holds on the given key, writing
// value at the key.
//
// The method returns true if the lock was released and false if session was
// not holding it. Errors are reported the same way as AcquireLock.
func (ks *Keystore) ReleaseLock(ctx context.Context, key string, session SessionID, value []byte) (bool, error) {
	return ks.putBool(ctx, "releasing lock on", key, Query{{"release", string(session)}}, value)
}

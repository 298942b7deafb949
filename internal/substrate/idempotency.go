package substrate

import "time"

// checkIdempotency reports whether a key has been seen for this owner. A
// match on checksum replays the prior record id; a stale entry is dropped
// and treated as a fresh key ("Idempotency-Key"). A live entry with a
// different checksum also reports false; CreateRecord answers that case
// with an idempotency conflict.
func (s *Substrate) checkIdempotency(ownerID, key, checksum string) (idempotencyEntry, bool) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	entry, ok := s.idemSeen[ownerID+"\x00"+key]
	if !ok {
		return idempotencyEntry{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.idemSeen, ownerID+"\x00"+key)
		return idempotencyEntry{}, false
	}
	if entry.checksum != checksum {
		return idempotencyEntry{}, false
	}
	return entry, true
}

func (s *Substrate) rememberIdempotency(ownerID, key, checksum, recordID string, version int64) {
	ttl := s.cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	s.idemSeen[ownerID+"\x00"+key] = idempotencyEntry{
		checksum:  checksum,
		recordID:  recordID,
		version:   version,
		expiresAt: time.Now().Add(ttl),
	}
}

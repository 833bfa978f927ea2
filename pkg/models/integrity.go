package models

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// IntegrityHash computes the keyed hash binding a verdict's identity,
// approval flag and decision time. The secret is shared only between the
// policy engine and the wallet executor, so the value cannot be
// recomputed by anything that merely holds a verdict.
func IntegrityHash(secret []byte, requestID string, approved bool, decidedAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(requestID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatBool(approved)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(decidedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyIntegrity recomputes the keyed hash for a verdict and compares it
// in constant time against the hash the verdict carries.
func VerifyIntegrity(secret []byte, v PolicyVerdict) bool {
	want := IntegrityHash(secret, v.TxRequest.ID, v.Approved, v.DecidedAt)
	return subtle.ConstantTimeCompare([]byte(want), []byte(v.IntegrityHash)) == 1
}

// IdempotencyKey derives the deterministic execution-dedup key for a
// verdict. It covers the request ID, the decision time and the integrity
// hash, so two different approved decisions never collide while a true
// replay of the same verdict always does.
func IdempotencyKey(secret []byte, v PolicyVerdict) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(v.TxRequest.ID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(v.DecidedAt.UTC().Format(time.RFC3339Nano)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(v.IntegrityHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Package transcript implements §4.C9: the confirmed/interim transcript
// hash chain that binds every commit into the group's history.
//
// Grounded on original_source's transcript_hash.rs for the exact chaining
// order (confirmed hash folds in the commit's signature before the interim
// hash folds in its confirmation tag), expressed here in the teacher's
// plain-function style rather than as a dedicated hash-chain type, since
// the teacher has no direct analogue to generalize from.
package transcript

import "github.com/s3131212/mls-go/internal/crypto"

// ConfirmedAndInterim implements §4.C6 steps 5 and 9:
//
//	confirmed_transcript_hash_new = H(interim_transcript_hash_prev ||
//	    encode(wire_format, framed_content, signature))
//	interim_transcript_hash_new   = H(confirmed_transcript_hash_new ||
//	    encode(confirmation_tag))
//
// encodedCommitAuth and encodedConfirmationTag are the caller's wireformat
// encodings of (wire_format, framed_content, signature) and
// (confirmation_tag) respectively.
func ConfirmedAndInterim(suite crypto.Provider, interimPrev, encodedCommitAuth, encodedConfirmationTag []byte) (confirmed, interim []byte) {
	confirmed = suite.Hash(append(append([]byte(nil), interimPrev...), encodedCommitAuth...))
	interim = suite.Hash(append(append([]byte(nil), confirmed...), encodedConfirmationTag...))
	return confirmed, interim
}

// Confirmed computes only the confirmed_transcript_hash (§4.C6 step 5),
// used by a receiver to check the commit's confirmation_tag before
// committing to the new interim hash.
func Confirmed(suite crypto.Provider, interimPrev, encodedCommitAuth []byte) []byte {
	return suite.Hash(append(append([]byte(nil), interimPrev...), encodedCommitAuth...))
}

// Interim computes interim_transcript_hash_new from an already-verified
// confirmed_transcript_hash_new (§4.C6 step 9).
func Interim(suite crypto.Provider, confirmed, encodedConfirmationTag []byte) []byte {
	return suite.Hash(append(append([]byte(nil), confirmed...), encodedConfirmationTag...))
}

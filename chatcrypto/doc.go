// Package chatcrypto implements the client-side message protection used by
// ephemeral chat sessions. The server never imports the encryption paths; it
// only uses the payload parsers to check the shape of opaque ciphertext
// before relaying it.
//
// # Wire formats
//
// Two encodings coexist and are told apart by shape, not by a version tag:
//
//	legacy:  iv_hex ":" ciphertext_b64 [":" hmac_hex]
//	         AES-256-CBC/PKCS7, HMAC-SHA256 over the plaintext
//	current: {"nonce":b64,"ciphertext":b64,"authTag":b64}
//	         AES-256-CTR over {"content","timestamp"}, tag = HMAC-SHA256(nonce||ciphertext)[:16]
//
// ParsePayload decodes a string into one of the two variants, current first,
// and returns ErrMalformedPayload when neither shape matches. Signatures
// follow the same split (see ParseSignature).
//
// # Keys
//
// Session keys travel as opaque strings. KeyFromMaterial maps a string to the
// 32 bytes used by the ciphers. GenerateSessionKey produces the random
// creator-distributed keys that sessions use today; GenerateKeyPair,
// SharedSecret and DeriveKey implement ECDH P-256 agreement followed by an
// HKDF extract/expand for deployments that negotiate keys per participant.
//
// A KeyRing keeps the current key and up to three superseded ones so that
// messages sealed just before a rotation still open on the receiving side.
package chatcrypto

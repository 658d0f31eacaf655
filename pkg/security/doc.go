// Package security provides the AES-256-GCM cipher used for encrypted
// backups. Keys come from a raw 32-byte secret or from a password via
// Argon2id; a SHA-256 derivation remains readable for older backups.
package security

// Package password provides the default credential hasher: argon2id with
// PHC-encoded output. The engine accepts any CredentialHasher; this one is
// what Build wires when none is supplied.
package password

// Package identity holds the local identity (key pair and nickname) and
// the contacts whose public keys are known.
package identity

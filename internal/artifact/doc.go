// Package artifact fetches the content-addressed agent binary, verifies its
// SHA-512 digest, and installs it. This is the sole trust boundary of the
// installer: nothing downstream runs before verification succeeds.
package artifact

// Package uninstaller reverses an installation: it stops the supervised
// service, terminates workload containers, destroys managed volumes and the
// storage pool, and deletes installed files, behind a mandatory confirmation
// gate unless the override is set.
package uninstaller

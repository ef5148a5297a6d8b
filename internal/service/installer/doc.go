// Package installer sequences a complete installation: privilege and tool
// checks, platform probing, dependency provisioning, verified artifact
// placement, configuration, component download, and service registration.
// Control flows strictly top to bottom; each step either succeeds or aborts
// the whole run.
package installer

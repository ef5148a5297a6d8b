// Package sysservice emits the supervision descriptor for the detected OS
// variant (a systemd unit on xenial, an upstart job on trusty) and drives the
// service manager by name.
package sysservice

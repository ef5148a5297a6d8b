// Package config assembles the immutable run configuration: CLI flags,
// environment overrides, the detected OS variant, and the host filesystem
// layout. It is constructed once at startup and passed into every component;
// nothing downstream re-reads the environment or OS release files.
package config

// Package platform probes the host before anything else proceeds: it maps the
// OS release onto the closed set of supported variants, verifies the kernel's
// multi-lower-directory union filesystem support with a live test mount, and
// provisions the variant-specific OS package set.
package platform

// Package volume translates volume declarations into the two shapes the
// container runtime expects: a placeholder set at creation time and a
// list of "host:container:perm" binds.
package volume

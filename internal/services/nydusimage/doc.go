// Package nydusimage wraps the external image builder binary.
//
// Client.Create assembles the create command line, feeds the prefetch file
// list on stdin when a prefetch policy is set, and parses the builder's
// output document into an ordered blob descriptor list whose last element is
// the authoritative blob id. Command execution goes through the Executor
// seam so tests can fabricate builder behaviour without the binary.
package nydusimage

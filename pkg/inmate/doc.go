// Package inmate holds the method table an application exposes to the
// sandbox.
//
// Methods are registered by name in a Registry; each is a Handler that
// receives its decoded arguments and a YieldFunc for progress values. The
// table is fixed when the sandbox starts, from an Inmate the application
// implements, and Load reports any failure to produce it as an
// ImportError.
//
// Errors returned by handlers cross the sandbox boundary as a class name,
// a message and a backtrace. Error and Errorf carry all three explicitly;
// other errors are described by ClassOf and BacktraceOf.
package inmate

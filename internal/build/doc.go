// Package build sequences compilation and execution of source files.
//
// The Pipeline drives the external compiler through the process runner's
// compile slot, parses its diagnostic output into structured Diagnostics,
// and runs the produced executable in the run slot with live output
// streaming. Stop terminates whichever slot is active at any moment.
package build

//go:build linux && !gccgo

// Package nsenter joins the namespaces of an attach target before the Go
// runtime starts. Importing it for side effects installs a constructor that
// does nothing unless the process was started as an attach init, in which
// case it reads the bootstrap message from the init pipe, joins the listed
// namespaces and forks; the child carries on into the Go runtime.
package nsenter

/*
#cgo CFLAGS: -Wall -Werror
extern void nsexec();
void __attribute__((constructor)) init(void) {
	nsexec();
}
*/
import "C"

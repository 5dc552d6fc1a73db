//go:build !unix

package main

// dropPrivileges is a no-op where processes cannot change identity
func dropPrivileges() error {
	return nil
}

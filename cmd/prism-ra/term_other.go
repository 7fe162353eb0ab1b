//go:build !linux

package main

func stdoutIsTerminal() bool {
	return false
}

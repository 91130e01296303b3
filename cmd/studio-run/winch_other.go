//go:build !unix

package main

func watchResize(func()) func() { return func() {} }

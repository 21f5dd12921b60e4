// Package luart hosts the Lua runtime that extensions execute in.
//
// Each extension owns one sandboxed State. Loading creates a fresh
// state, unloading closes it, so a reload never observes values left
// over from the previous instance. States are not goroutine-safe at
// the gopher-lua level; the State wrapper serializes access with a
// mutex and recovers panics raised by extension code so a misbehaving
// script cannot take down the host.
package luart

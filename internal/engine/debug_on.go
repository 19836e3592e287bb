//go:build debug

package engine

// debugAssertions turns catalogue errors into panics.
const debugAssertions = true

// Package sinks provides status.Sink implementations.
package sinks

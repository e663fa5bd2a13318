// Package event defines the immutable event record, its naming rule and the
// id generators used throughout rewind.
package event

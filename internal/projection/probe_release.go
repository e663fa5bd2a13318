//go:build !rewinddebug

package projection

const probeByDefault = false

// Package dedupe provides a bounded, time-limited seen-set. Callers use
// Observe to learn whether a one-shot value (such as a consent flow ID) has
// been presented before.
package dedupe

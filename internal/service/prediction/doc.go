// Package prediction is the caller boundary of the engine: it spools an
// uploaded image, runs the selected pipelines concurrently, arbitrates their
// results and persists the winner.
package prediction

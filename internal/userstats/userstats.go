// Package userstats carries network-scale defaults derived from published
// privacy-preserving measurement studies of the live network. They size the
// simulated population when the run configuration does not pin explicit
// values.
package userstats

// Estimated number of concurrently active users network-wide.
const privcountUsers uint64 = 792_000

// Estimated number of circuits the whole network builds per ten minutes.
const privcountCircuitsPer10Min float64 = 1_380_000

// PrivcountUsers returns the measured estimate of concurrent active users.
func PrivcountUsers() uint64 { return privcountUsers }

// PrivcountCircuits10m returns the measured estimate of circuits built
// network-wide every ten minutes.
func PrivcountCircuits10m() float64 { return privcountCircuitsPer10Min }

package fov

import "math/rand/v2"

// IDToRand maps an integer id to a pseudo random value in [0,1). The same id
// always yields the same value, so split membership can be recomputed instead
// of stored.
func IDToRand(id int64) float64 {
	r := rand.New(rand.NewPCG(uint64(id), 0))
	return r.Float64()
}

package corpus

import "math/rand"

// RandomPayload returns between 1 and maxLen random bytes. It seeds an idle
// worker when the queue has nothing to hand out.
func RandomPayload(r *rand.Rand, maxLen int) []byte {
	payload := make([]byte, r.Intn(max(maxLen, 1))+1)
	r.Read(payload)
	return payload
}

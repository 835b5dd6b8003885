package task

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

const shortIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

const shortIDLength = 3

// ShortID derives the 3-char display fingerprint of a task: a 32-bit
// BLAKE2b digest of "task_id:user_id" rendered in base 36. Collisions
// are fine, the id is for humans reading a small task list.
func ShortID(taskID, userID string) string {
	h, err := blake2b.New(4, nil)
	if err != nil {
		panic(err) // only fails for invalid digest sizes
	}
	h.Write([]byte(taskID + ":" + userID))
	n := binary.BigEndian.Uint32(h.Sum(nil))

	buf := make([]byte, shortIDLength)
	for i := shortIDLength - 1; i >= 0; i-- {
		buf[i] = shortIDAlphabet[n%36]
		n /= 36
	}
	return string(buf)
}

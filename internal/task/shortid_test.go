package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortID_Deterministic(t *testing.T) {
	a := ShortID("2f2c6a60-9b5d-4f4e-bb8c-000000000001", "user-1")
	b := ShortID("2f2c6a60-9b5d-4f4e-bb8c-000000000001", "user-1")
	assert.Equal(t, a, b)
}

func TestShortID_Shape(t *testing.T) {
	ids := []struct{ taskID, userID string }{
		{"", ""},
		{"task", "user"},
		{"2f2c6a60-9b5d-4f4e-bb8c-000000000001", "user-1"},
		{"2f2c6a60-9b5d-4f4e-bb8c-000000000002", "user-1"},
	}
	for _, in := range ids {
		id := ShortID(in.taskID, in.userID)
		assert.Len(t, id, 3)
		for _, c := range id {
			assert.True(t, strings.ContainsRune(shortIDAlphabet, c), "char %q outside alphabet", c)
		}
	}
}

func TestShortID_DependsOnBothInputs(t *testing.T) {
	base := ShortID("task-1", "user-1")
	assert.NotEqual(t, base, ShortID("task-2", "user-1"))
	assert.NotEqual(t, base, ShortID("task-1", "user-2"))
}

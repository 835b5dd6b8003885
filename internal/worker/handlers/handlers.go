// Package handlers holds the compile-time handler registry. The
// import_path strings in the worker config select functions from here;
// real deployments register their RAG or model-backed handlers the same
// way.
package handlers

import (
	"errors"
	"math/rand"
	"strings"

	"github.com/kmaus/dispatchq/internal/task"
	"github.com/kmaus/dispatchq/internal/worker"
)

// Registry maps import paths to handler functions.
func Registry() map[string]worker.HandlerFunc {
	return map[string]worker.HandlerFunc{
		"handlers/echo:handle":    Echo,
		"handlers/shuffle:handle": Shuffle,
		"handlers/fail:handle":    Fail,
	}
}

// Echo answers with the prompt itself.
func Echo(t *task.Task) (task.Answer, error) {
	return task.Answer{Text: t.Prompt}, nil
}

// Shuffle answers with the prompt's characters permuted. Useful as a
// visibly-transformed dummy.
func Shuffle(t *task.Task) (task.Answer, error) {
	runes := []rune(strings.TrimSpace(t.Prompt))
	rand.Shuffle(len(runes), func(i, j int) {
		runes[i], runes[j] = runes[j], runes[i]
	})
	return task.Answer{Text: string(runes)}, nil
}

// Fail always errors; kept registered for exercising the retry path in
// staging.
func Fail(t *task.Task) (task.Answer, error) {
	return task.Answer{}, errors.New("handler configured to fail")
}

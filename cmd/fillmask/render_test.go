package main

import (
	"strings"
	"testing"

	"github.com/gomlx/go-fillmask/fillmask"
	"github.com/stretchr/testify/assert"
)

func TestRenderPredictions(t *testing.T) {
	out := renderPredictions("salt and [MASK]", []fillmask.Prediction{
		{Token: "pepper", Score: 0.5},
		{Token: "vinegar", Score: 0.25},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[1], "pepper")
	assert.Contains(t, lines[1], "0.5000")
	assert.Contains(t, lines[2], "vinegar")
	assert.Greater(t, strings.Count(lines[1], "█"), strings.Count(lines[2], "█"))
}

func TestRenderFields(t *testing.T) {
	out := renderFields("model", [][2]string{{"family", "BERT"}, {"vocab size", "30522"}})
	assert.Contains(t, out, "BERT")
	assert.Contains(t, out, "30522")
}

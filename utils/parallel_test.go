package utils

import (
	"testing"

	"go.viam.com/test"
)

func TestParallelFor(t *testing.T) {
	out := make([]int, 100)
	ParallelFor(len(out), func(i int) {
		out[i] = i * i
	})
	for i, v := range out {
		test.That(t, v, test.ShouldEqual, i*i)
	}
}

func TestParallelForSmall(t *testing.T) {
	ParallelFor(0, func(int) { t.Fatal("should not run") })

	ran := false
	ParallelFor(1, func(i int) {
		test.That(t, i, test.ShouldEqual, 0)
		ran = true
	})
	test.That(t, ran, test.ShouldBeTrue)
}

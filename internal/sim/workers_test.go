package sim

import "testing"

func TestWorkerCount(t *testing.T) {
	cases := []struct {
		configured, clients, want int
	}{
		{4, 100, 4},
		{4, 2, 2},
		{1, 1, 1},
		{8, 8, 8},
	}
	for _, tc := range cases {
		if got := workerCount(tc.configured, tc.clients); got != tc.want {
			t.Errorf("workerCount(%d, %d) = %d, want %d", tc.configured, tc.clients, got, tc.want)
		}
	}

	// Zero falls back to the CPU count, bounded by the population.
	if got := workerCount(0, 1000); got < 1 || got > 1000 {
		t.Errorf("workerCount(0, 1000) = %d, want within [1, 1000]", got)
	}
	if got := workerCount(0, 0); got != 1 {
		t.Errorf("workerCount(0, 0) = %d, want 1", got)
	}
}

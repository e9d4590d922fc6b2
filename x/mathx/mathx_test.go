package mathx

import "testing"

func TestClampAndBetween(t *testing.T) {
	if Clamp(5, 0, 3) != 3 || Clamp(-1, 0, 3) != 0 || Clamp(2, 0, 3) != 2 {
		t.Fatal("clamp")
	}
	if !Between(uint32(10), 10, 12) || Between(13, 10, 12) {
		t.Fatal("between")
	}
}

func TestCeilDiv(t *testing.T) {
	tests := []struct{ a, b, want uint32 }{
		{0, 5, 0}, {1, 5, 1}, {5, 5, 1}, {6, 5, 2}, {7, 0, 0},
	}
	for _, tc := range tests {
		if got := CeilDiv(tc.a, tc.b); got != tc.want {
			t.Fatalf("CeilDiv(%d,%d)=%d want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMean(t *testing.T) {
	if Mean[int]() != 0 {
		t.Fatal("empty")
	}
	if got := Mean(1, 2, 3, 4); got != 2.5 {
		t.Fatalf("mean %v", got)
	}
}

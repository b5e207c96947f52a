package netcore

import "testing"

func TestSplitByByte(t *testing.T) {
	if SplitByByte(nil) != 0 {
		t.Fatal("empty should be 0")
	}
	if SplitByByte([]byte("a")) != 1 {
		t.Fatal("expected 1")
	}
}

func TestSplitByLine(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 0},
		{"abc\n", 4},
		{"abc\r\n", 5},
		{"abc\n\rdef", 5},
		{"abc\r\rdef", 4}, // \r\r is two breaks, not one
		{"\n", 1},
	}
	for _, c := range cases {
		if got := SplitByLine([]byte(c.in)); got != c.want {
			t.Errorf("SplitByLine(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSplitByNull(t *testing.T) {
	if SplitByNull([]byte("A\x00BB\x00")) != 2 {
		t.Fatalf("expected 2 bytes, through the first null at index 1")
	}
	if SplitByNull([]byte("noterm")) != 0 {
		t.Fatalf("expected 0 with no terminator")
	}
}

func TestSplitAny(t *testing.T) {
	if SplitAny(nil) != 0 {
		t.Fatal("expected 0 for empty")
	}
	if SplitAny([]byte("abcde")) != 5 {
		t.Fatal("expected full length")
	}
}

// TestFramingScenario reproduces end-to-end scenario 2 of spec.md §8:
// "A\0BB\0CCC\0" split into three packets of size 2, 3, 4.
func TestFramingScenario(t *testing.T) {
	data := []byte("A\x00BB\x00CCC\x00")
	var sizes []int
	for len(data) > 0 {
		n := SplitByNull(data)
		if n == 0 {
			break
		}
		sizes = append(sizes, n)
		data = data[n:]
	}
	want := []int{2, 3, 4}
	if len(sizes) != len(want) {
		t.Fatalf("got sizes %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("got sizes %v, want %v", sizes, want)
		}
	}
}

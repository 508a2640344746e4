package vheap

import "testing"

func TestBucketPathFromRoot(t *testing.T) {
	tests := []struct {
		k, b int64
	}{
		{2, 0}, {2, 1}, {2, 6}, {2, 29},
		{3, 0}, {3, 4}, {3, 13},
		{4, 20},
	}
	for _, tt := range tests {
		path := BucketPathFromRoot(tt.k, tt.b)
		if got := path[len(path)-1]; got != tt.b {
			t.Errorf("k=%d b=%d: path ends at %d, want %d", tt.k, tt.b, got, tt.b)
		}
		if want := Level(tt.k, tt.b) + 1; int64(len(path)) != want {
			t.Errorf("k=%d b=%d: len(path)=%d, want %d", tt.k, tt.b, len(path), want)
		}
		if path[0] != 0 {
			t.Errorf("k=%d b=%d: path does not start at root, got %d", tt.k, tt.b, path[0])
		}
	}
}

func TestLastCommonLevel(t *testing.T) {
	k := int64(2)
	for b1 := int64(0); b1 < 30; b1++ {
		for b2 := int64(0); b2 < 30; b2++ {
			lcl := LastCommonLevel(k, b1, b2)
			l1, l2 := Level(k, b1), Level(k, b2)
			min := l1
			if l2 < min {
				min = l2
			}
			if lcl > min {
				t.Fatalf("LastCommonLevel(%d,%d)=%d exceeds min(level)=%d", b1, b2, lcl, min)
			}
			isAncestor := isAncestorOf(k, b1, b2) || isAncestorOf(k, b2, b1)
			if (lcl == min) != isAncestor {
				t.Fatalf("LastCommonLevel(%d,%d)=%d, min=%d, ancestor=%v mismatch", b1, b2, lcl, min, isAncestor)
			}
		}
	}
}

func isAncestorOf(k, ancestor, b int64) bool {
	for b >= 0 {
		if b == ancestor {
			return true
		}
		if b == 0 {
			return false
		}
		b = Parent(k, b)
	}
	return false
}

func TestFirstBucketAtLevelSpacing(t *testing.T) {
	for _, k := range []int64{2, 3, 4, 5} {
		for l := int64(0); l < 6; l++ {
			got := FirstBucketAtLevel(k, l+1) - FirstBucketAtLevel(k, l)
			want := ipow(k, l)
			if got != want {
				t.Errorf("k=%d l=%d: spacing=%d, want %d", k, l, got, want)
			}
		}
	}
}

func TestNecessaryHeight(t *testing.T) {
	tests := []struct {
		k, n, want int64
	}{
		{2, 1, 0}, {2, 2, 1}, {2, 3, 2}, {2, 256, 8},
		{4, 1, 0}, {4, 4, 1}, {4, 5, 2},
	}
	for _, tt := range tests {
		if got := NecessaryHeight(tt.k, tt.n); got != tt.want {
			t.Errorf("NecessaryHeight(%d,%d)=%d, want %d", tt.k, tt.n, got, tt.want)
		}
	}
}

func TestRandomLeafBucketRange(t *testing.T) {
	k, h := int64(2), int64(8)
	first, last := FirstBucketAtLevel(k, h), LastBucketAtLevel(k, h)
	for i := 0; i < 500; i++ {
		b, err := RandomLeafBucket(k, h)
		if err != nil {
			t.Fatalf("RandomLeafBucket: %v", err)
		}
		if b < first || b > last {
			t.Fatalf("RandomLeafBucket returned %d, want in [%d,%d]", b, first, last)
		}
		if Level(k, b) != h {
			t.Fatalf("RandomLeafBucket returned bucket at level %d, want %d", Level(k, b), h)
		}
	}
}

func TestRandomLeafBucketInvalidBase(t *testing.T) {
	if _, err := RandomLeafBucket(1, 4); err != ErrInvalidBase {
		t.Fatalf("expected ErrInvalidBase, got %v", err)
	}
}

func TestParentChildRoundTrip(t *testing.T) {
	k := int64(3)
	for b := int64(1); b < 50; b++ {
		p := Parent(k, b)
		c := (b - 1) % k
		if Child(k, p, c) != b {
			t.Errorf("Child(Parent(%d))=%d, want %d", b, Child(k, p, c), b)
		}
	}
}

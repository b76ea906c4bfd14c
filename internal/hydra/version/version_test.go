package version

import "testing"

func TestAdvanceRotate(t *testing.T) {
	v := Version{Segment: 3, Record: 7}
	if got := v.Advance(); got != (Version{Segment: 3, Record: 8}) {
		t.Fatalf("Advance: got %v", got)
	}
	if got := v.Rotate(); got != (Version{Segment: 4, Record: 0}) {
		t.Fatalf("Rotate: got %v", got)
	}
}

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		a, b Version
		want int
	}{
		{Version{0, 0}, Version{0, 1}, -1},
		{Version{1, 0}, Version{0, 99}, 1},
		{Version{2, 5}, Version{2, 5}, 0},
	}
	for _, c := range cases {
		if got := c.a.Compare(c.b); got != c.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", c.a, c.b, got, c.want)
		}
		if (c.want < 0) != c.a.Less(c.b) {
			t.Errorf("%v.Less(%v) inconsistent with Compare", c.a, c.b)
		}
	}
}

func TestRevisionRoundTrip(t *testing.T) {
	vs := []Version{
		{0, 0},
		{1, 42},
		{1000, 999999},
	}
	for _, v := range vs {
		got := FromRevision(v.Revision())
		if got != v {
			t.Errorf("round trip %v -> %d -> %v", v, v.Revision(), got)
		}
	}
}

func TestIsRotationAdvance(t *testing.T) {
	v := Version{Segment: 1, Record: 0}
	prev := Version{Segment: 0, Record: 5}
	if !v.IsRotationOf(prev) {
		t.Errorf("expected %v to be a rotation of %v", v, prev)
	}
	if v.IsAdvanceOf(prev) {
		t.Errorf("did not expect %v to be an advance of %v", v, prev)
	}
	adv := Version{Segment: 0, Record: 6}
	if !adv.IsAdvanceOf(prev) {
		t.Errorf("expected %v to be an advance of %v", adv, prev)
	}
}

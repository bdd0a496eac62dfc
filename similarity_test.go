package placecache

import "testing"

func TestIsSimilar(t *testing.T) {
	cases := []struct {
		candidate, stored string
		want              bool
	}{
		{"Cof", "Coffee", false},
		{"Coffee Shop", "Coffee", false},
		{"Coffee S", "Coffee", true},
		{"Coffee", "Coffee", true},
		{"coffee sh", "COFFEE", true},
		{"Coffee Sh", "Coffee", true},
		{"Coffee Sho", "Coffee", false},
		{"Tea", "Tea", true},
		{"Teapot", "Tea", true},
		{"Teapots", "Tea", false},
		{"Tea", "Te", false},
		{"Ramen", "Coffee", false},
		{"กาแฟสด", "กาแฟ", true},
		{"กาแฟเย็นๆ", "กาแฟ", false},
	}
	for _, tc := range cases {
		if got := IsSimilar(tc.candidate, tc.stored); got != tc.want {
			t.Errorf("IsSimilar(%q, %q) = %v, want %v", tc.candidate, tc.stored, got, tc.want)
		}
	}
}

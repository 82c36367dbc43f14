package config

import "testing"

func TestValidateRejectsBadTier(t *testing.T) {
	c := FromEnv()
	c.ModelSize = "huge"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid model size")
	}
}

func TestValidateRejectsInconsistentPoolSizes(t *testing.T) {
	c := FromEnv()
	c.ModelPoolSize = 4
	c.ModelPoolMaxSize = 2
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when max pool size is below pool size")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := FromEnv()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestSmallerTier(t *testing.T) {
	cases := []struct {
		in   Tier
		want Tier
		ok   bool
	}{
		{TierLarge, TierMedium, true},
		{TierMedium, TierSmall, true},
		{TierSmall, TierBase, true},
		{TierBase, TierTiny, true},
		{TierTiny, "", false},
	}
	for _, c := range cases {
		got, ok := Smaller(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("Smaller(%s) = (%s, %v), want (%s, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestMaxUploadSizeBytes(t *testing.T) {
	c := Config{MaxUploadSizeMB: 10}
	if got, want := c.MaxUploadSizeBytes(), int64(10*1024*1024); got != want {
		t.Errorf("MaxUploadSizeBytes() = %d, want %d", got, want)
	}
}

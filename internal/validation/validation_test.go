package validation

import (
	"testing"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"c5b1f3a0-9f1e-4a9a-8f21-1d2e3f4a5b6c", true},
		{"usr_9f86d081884c7d65", true},
		{"merchant42", true},
		{"a", true},

		// Invalid cases
		{"", false},
		{"-starts-with-dash", false},
		{"has space", false},
		{"semi;colon", false},
		{"waaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaay-too-long", false},
	}

	for _, tc := range tests {
		result := IsValidUserID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidUserID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("requesterId", "usr_1"),
		ValidCoin("coinType", "BTC"),
		ValidDirection("direction", "sell"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("requesterId", ""),
		ValidCoin("coinType", "DOGE"),
		ValidDirection("direction", "hodl"),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
}

func TestValidCoin(t *testing.T) {
	for _, coin := range []string{"BTC", "ETH", "USDT", "btc", "eth"} {
		if err := ValidCoin("coinType", coin)(); err != nil {
			t.Errorf("ValidCoin(%q) unexpected error: %v", coin, err)
		}
	}
	for _, coin := range []string{"DOGE", "XRP", "B TC"} {
		if err := ValidCoin("coinType", coin)(); err == nil {
			t.Errorf("ValidCoin(%q) expected error", coin)
		}
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},
		{"17550", true},

		// Invalid
		{"abc", false},
		{"-1.00", false},
		{"0", false},
		{"0.00", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

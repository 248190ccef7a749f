package roster

import "testing"

// TestNameExtraction проверяет извлечение имён из типовых фраз
func TestNameExtraction(t *testing.T) {
	e := NewNameExtractor()

	tests := []struct {
		name     string
		text     string
		expected string
		conf     float64
	}{
		{
			name:     "my name is",
			text:     "Hello everyone, my name is Alice Johnson, nice to meet you",
			expected: "Alice Johnson",
			conf:     0.95,
		},
		{
			name:     "i am",
			text:     "Hi, I am Bob and I will present today",
			expected: "Bob",
			conf:     0.90,
		},
		{
			name:     "i'm",
			text:     "I'm Carol, from the design team",
			expected: "Carol",
			conf:     0.90,
		},
		{
			name:     "call me",
			text:     "You can just call me Dave.",
			expected: "Dave",
			conf:     0.88,
		},
		{
			name:     "lowercase normalized",
			text:     "my name is alice johnson",
			expected: "Alice Johnson",
			conf:     0.95,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract(tt.text)
			if len(got) == 0 {
				t.Fatalf("no candidates extracted from %q", tt.text)
			}
			if got[0].Name != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got[0].Name)
			}
			if got[0].Confidence != tt.conf {
				t.Errorf("expected confidence %.2f, got %.2f", tt.conf, got[0].Confidence)
			}
		})
	}
}

// TestNameExtractionRejects проверяет что служебные фразы не дают имён
func TestNameExtractionRejects(t *testing.T) {
	e := NewNameExtractor()

	tests := []string{
		"",
		"I am going to the store",
		"I'm really happy about this",
		"I am here now",
		"my name is uh",
		"the weather is nice today",
	}

	for _, text := range tests {
		if got := e.Extract(text); len(got) != 0 {
			t.Errorf("expected no candidates from %q, got %v", text, got)
		}
	}
}

// TestNameExtractionStopsAtBlockedToken имя обрезается на служебном слове
func TestNameExtractionStopsAtBlockedToken(t *testing.T) {
	e := NewNameExtractor()

	got := e.Extract("my name is Alice and this is my colleague")
	if len(got) != 1 || got[0].Name != "Alice" {
		t.Errorf("expected [Alice], got %v", got)
	}
}

// TestNameExtractionDedup дубликат берёт максимальную уверенность
func TestNameExtractionDedup(t *testing.T) {
	e := NewNameExtractor()

	got := e.Extract("I'm Alice. Once again, my name is Alice.")
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %v", got)
	}
	if got[0].Confidence != 0.95 {
		t.Errorf("expected max confidence 0.95, got %.2f", got[0].Confidence)
	}
}

// TestNameExtractionTooLong имя из >4 токенов отклоняется
func TestNameExtractionTooLong(t *testing.T) {
	e := NewNameExtractor()

	got := e.Extract("my name is one two three four five six")
	if len(got) != 0 {
		t.Errorf("expected no candidates for overlong name, got %v", got)
	}
}

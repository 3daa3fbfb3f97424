package core

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
		{"héllo", 2},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := EstimateTokens(tt.in); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimateMessagesTokens(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "abcd"},
		{Role: RoleUser, Content: "abcde"},
	}
	if got := EstimateMessagesTokens(msgs); got != 3 {
		t.Errorf("EstimateMessagesTokens() = %d, want 3", got)
	}
}

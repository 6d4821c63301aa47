package coin

import "testing"

func vals(vs ...any) []*int64 {
	out := make([]*int64, len(vs))
	for i, v := range vs {
		if v == nil {
			continue
		}
		n := int64(v.(int))
		out[i] = &n
	}
	return out
}

func TestMajority(t *testing.T) {
	tests := []struct {
		name string
		in   []*int64
		want int64
	}{
		{"unanimous", vals(5, 5, 5), 5},
		{"disagree", vals(5, 7), NoConsensus},
		{"single", vals(42), 42},
		{"gaps ignored", vals(nil, 3, nil, 3), 3},
		{"gap then disagree", vals(3, nil, 4), NoConsensus},
		{"all missing", vals(nil, nil), NoConsensus},
		{"empty", nil, NoConsensus},
		{"negative balance", vals(-10, -10), -10},
		{"zero", vals(0, 0, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Majority(tt.in); got != tt.want {
				t.Fatalf("Majority = %d, want %d", got, tt.want)
			}
		})
	}
}

package cli

import (
	"reflect"
	"testing"
)

func TestJoinValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		args  []string
		bools []string
		want  []string
	}{
		{
			name: "single values untouched",
			args: []string{"--ttl", "2h", "--purpose", "debug"},
			want: []string{"--ttl", "2h", "--purpose", "debug"},
		},
		{
			name: "multi word values joined",
			args: []string{"--purpose", "debug", "prod", "--policy_description", "read", "ec2", "metadata"},
			want: []string{"--purpose", "debug prod", "--policy_description", "read ec2 metadata"},
		},
		{
			name: "equals form keeps trailing words with it",
			args: []string{"--purpose=debug", "prod", "--ttl=1h"},
			want: []string{"--purpose=debug prod", "--ttl=1h"},
		},
		{
			name:  "bool flags take no value",
			args:  []string{"--demo", "--purpose", "check", "logs"},
			bools: []string{"demo"},
			want:  []string{"--demo", "--purpose", "check logs"},
		},
		{
			name: "dash words are values",
			args: []string{"--policy_description", "-", "list", "buckets", "--ttl", "-5m"},
			want: []string{"--policy_description", "- list buckets", "--ttl", "-5m"},
		},
		{
			name: "negative number continues a value",
			args: []string{"--purpose", "offset", "-1", "--ttl=2h"},
			want: []string{"--purpose", "offset -1", "--ttl=2h"},
		},
		{
			name:  "positional after bool stays positional",
			args:  []string{"--expire", "extra"},
			bools: []string{"expire"},
			want:  []string{"--expire", "extra"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := JoinValues(tt.args, tt.bools...); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("JoinValues(%q) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestDashValuesReachTheFlagSet(t *testing.T) {
	t.Parallel()

	fs := NewFlagSet("request_access")
	ttl := fs.String("ttl", "", "")
	desc := fs.String("policy_description", "", "")
	if err := fs.Parse(JoinValues([]string{"--ttl", "-5m", "--policy_description", "-", "list", "buckets"})); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *ttl != "-5m" || *desc != "- list buckets" {
		t.Fatalf("unexpected values ttl=%q description=%q", *ttl, *desc)
	}
}

func TestNewFlagSetReturnsErrors(t *testing.T) {
	t.Parallel()

	fs := NewFlagSet("approve")
	fs.String("request_id", "", "")
	if err := fs.Parse([]string{"--unknown", "x"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

package transport

import (
	"errors"
	"testing"
)

func TestParseRefSpec(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    RefSpec
		wantErr bool
	}{
		{
			name: "plain",
			in:   "refs/heads/main:refs/heads/main",
			want: RefSpec{Src: "refs/heads/main", Dst: "refs/heads/main"},
		},
		{
			name: "short names",
			in:   "main:main",
			want: RefSpec{Src: "main", Dst: "main"},
		},
		{
			name: "forced",
			in:   "+refs/heads/dev:refs/heads/dev",
			want: RefSpec{Src: "refs/heads/dev", Dst: "refs/heads/dev", Force: true},
		},
		{
			name: "delete",
			in:   ":refs/heads/gone",
			want: RefSpec{Src: "", Dst: "refs/heads/gone"},
		},
		{
			name: "forced delete",
			in:   "+:refs/heads/gone",
			want: RefSpec{Src: "", Dst: "refs/heads/gone", Force: true},
		},
		{
			name: "surrounding space trimmed",
			in:   " refs/heads/a : refs/heads/b ",
			want: RefSpec{Src: "refs/heads/a", Dst: "refs/heads/b"},
		},
		{
			name:    "bare name has no destination",
			in:      "main",
			wantErr: true,
		},
		{
			name:    "empty destination",
			in:      "refs/heads/main:",
			wantErr: true,
		},
		{
			name:    "empty string",
			in:      "",
			wantErr: true,
		},
		{
			name:    "lone plus",
			in:      "+",
			wantErr: true,
		},
		{
			name:    "wildcard destination",
			in:      "refs/heads/a:refs/heads/*",
			wantErr: true,
		},
		{
			name:    "caret in source",
			in:      "main^:refs/heads/main",
			wantErr: true,
		},
		{
			name:    "second colon lands in destination",
			in:      "a:b:c",
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRefSpec(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseRefSpec(%q) = %+v, want error", tc.in, got)
				}
				if !errors.Is(err, ErrBadRefSpec) {
					t.Fatalf("ParseRefSpec(%q) error = %v, want ErrBadRefSpec", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRefSpec(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseRefSpec(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestRefSpecString(t *testing.T) {
	for _, in := range []string{
		"refs/heads/main:refs/heads/main",
		"+refs/heads/dev:refs/heads/dev",
		":refs/heads/gone",
	} {
		spec, err := ParseRefSpec(in)
		if err != nil {
			t.Fatal(err)
		}
		if spec.String() != in {
			t.Fatalf("round trip %q -> %q", in, spec.String())
		}
	}
}

func TestRefSpecValidateHandBuilt(t *testing.T) {
	if err := (RefSpec{Src: "main", Dst: ""}).Validate(); !errors.Is(err, ErrBadRefSpec) {
		t.Fatalf("missing destination: got %v, want ErrBadRefSpec", err)
	}
	if err := (RefSpec{Src: "bad name", Dst: "refs/heads/x"}).Validate(); !errors.Is(err, ErrBadRefSpec) {
		t.Fatalf("space in source: got %v, want ErrBadRefSpec", err)
	}
	if err := (RefSpec{Src: "", Dst: "refs/heads/x"}).Validate(); err != nil {
		t.Fatalf("delete spec should validate: %v", err)
	}
	if !(RefSpec{Dst: "refs/heads/x"}).IsDelete() {
		t.Fatal("empty source should report IsDelete")
	}
}

package recipe

import (
	"errors"
	"testing"
)

func TestCopySpec(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		want    CopySpec
		wantErr bool
	}{
		{
			name: "host copy",
			step: Step{Copy: "file.txt /opt/file.txt"},
			want: CopySpec{Src: "file.txt", Dest: "/opt/file.txt"},
		},
		{
			name: "stage prefix",
			step: Step{Copy: "build:/app/bin /usr/local/bin/app"},
			want: CopySpec{From: "build", Src: "/app/bin", Dest: "/usr/local/bin/app"},
		},
		{
			name: "from field wins over prefix",
			step: Step{Copy: "a:b /c", From: "other"},
			want: CopySpec{From: "other", Src: "a:b", Dest: "/c"},
		},
		{
			name: "relative destination kept",
			step: Step{Copy: "file.txt out/"},
			want: CopySpec{Src: "file.txt", Dest: "out/"},
		},
		{
			name:    "missing destination",
			step:    Step{Copy: "file.txt"},
			wantErr: true,
		},
		{
			name:    "too many tokens",
			step:    Step{Copy: "a b c"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.step.CopySpec()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCopy) {
					t.Fatalf("err = %v, want ErrInvalidCopy", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("CopySpec() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseStageCopy(t *testing.T) {
	tests := []struct {
		name  string
		input string
		stage string
		path  string
		ok    bool
	}{
		{name: "valid stage copy", input: "build:/app/bin", stage: "build", path: "/app/bin", ok: true},
		{name: "no colon", input: "/usr/local/bin"},
		{name: "colon at start", input: ":/some/path"},
		{name: "colon after slash", input: "/foo:bar"},
		{name: "slash in prefix", input: "some/stage:path"},
		{name: "simple host path", input: "file.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, path, ok := parseStageCopy(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !tt.ok {
				return
			}
			if stage != tt.stage || path != tt.path {
				t.Errorf("got (%q, %q), want (%q, %q)", stage, path, tt.stage, tt.path)
			}
		})
	}
}

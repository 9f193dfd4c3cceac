package identity

import (
	"testing"

	"github.com/portdaddy/portdaddy/internal/fault"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "single segment", raw: "myapp", want: "myapp"},
		{name: "two segments", raw: "myapp:api", want: "myapp:api"},
		{name: "three segments", raw: "myapp:api:main", want: "myapp:api:main"},
		{name: "trailing empty segment dropped", raw: "myapp:", want: "myapp"},
		{name: "two trailing empties dropped", raw: "myapp::", want: "myapp"},
		{name: "dots dashes underscores", raw: "my-app.v2_x:api", want: "my-app.v2_x:api"},
		{name: "empty", raw: "", wantErr: true},
		{name: "only colons", raw: "::", wantErr: true},
		{name: "four segments", raw: "a:b:c:d", wantErr: true},
		{name: "empty middle segment", raw: "a::b", wantErr: true},
		{name: "invalid character", raw: "my app", wantErr: true},
		{name: "wildcard rejected in key", raw: "myapp:*", wantErr: true},
		{name: "embedded wildcard rejected", raw: "my*app", wantErr: true},
		{name: "overlong segment", raw: string(make([]byte, 65)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Parse(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if tt.wantErr {
				if !fault.IsCode(err, fault.CodeInvalidIdentity) {
					t.Errorf("Parse(%q) code = %v, want InvalidIdentity", tt.raw, fault.CodeOf(err))
				}
				return
			}
			if got := id.String(); got != tt.want {
				t.Errorf("Parse(%q).String() = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"myapp", "myapp", true},
		{"myapp", "myapp:api", true},
		{"myapp", "myapp:api:main", true},
		{"myapp:*", "myapp:api", true},
		{"myapp:*", "myapp:worker", true},
		{"myapp:*", "myapp", true},
		{"myapp:api", "myapp:api:main", true},
		{"myapp:api", "myapp:worker", false},
		{"*", "anything:at:all", true},
		{"*:api", "myapp:api", true},
		{"*:api", "myapp:worker", false},
		{"myapp:api:main", "myapp:api:main", true},
		{"myapp:api:main", "myapp:api", false},
		{"other", "myapp", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.id, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			if err != nil {
				t.Fatalf("ParsePattern(%q) error = %v", tt.pattern, err)
			}
			if got := p.Matches(tt.id); got != tt.want {
				t.Errorf("%q.Matches(%q) = %v, want %v", tt.pattern, tt.id, got, tt.want)
			}
		})
	}
}

func TestPatternHasWildcard(t *testing.T) {
	wild, err := ParsePattern("myapp:*")
	if err != nil {
		t.Fatal(err)
	}
	if !wild.HasWildcard() {
		t.Error("myapp:* should report a wildcard")
	}

	exact, err := ParsePattern("myapp:api")
	if err != nil {
		t.Fatal(err)
	}
	if exact.HasWildcard() {
		t.Error("myapp:api should not report a wildcard")
	}
}

func TestPatternLike(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"myapp:*", "myapp:%%"},
		{"myapp", "myapp%"},
		{"myapp:api:main", "myapp:api:main"},
		{"my_app", `my\_app%`},
	}

	for _, tt := range tests {
		p, err := ParsePattern(tt.pattern)
		if err != nil {
			t.Fatalf("ParsePattern(%q) error = %v", tt.pattern, err)
		}
		if got := p.Like(); got != tt.want {
			t.Errorf("%q.Like() = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

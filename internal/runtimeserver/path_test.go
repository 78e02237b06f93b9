package runtimeserver

import "testing"

func TestCanonicalisePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr error
	}{
		{raw: "/", want: "/"},
		{raw: "", want: "/"},
		{raw: "/static/app.js", want: "/static/app.js"},
		{raw: "/static/", want: "/static/"},
		{raw: "/a//b", want: "/a/b"},
		{raw: "/a/./b", want: "/a/b"},
		{raw: "/hello%20world", want: "/hello world"},
		{raw: "/a/../b", wantErr: errPathTraversal},
		{raw: "/a/%2e%2e/b", wantErr: errPathTraversal},
		{raw: "/a/%2E%2E", wantErr: errPathTraversal},
		{raw: "/a/%00", wantErr: errPathNullByte},
		{raw: "/a/%zz", wantErr: errPathEncoding},
	}
	for _, tt := range tests {
		got, err := CanonicalisePath(tt.raw)
		if err != tt.wantErr {
			t.Errorf("CanonicalisePath(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("CanonicalisePath(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

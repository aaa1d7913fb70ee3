package engine

import "testing"

func TestExtractProgram(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		want   string
		wantOK bool
	}{
		{name: "plain reply", reply: "Your revenue is 4200.", wantOK: false},
		{name: "go block", reply: "Sure.\n```go\npackage main\n```\nDone.", want: "package main", wantOK: true},
		{name: "golang block", reply: "```golang\nx := 1\n```", want: "x := 1", wantOK: true},
		{name: "bare fence", reply: "```\nrevenue\n```", want: "revenue", wantOK: true},
		{name: "info string with attrs", reply: "```go title=prog.go\nbody\n```", want: "body", wantOK: true},
		{name: "skips other languages", reply: "```json\n{\"a\":1}\n```\n```go\nsecond\n```", want: "second", wantOK: true},
		{name: "first go block wins", reply: "```go\nfirst\n```\n```go\nsecond\n```", want: "first", wantOK: true},
		{name: "unterminated", reply: "```go\npackage main\nfunc Run() {}", want: "package main\nfunc Run() {}", wantOK: true},
		{name: "tilde fence", reply: "~~~go\ntilde\n~~~", want: "tilde", wantOK: true},
		{name: "longer closing fence", reply: "````go\nbody\n````", want: "body", wantOK: true},
		{name: "empty block skipped", reply: "```go\n```\n```go\nreal\n```", want: "real", wantOK: true},
		{name: "only other languages", reply: "```python\nprint(1)\n```", wantOK: false},
		{name: "uppercase info", reply: "```Go\nupper\n```", want: "upper", wantOK: true},
		{name: "inline code is not a fence", reply: "Use ```go``` blocks next time.", wantOK: false},
		{name: "block inside list item", reply: "1. Run this:\n\n   ```go\n   nested\n   ```\n", want: "nested", wantOK: true},
		{name: "block inside quote", reply: "> ```go\n> quoted\n> ```", want: "quoted", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractProgram(tt.reply)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("program = %q, want %q", got, tt.want)
			}
		})
	}
}

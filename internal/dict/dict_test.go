package dict

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSkipsCommentsAndMalformedLines(t *testing.T) {
	path := writeFile(t, t.TempDir(), "test.dict", "#comment\ntoken1=\"AA\"\nmalformed line\n")

	tokens, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tokens) != 1 || string(tokens[0]) != "AA" {
		t.Fatalf("tokens = %q, want [AA]", tokens)
	}
}

func TestParseLineEscapes(t *testing.T) {
	cases := []struct {
		line string
		want []byte
		ok   bool
	}{
		{`kw="\x00\xff"`, []byte{0x00, 0xff}, true},
		{`q="a\"b"`, []byte(`a"b`), true},
		{`bs="a\\b"`, []byte(`a\b`), true},
		{`nl="a\nb"`, []byte("a\nb"), true},
		{`="bare"`, []byte("bare"), true},
		{`x=""`, nil, false},
		{`x="\x4"`, nil, false},
		{`x="unterminated`, nil, false},
		{`# y="commented"`, nil, false},
	}
	for _, tc := range cases {
		got, ok := ParseLine(tc.line)
		if ok != tc.ok || !bytes.Equal(got, tc.want) {
			t.Errorf("ParseLine(%q) = %q, %v; want %q, %v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.dict")); err == nil {
		t.Fatal("expected error")
	}
}

func TestGrabDictWithoutRedis(t *testing.T) {
	dir := t.TempDir()
	local := writeFile(t, dir, "local.dict", "a=\"x\"\n")

	g := &DictGrabber{zaptest.NewLogger(t), nil, local, dir}
	path, err := g.GrabDict(context.Background())
	if err != nil {
		t.Fatalf("GrabDict: %v", err)
	}
	if path != local {
		t.Fatalf("single dictionary should be used as is, got %s", path)
	}

	tokens, err := g.LoadCampaignDict(context.Background())
	if err != nil || len(tokens) != 1 {
		t.Fatalf("LoadCampaignDict = %q, %v", tokens, err)
	}

	empty := &DictGrabber{zaptest.NewLogger(t), nil, "", dir}
	tokens, err = empty.LoadCampaignDict(context.Background())
	if err != nil || tokens != nil {
		t.Fatalf("no dictionary should give no tokens, got %q, %v", tokens, err)
	}
}
